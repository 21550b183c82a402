package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/mirrorbot/internal/config"
	"github.com/stellarlinkco/mirrorbot/internal/platform"
	"github.com/stellarlinkco/mirrorbot/internal/store"
	"github.com/stellarlinkco/mirrorbot/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "mirrorbot",
	Short: "mirrorbot - telegram chat mirroring worker",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the mirror worker (transport + event loop + maintenance)",
	RunE:  runWorker,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mirrorbot configuration and store summary",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(runCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token not set. Run 'mirrorbot onboard' or set MIRRORBOT_TELEGRAM_TOKEN")
	}
	if cfg.Mirror.ControlChat == 0 {
		return fmt.Errorf("control chat not set. Edit %s or set MIRRORBOT_CONTROL_CHAT", config.ConfigPath())
	}

	w, err := worker.New(cfg, newLogger())
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	return w.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set the bot token and control chat\n", cfgPath)
	fmt.Println("  2. Or set MIRRORBOT_TELEGRAM_TOKEN / MIRRORBOT_CONTROL_CHAT")
	fmt.Println("  3. Run 'mirrorbot run' and send /help in the control chat")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	if cfg.Telegram.Token != "" && len(cfg.Telegram.Token) > 8 {
		masked := cfg.Telegram.Token[:4] + "..." + cfg.Telegram.Token[len(cfg.Telegram.Token)-4:]
		fmt.Printf("Token: %s\n", masked)
	} else if cfg.Telegram.Token != "" {
		fmt.Println("Token: set")
	} else {
		fmt.Println("Token: not set")
	}
	fmt.Printf("Control chat: %d\n", cfg.Mirror.ControlChat)
	if cfg.Mirror.SourceChat != 0 {
		fmt.Printf("Pair: %d -> %d\n", cfg.Mirror.SourceChat, cfg.Mirror.TargetChat)
	}
	fmt.Printf("Batch size: %d\n", cfg.Mirror.BatchSize)
	fmt.Printf("Map capacity: %d (low water %d)\n", cfg.Mirror.MapCapacity, cfg.Mirror.MapLowWater)
	fmt.Printf("DB: %s\n", cfg.Store.DBPath)

	if _, err := os.Stat(cfg.Store.DBPath); err != nil {
		fmt.Println("Store: not initialized (run 'mirrorbot run')")
		return nil
	}
	st, err := store.Open(cfg.Store.DBPath, zerolog.Nop())
	if err != nil {
		fmt.Printf("Store: error (%v)\n", err)
		return nil
	}
	defer st.Close()

	ctx := context.Background()
	if cfg.Mirror.SourceChat != 0 {
		source := platform.ChatID(cfg.Mirror.SourceChat)
		if n, err := st.ArchivedCount(ctx, source); err == nil {
			fmt.Printf("Archived: %d\n", n)
		}
		if n, err := st.MappingCount(ctx, source); err == nil {
			fmt.Printf("Mappings: %d\n", n)
		}
		if id, err := st.LoadCheckpoint(ctx, source); err == nil {
			fmt.Printf("Checkpoint: %d\n", id)
		}
	}
	if n, err := st.LogCount(ctx); err == nil {
		fmt.Printf("Log entries: %d\n", n)
	}
	return nil
}
