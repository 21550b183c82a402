package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultBatchSize       = 50
	DefaultBatchPauseMs    = 500
	DefaultMapCapacity     = 10000
	DefaultMapLowWater     = 9000
	DefaultAlbumWaitMs     = 1000
	DefaultRetentionDays   = 30
	DefaultLogFlushSize    = 50
	DefaultLogFlushSeconds = 10
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Mirror   MirrorConfig   `json:"mirror"`
	Store    StoreConfig    `json:"store"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	Proxy       string `json:"proxy,omitempty"`
	AlbumWaitMs int    `json:"albumWaitMs"`
}

type MirrorConfig struct {
	// ControlChat is where operator commands are read and replied to.
	ControlChat int64 `json:"controlChat"`
	// AllowFrom lists sender ids allowed to issue commands. Empty allows
	// everyone in the control chat.
	AllowFrom []string `json:"allowFrom"`
	// SourceChat/TargetChat preconfigure the mirror pair at startup.
	SourceChat   int64 `json:"sourceChat,omitempty"`
	TargetChat   int64 `json:"targetChat,omitempty"`
	BatchSize    int   `json:"batchSize"`
	BatchPauseMs int   `json:"batchPauseMs"`
	MapCapacity  int   `json:"mapCapacity"`
	MapLowWater  int   `json:"mapLowWater"`
}

type StoreConfig struct {
	DBPath          string `json:"dbPath"`
	RetentionDays   int    `json:"retentionDays"`
	LogFlushSize    int    `json:"logFlushSize"`
	LogFlushSeconds int    `json:"logFlushSeconds"`
}

func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			AlbumWaitMs: DefaultAlbumWaitMs,
		},
		Mirror: MirrorConfig{
			BatchSize:    DefaultBatchSize,
			BatchPauseMs: DefaultBatchPauseMs,
			MapCapacity:  DefaultMapCapacity,
			MapLowWater:  DefaultMapLowWater,
		},
		Store: StoreConfig{
			DBPath:          filepath.Join(ConfigDir(), "mirrorbot.db"),
			RetentionDays:   DefaultRetentionDays,
			LogFlushSize:    DefaultLogFlushSize,
			LogFlushSeconds: DefaultLogFlushSeconds,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".mirrorbot")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if token := os.Getenv("MIRRORBOT_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if proxy := os.Getenv("MIRRORBOT_PROXY"); proxy != "" {
		cfg.Telegram.Proxy = proxy
	}
	if chat := os.Getenv("MIRRORBOT_CONTROL_CHAT"); chat != "" {
		if parsed, err := strconv.ParseInt(chat, 10, 64); err == nil {
			cfg.Mirror.ControlChat = parsed
		}
	}
	if chat := os.Getenv("MIRRORBOT_SOURCE_CHAT"); chat != "" {
		if parsed, err := strconv.ParseInt(chat, 10, 64); err == nil {
			cfg.Mirror.SourceChat = parsed
		}
	}
	if chat := os.Getenv("MIRRORBOT_TARGET_CHAT"); chat != "" {
		if parsed, err := strconv.ParseInt(chat, 10, 64); err == nil {
			cfg.Mirror.TargetChat = parsed
		}
	}
	if size := os.Getenv("MIRRORBOT_BATCH_SIZE"); size != "" {
		if parsed, err := strconv.Atoi(size); err == nil {
			cfg.Mirror.BatchSize = parsed
		}
	}
	if path := os.Getenv("MIRRORBOT_DB_PATH"); path != "" {
		cfg.Store.DBPath = path
	}

	if cfg.Mirror.BatchSize <= 0 {
		cfg.Mirror.BatchSize = DefaultBatchSize
	}
	if cfg.Mirror.BatchPauseMs <= 0 {
		cfg.Mirror.BatchPauseMs = DefaultBatchPauseMs
	}
	if cfg.Mirror.MapCapacity <= 0 {
		cfg.Mirror.MapCapacity = DefaultMapCapacity
	}
	if cfg.Telegram.AlbumWaitMs <= 0 {
		cfg.Telegram.AlbumWaitMs = DefaultAlbumWaitMs
	}
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = DefaultConfig().Store.DBPath
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
