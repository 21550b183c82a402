package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mirrorbot/internal/config"
	"github.com/stellarlinkco/mirrorbot/internal/mirror"
	"github.com/stellarlinkco/mirrorbot/internal/platform"
	"github.com/stellarlinkco/mirrorbot/internal/store"
	"github.com/stellarlinkco/mirrorbot/internal/telegram"
)

const helpText = `commands:
/pair <source_chat_id> <target_chat_id> - set the mirror pair
/mirror - start mirroring (copies history, then mirrors live)
/stop - stop mirroring
/status - show mirror state
/help - this message`

// Worker wires the store, the transport and the mirror session
// together and owns the event loop. Control-chat messages are operator
// commands; everything else is archived and handed to the session.
type Worker struct {
	cfg     *config.Config
	client  platform.Client
	store   *store.Store
	logbuf  *store.LogBuffer
	session *mirror.Session
	cron    *cron.Cron
	log     zerolog.Logger

	mu      sync.Mutex
	copying bool

	// signalCh is injectable for tests; Run installs the default
	// SIGINT/SIGTERM handler when it is nil.
	signalCh chan os.Signal
}

// Options for building a Worker with custom dependencies (for testing)
type Options struct {
	Config   *config.Config
	Client   platform.Client
	Store    *store.Store
	SignalCh chan os.Signal
	Log      zerolog.Logger
}

func New(cfg *config.Config, log zerolog.Logger) (*Worker, error) {
	return NewWithOptions(Options{Config: cfg, Log: log})
}

func NewWithOptions(opts Options) (*Worker, error) {
	cfg := opts.Config

	client := opts.Client
	if client == nil {
		c, err := telegram.New(cfg.Telegram, opts.Log)
		if err != nil {
			return nil, fmt.Errorf("create telegram client: %w", err)
		}
		client = c
	}

	st := opts.Store
	if st == nil {
		s, err := store.Open(cfg.Store.DBPath, opts.Log)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		st = s
	}

	logbuf := store.NewLogBuffer(st, cfg.Store.LogFlushSize, time.Duration(cfg.Store.LogFlushSeconds)*time.Second, opts.Log)

	dispatcher := mirror.NewDispatcher(client, opts.Log)
	replicator := mirror.NewReplicator(st, dispatcher, cfg.Mirror.BatchSize, time.Duration(cfg.Mirror.BatchPauseMs)*time.Millisecond, opts.Log)
	session := mirror.NewSession(mirror.SessionOptions{
		Client:      client,
		Dispatcher:  dispatcher,
		Replicator:  replicator,
		Store:       st,
		MapCapacity: cfg.Mirror.MapCapacity,
		MapLowWater: cfg.Mirror.MapLowWater,
		Log:         opts.Log,
	})

	w := &Worker{
		cfg:      cfg,
		client:   client,
		store:    st,
		logbuf:   logbuf,
		session:  session,
		log:      opts.Log.With().Str("component", "worker").Logger(),
		signalCh: opts.SignalCh,
	}

	if cfg.Mirror.SourceChat != 0 && cfg.Mirror.TargetChat != 0 {
		if err := session.Configure(platform.ChatID(cfg.Mirror.SourceChat), platform.ChatID(cfg.Mirror.TargetChat)); err != nil {
			w.log.Warn().Err(err).Msg("preconfigured mirror pair rejected")
		}
	}

	return w, nil
}

func (w *Worker) Session() *mirror.Session {
	return w.session
}

// Run starts the transport and processes events until the context is
// canceled or a shutdown signal arrives.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.client.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	w.cron = cron.New()
	if w.cfg.Store.RetentionDays > 0 {
		retention := time.Duration(w.cfg.Store.RetentionDays) * 24 * time.Hour
		if _, err := w.cron.AddFunc("@daily", func() { w.pruneArchive(retention) }); err != nil {
			w.log.Warn().Err(err).Msg("scheduling archive prune failed")
		}
	}
	w.cron.Start()

	sigCh := w.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	w.log.Info().Msg("worker started")
	w.note("info", "worker started")

	events := w.client.Events()
	for {
		select {
		case ev := <-events:
			w.handleEvent(ctx, ev)
		case sig := <-sigCh:
			w.log.Info().Str("signal", sig.String()).Msg("shutting down")
			return w.shutdown()
		case <-ctx.Done():
			return w.shutdown()
		}
	}
}

func (w *Worker) shutdown() error {
	if w.cron != nil {
		stopCtx := w.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			w.log.Warn().Msg("cron stop timeout")
		}
	}
	_ = w.client.Stop()
	w.note("info", "worker stopped")
	w.logbuf.Close()
	if err := w.store.Close(); err != nil {
		w.log.Warn().Err(err).Msg("closing store failed")
	}
	w.log.Info().Msg("worker stopped")
	return nil
}

func (w *Worker) handleEvent(ctx context.Context, ev platform.Event) {
	w.archive(ctx, ev)

	if ev.Chat == w.controlChat() {
		if ev.Kind == platform.EventNewMessage && len(ev.Messages) > 0 {
			w.handleCommand(ctx, ev.Messages[0])
		}
		return
	}

	w.session.HandleEvent(ctx, ev)
}

// archive keeps the local history current: new messages and albums are
// inserted, edits update the stored text, deletes drop the rows. The
// archive is what bulk replication reads from.
func (w *Worker) archive(ctx context.Context, ev platform.Event) {
	switch ev.Kind {
	case platform.EventNewMessage, platform.EventAlbum, platform.EventEdited:
		for _, msg := range ev.Messages {
			if err := w.store.ArchiveMessage(ctx, msg); err != nil {
				w.log.Warn().Err(err).Int("message_id", int(msg.ID)).Msg("archiving message failed")
			}
		}
	case platform.EventDeleted:
		if err := w.store.RemoveArchived(ctx, ev.Chat, ev.DeletedIDs); err != nil {
			w.log.Warn().Err(err).Msg("removing archived messages failed")
		}
	}
}

func (w *Worker) handleCommand(ctx context.Context, msg platform.Message) {
	if !w.isAllowed(msg.SenderID) {
		w.log.Warn().Int64("sender", msg.SenderID).Msg("rejected command from unknown sender")
		return
	}

	fields := strings.Fields(msg.Text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return
	}
	// Commands in groups may arrive as /mirror@botname.
	cmd, _, _ := strings.Cut(fields[0], "@")

	switch cmd {
	case "/pair":
		w.cmdPair(ctx, fields[1:])
	case "/mirror":
		w.cmdMirror(ctx)
	case "/stop":
		w.cmdStop(ctx)
	case "/status":
		w.cmdStatus(ctx)
	case "/help", "/start":
		w.reply(ctx, helpText)
	default:
		w.reply(ctx, "unknown command, try /help")
	}
}

// isAllowed mirrors the usual allowlist semantics: an empty list lets
// anyone in the control chat command the worker.
func (w *Worker) isAllowed(senderID int64) bool {
	if len(w.cfg.Mirror.AllowFrom) == 0 {
		return true
	}
	id := strconv.FormatInt(senderID, 10)
	for _, allowed := range w.cfg.Mirror.AllowFrom {
		if allowed == id {
			return true
		}
	}
	return false
}

func (w *Worker) cmdPair(ctx context.Context, args []string) {
	if len(args) != 2 {
		w.reply(ctx, "usage: /pair <source_chat_id> <target_chat_id>")
		return
	}
	source, err1 := strconv.ParseInt(args[0], 10, 64)
	target, err2 := strconv.ParseInt(args[1], 10, 64)
	if err1 != nil || err2 != nil {
		w.reply(ctx, "chat ids must be numeric")
		return
	}
	if err := w.session.Configure(platform.ChatID(source), platform.ChatID(target)); err != nil {
		w.reply(ctx, "configure failed: "+err.Error())
		return
	}
	w.note("info", fmt.Sprintf("configured mirror %d -> %d", source, target))
	w.reply(ctx, fmt.Sprintf("mirror pair set: %d -> %d", source, target))
}

func (w *Worker) cmdMirror(ctx context.Context) {
	if w.session.Active() {
		w.reply(ctx, "mirroring is already running")
		return
	}
	w.mu.Lock()
	if w.copying {
		w.mu.Unlock()
		w.reply(ctx, "mirroring is already running")
		return
	}
	w.copying = true
	w.mu.Unlock()

	statusID, err := w.client.SendText(ctx, w.controlChat(), "mirroring started, copying history...")
	if err != nil {
		w.log.Warn().Err(err).Msg("sending status message failed")
	}

	// The copy runs in the background so live events keep flowing
	// through the loop while history is replayed.
	go func() {
		defer func() {
			w.mu.Lock()
			w.copying = false
			w.mu.Unlock()
		}()

		copied, err := w.session.Start(ctx, func(done int) {
			if statusID != 0 {
				_ = w.client.EditMessageText(ctx, w.controlChat(), statusID,
					fmt.Sprintf("copying history: %d messages so far", done))
			}
		})
		if err != nil {
			if errors.Is(err, mirror.ErrAlreadyRunning) || errors.Is(err, mirror.ErrNotConfigured) {
				w.reply(ctx, err.Error())
				return
			}
			if errors.Is(err, mirror.ErrStopped) {
				w.note("info", fmt.Sprintf("history copy stopped after %d messages", copied))
				w.reply(ctx, fmt.Sprintf("history copy stopped after %d messages", copied))
				return
			}
			w.note("error", fmt.Sprintf("history copy failed after %d messages: %v", copied, err))
			w.reply(ctx, fmt.Sprintf("history copy failed after %d messages: %v", copied, err))
			return
		}
		w.note("info", fmt.Sprintf("history copy complete: %d messages", copied))
		w.reply(ctx, fmt.Sprintf("history copy complete: %d messages, live mirroring active", copied))
	}()
}

func (w *Worker) cmdStop(ctx context.Context) {
	if err := w.session.Stop(); err != nil {
		w.reply(ctx, "mirroring is not running")
		return
	}
	w.note("info", "mirroring stopped")
	w.reply(ctx, "mirroring stopped")
}

func (w *Worker) cmdStatus(ctx context.Context) {
	st := w.session.Status()
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s\n", st.State)
	if st.Source != 0 {
		fmt.Fprintf(&b, "pair: %d -> %d\n", st.Source, st.Target)
	}
	fmt.Fprintf(&b, "copied: %d\n", st.Copied)
	fmt.Fprintf(&b, "map: %d/%d entries, hit rate %.0f%%\n", st.Map.Size, st.Map.Capacity, st.Map.HitRate()*100)
	if st.Source != 0 {
		if n, err := w.store.MappingCount(ctx, st.Source); err == nil {
			fmt.Fprintf(&b, "stored mappings: %d\n", n)
		}
		if n, err := w.store.ArchivedCount(ctx, st.Source); err == nil {
			fmt.Fprintf(&b, "archived: %d\n", n)
		}
	}
	w.reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (w *Worker) reply(ctx context.Context, text string) {
	if _, err := w.client.SendText(ctx, w.controlChat(), text); err != nil {
		w.log.Warn().Err(err).Msg("sending reply failed")
	}
}

// note writes to both the structured log and the buffered operational
// log in SQLite.
func (w *Worker) note(level, msg string) {
	w.logbuf.Append(level, msg)
}

func (w *Worker) controlChat() platform.ChatID {
	return platform.ChatID(w.cfg.Mirror.ControlChat)
}

func (w *Worker) pruneArchive(retention time.Duration) {
	n, err := w.store.PruneArchive(context.Background(), time.Now().Add(-retention))
	if err != nil {
		w.log.Warn().Err(err).Msg("pruning archive failed")
		return
	}
	if n > 0 {
		w.log.Info().Int64("removed", n).Msg("pruned archive")
		w.note("info", fmt.Sprintf("pruned %d archived messages", n))
	}
}
