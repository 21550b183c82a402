package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mirrorbot/internal/config"
	"github.com/stellarlinkco/mirrorbot/internal/platform"
	"github.com/stellarlinkco/mirrorbot/internal/store"
)

// fakeClient implements platform.Client in memory.
type fakeClient struct {
	mu       sync.Mutex
	events   chan platform.Event
	sent     []string
	edits    []string
	forwards [][]platform.MessageID
	started  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan platform.Event, 10)}
}

func (f *fakeClient) ForwardMessages(ctx context.Context, target platform.ChatID, ids []platform.MessageID, source platform.ChatID, dropAuthor bool) ([]platform.MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, append([]platform.MessageID(nil), ids...))
	out := make([]platform.MessageID, len(ids))
	for i, id := range ids {
		out[i] = id + 100
	}
	return out, nil
}

func (f *fakeClient) DeleteMessages(ctx context.Context, chat platform.ChatID, ids []platform.MessageID) error {
	return nil
}

func (f *fakeClient) EditMessageText(ctx context.Context, chat platform.ChatID, id platform.MessageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeClient) EditMessageCaption(ctx context.Context, chat platform.ChatID, id platform.MessageID, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, caption)
	return nil
}

func (f *fakeClient) SendText(ctx context.Context, chat platform.ChatID, text string) (platform.MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return 999, nil
}

func (f *fakeClient) Events() <-chan platform.Event { return f.events }

func (f *fakeClient) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeClient) Stop() error { return nil }

func (f *fakeClient) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeClient) forwardCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwards)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Mirror.ControlChat = 5
	cfg.Mirror.BatchPauseMs = 1
	cfg.Mirror.MapCapacity = 100
	cfg.Store.LogFlushSeconds = 60
	return cfg
}

func newTestWorker(t *testing.T, cfg *config.Config) (*Worker, *fakeClient) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "worker.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	client := newFakeClient()
	w, err := NewWithOptions(Options{
		Config: cfg,
		Client: client,
		Store:  st,
		Log:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	t.Cleanup(func() {
		w.logbuf.Close()
		st.Close()
	})
	return w, client
}

func command(text string) platform.Event {
	return platform.Event{
		Kind: platform.EventNewMessage,
		Chat: 5,
		Messages: []platform.Message{
			{ID: 1000, Chat: 5, SenderID: 1, Text: text},
		},
	}
}

func lastSent(t *testing.T, c *fakeClient) string {
	t.Helper()
	sent := c.sentTexts()
	if len(sent) == 0 {
		t.Fatal("no reply sent")
	}
	return sent[len(sent)-1]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWorkerPairAndStatus(t *testing.T) {
	w, c := newTestWorker(t, testConfig())
	ctx := context.Background()

	w.handleEvent(ctx, command("/pair 10 20"))
	if got := lastSent(t, c); !strings.Contains(got, "mirror pair set") {
		t.Fatalf("reply = %q", got)
	}

	w.handleEvent(ctx, command("/status"))
	got := lastSent(t, c)
	if !strings.Contains(got, "state: configured") || !strings.Contains(got, "pair: 10 -> 20") {
		t.Fatalf("status reply = %q", got)
	}
}

func TestWorkerMirrorStopRoundTrip(t *testing.T) {
	w, c := newTestWorker(t, testConfig())
	ctx := context.Background()

	w.handleEvent(ctx, command("/pair 10 20"))
	w.handleEvent(ctx, command("/mirror"))
	waitFor(t, w.session.Active)
	waitFor(t, func() bool {
		return strings.Contains(lastSent(t, c), "history copy complete")
	})

	w.handleEvent(ctx, command("/mirror"))
	if got := lastSent(t, c); !strings.Contains(got, "already running") {
		t.Fatalf("second /mirror reply = %q", got)
	}

	w.handleEvent(ctx, command("/stop"))
	if got := lastSent(t, c); !strings.Contains(got, "mirroring stopped") {
		t.Fatalf("/stop reply = %q", got)
	}
	w.handleEvent(ctx, command("/stop"))
	if got := lastSent(t, c); !strings.Contains(got, "not running") {
		t.Fatalf("second /stop reply = %q", got)
	}
}

func TestWorkerMirrorWithoutPair(t *testing.T) {
	w, c := newTestWorker(t, testConfig())
	ctx := context.Background()

	w.handleEvent(ctx, command("/mirror"))
	waitFor(t, func() bool {
		for _, s := range c.sentTexts() {
			if strings.Contains(s, "not configured") {
				return true
			}
		}
		return false
	})
}

func TestWorkerLiveMirrorFlow(t *testing.T) {
	w, c := newTestWorker(t, testConfig())
	ctx := context.Background()

	w.handleEvent(ctx, command("/pair 10 20"))
	w.handleEvent(ctx, command("/mirror"))
	waitFor(t, w.session.Active)

	w.handleEvent(ctx, platform.Event{
		Kind: platform.EventNewMessage, Chat: 10,
		Messages: []platform.Message{{ID: 7, Chat: 10, SenderID: 2, Text: "hello"}},
	})
	waitFor(t, func() bool { return c.forwardCount() == 1 })

	// Unrelated chats are archived but never mirrored.
	w.handleEvent(ctx, platform.Event{
		Kind: platform.EventNewMessage, Chat: 77,
		Messages: []platform.Message{{ID: 8, Chat: 77, SenderID: 2, Text: "other"}},
	})
	if c.forwardCount() != 1 {
		t.Fatal("message from unrelated chat was forwarded")
	}
}

func TestWorkerRejectsUnknownSender(t *testing.T) {
	cfg := testConfig()
	cfg.Mirror.AllowFrom = []string{"42"}
	w, c := newTestWorker(t, cfg)

	w.handleEvent(context.Background(), command("/status")) // sender 1, not allowed
	if len(c.sentTexts()) != 0 {
		t.Fatal("unknown sender must get no reply")
	}
}

func TestWorkerCommandWithBotSuffix(t *testing.T) {
	w, c := newTestWorker(t, testConfig())

	w.handleEvent(context.Background(), command("/help@mirrorbot"))
	if got := lastSent(t, c); !strings.Contains(got, "/pair") {
		t.Fatalf("help reply = %q", got)
	}
}

func TestWorkerArchivesEvents(t *testing.T) {
	w, _ := newTestWorker(t, testConfig())
	ctx := context.Background()

	w.handleEvent(ctx, platform.Event{
		Kind: platform.EventNewMessage, Chat: 10,
		Messages: []platform.Message{{ID: 1, Chat: 10, Text: "a"}},
	})
	n, err := w.store.ArchivedCount(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("ArchivedCount = %d, %v; want 1, nil", n, err)
	}

	w.handleEvent(ctx, platform.Event{
		Kind: platform.EventDeleted, Chat: 10,
		DeletedIDs: []platform.MessageID{1},
	})
	n, _ = w.store.ArchivedCount(ctx, 10)
	if n != 0 {
		t.Fatalf("ArchivedCount = %d after delete; want 0", n)
	}
}

func TestWorkerPreconfiguredPair(t *testing.T) {
	cfg := testConfig()
	cfg.Mirror.SourceChat = 10
	cfg.Mirror.TargetChat = 20
	w, _ := newTestWorker(t, cfg)

	st := w.session.Status()
	if st.Source != 10 || st.Target != 20 {
		t.Fatalf("status = %+v; want preconfigured pair", st)
	}
}

func TestWorkerRunShutdownOnSignal(t *testing.T) {
	cfg := testConfig()
	st, err := store.Open(filepath.Join(t.TempDir(), "worker.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	client := newFakeClient()
	sigCh := make(chan os.Signal, 1)
	w, err := NewWithOptions(Options{
		Config:   cfg,
		Client:   client,
		Store:    st,
		SignalCh: sigCh,
		Log:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	waitFor(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.started
	})

	sigCh <- syscall.SIGTERM
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after signal")
	}
}
