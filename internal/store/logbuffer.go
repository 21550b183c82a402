package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultLogFlushSize     = 50
	DefaultLogFlushInterval = 10 * time.Second
)

// LogBuffer batches operational log lines and flushes them to SQLite on
// size or interval, so a chatty replication run doesn't turn into one
// insert per line.
type LogBuffer struct {
	store    *Store
	maxSize  int
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	pending []LogEntry

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewLogBuffer(s *Store, maxSize int, interval time.Duration, log zerolog.Logger) *LogBuffer {
	if maxSize <= 0 {
		maxSize = DefaultLogFlushSize
	}
	if interval <= 0 {
		interval = DefaultLogFlushInterval
	}
	b := &LogBuffer{
		store:    s,
		maxSize:  maxSize,
		interval: interval,
		log:      log.With().Str("component", "logbuf").Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go b.flushLoop()
	return b
}

func (b *LogBuffer) Append(level, message string) {
	b.mu.Lock()
	b.pending = append(b.pending, LogEntry{Level: level, Message: message, At: time.Now()})
	full := len(b.pending) >= b.maxSize
	b.mu.Unlock()
	if full {
		b.Flush()
	}
}

func (b *LogBuffer) Flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := b.store.InsertLogs(context.Background(), batch); err != nil {
		b.log.Warn().Err(err).Int("count", len(batch)).Msg("flushing log buffer failed")
	}
}

func (b *LogBuffer) flushLoop() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.stopCh:
			b.Flush()
			return
		}
	}
}

// Close flushes whatever is pending and stops the background loop.
func (b *LogBuffer) Close() {
	close(b.stopCh)
	<-b.doneCh
}
