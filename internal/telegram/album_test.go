package telegram

import (
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/mirrorbot/internal/platform"
)

type eventCollector struct {
	mu     sync.Mutex
	events []platform.Event
}

func (c *eventCollector) emit(ev platform.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) wait(t *testing.T, n int) []platform.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.events)
		c.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) != n {
		t.Fatalf("events = %d; want %d", len(c.events), n)
	}
	return append([]platform.Event(nil), c.events...)
}

func TestAlbumAggregatorGroupsMessages(t *testing.T) {
	col := &eventCollector{}
	a := newAlbumAggregator(30*time.Millisecond, col.emit)
	defer a.stop()

	// Out of order on purpose; the album must come out sorted.
	a.add(platform.Message{ID: 2, Chat: 10, MediaGroupID: "g1"})
	a.add(platform.Message{ID: 1, Chat: 10, MediaGroupID: "g1"})
	a.add(platform.Message{ID: 3, Chat: 10, MediaGroupID: "g1"})

	events := col.wait(t, 1)
	ev := events[0]
	if ev.Kind != platform.EventAlbum || ev.Chat != 10 {
		t.Fatalf("event = %+v", ev)
	}
	if len(ev.Messages) != 3 {
		t.Fatalf("album size = %d; want 3", len(ev.Messages))
	}
	for i, msg := range ev.Messages {
		if msg.ID != platform.MessageID(i+1) {
			t.Fatalf("album order wrong: %v", ev.Messages)
		}
	}
}

func TestAlbumAggregatorSeparateGroups(t *testing.T) {
	col := &eventCollector{}
	a := newAlbumAggregator(30*time.Millisecond, col.emit)
	defer a.stop()

	a.add(platform.Message{ID: 1, Chat: 10, MediaGroupID: "g1"})
	a.add(platform.Message{ID: 2, Chat: 10, MediaGroupID: "g2"})

	events := col.wait(t, 2)
	if len(events[0].Messages) != 1 || len(events[1].Messages) != 1 {
		t.Fatalf("groups merged: %+v", events)
	}
}

func TestAlbumAggregatorQuietWindowExtends(t *testing.T) {
	col := &eventCollector{}
	a := newAlbumAggregator(50*time.Millisecond, col.emit)
	defer a.stop()

	a.add(platform.Message{ID: 1, Chat: 10, MediaGroupID: "g1"})
	time.Sleep(30 * time.Millisecond)
	// Still inside the window; this resets the timer.
	a.add(platform.Message{ID: 2, Chat: 10, MediaGroupID: "g1"})

	events := col.wait(t, 1)
	if len(events[0].Messages) != 2 {
		t.Fatalf("album size = %d; want 2", len(events[0].Messages))
	}
}

func TestAlbumAggregatorStopDropsPending(t *testing.T) {
	col := &eventCollector{}
	a := newAlbumAggregator(20*time.Millisecond, col.emit)

	a.add(platform.Message{ID: 1, Chat: 10, MediaGroupID: "g1"})
	a.stop()
	time.Sleep(50 * time.Millisecond)

	col.mu.Lock()
	defer col.mu.Unlock()
	if len(col.events) != 0 {
		t.Fatalf("events after stop = %d; want 0", len(col.events))
	}
}
