package telegram

import (
	"sort"
	"sync"
	"time"

	"github.com/stellarlinkco/mirrorbot/internal/platform"
)

// albumAggregator buffers messages sharing a media group id and emits
// them as a single album event once the group has been quiet for the
// wait window. The Bot API delivers album members as separate updates
// with a shared MediaGroupID and no end marker, so a debounce window is
// the only way to know a group is complete.
type albumAggregator struct {
	wait time.Duration
	emit func(platform.Event)

	mu      sync.Mutex
	pending map[string]*pendingAlbum
	closed  bool
}

type pendingAlbum struct {
	messages []platform.Message
	timer    *time.Timer
}

func newAlbumAggregator(wait time.Duration, emit func(platform.Event)) *albumAggregator {
	return &albumAggregator{
		wait:    wait,
		emit:    emit,
		pending: make(map[string]*pendingAlbum),
	}
}

func (a *albumAggregator) add(msg platform.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	group, ok := a.pending[msg.MediaGroupID]
	if !ok {
		group = &pendingAlbum{}
		a.pending[msg.MediaGroupID] = group
		id := msg.MediaGroupID
		group.timer = time.AfterFunc(a.wait, func() { a.flush(id) })
	} else {
		group.timer.Reset(a.wait)
	}
	group.messages = append(group.messages, msg)
}

func (a *albumAggregator) flush(id string) {
	a.mu.Lock()
	group, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	closed := a.closed
	a.mu.Unlock()
	if !ok || closed || len(group.messages) == 0 {
		return
	}
	msgs := group.messages
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	a.emit(platform.Event{Kind: platform.EventAlbum, Chat: msgs[0].Chat, Messages: msgs})
}

func (a *albumAggregator) stop() {
	a.mu.Lock()
	a.closed = true
	groups := a.pending
	a.pending = make(map[string]*pendingAlbum)
	a.mu.Unlock()
	for _, g := range groups {
		g.timer.Stop()
	}
}
