package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mirrorbot/internal/platform"
)

type State int

const (
	StateIdle State = iota
	StateConfigured
	StateMirroring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigured:
		return "configured"
	case StateMirroring:
		return "mirroring"
	default:
		return "unknown"
	}
}

var (
	ErrNotConfigured  = errors.New("mirror pair not configured")
	ErrAlreadyRunning = errors.New("mirroring already running")
	ErrNotRunning     = errors.New("mirroring not running")
	ErrStopped        = errors.New("mirroring stopped during history copy")
)

// Messenger is the slice of the platform client the session needs
// beyond forwarding.
type Messenger interface {
	Forwarder
	DeleteMessages(ctx context.Context, chat platform.ChatID, ids []platform.MessageID) error
	EditMessageText(ctx context.Context, chat platform.ChatID, id platform.MessageID, text string) error
	EditMessageCaption(ctx context.Context, chat platform.ChatID, id platform.MessageID, caption string) error
}

// MappingStore persists id pairs and the replication checkpoint so
// edit/delete sync survives restarts. Optional; a nil store keeps
// everything in memory.
type MappingStore interface {
	SaveMappings(ctx context.Context, source, target platform.ChatID, pairs []Forwarded) error
	DeleteMappings(ctx context.Context, source platform.ChatID, ids []platform.MessageID) error
	LoadMappings(ctx context.Context, source platform.ChatID, limit int) ([]Forwarded, error)
	SaveCheckpoint(ctx context.Context, source platform.ChatID, lastSynced platform.MessageID) error
	LoadCheckpoint(ctx context.Context, source platform.ChatID) (platform.MessageID, error)
}

// Session is the mirror state machine: Idle until a pair is configured,
// Mirroring once started. Event reactions are installed permanently and
// gate themselves on the active flag plus the conversation identity, so
// start/stop never races handler (de)registration.
type Session struct {
	client     Messenger
	dispatcher *Dispatcher
	replicator *Replicator
	store      MappingStore
	ids        *IdentityMap
	log        zerolog.Logger

	mu     sync.Mutex
	source platform.ChatID
	target platform.ChatID
	active bool
	copied int
	// inflight holds source ids claimed by a forward that has not yet
	// recorded its mapping. A claim is what keeps the live path and the
	// bulk copy from forwarding the same message twice.
	inflight map[platform.MessageID]struct{}
}

type SessionOptions struct {
	Client      Messenger
	Dispatcher  *Dispatcher
	Replicator  *Replicator
	Store       MappingStore
	MapCapacity int
	MapLowWater int
	Log         zerolog.Logger
}

func NewSession(opts SessionOptions) *Session {
	return &Session{
		client:     opts.Client,
		dispatcher: opts.Dispatcher,
		replicator: opts.Replicator,
		store:      opts.Store,
		ids:        NewIdentityMap(opts.MapCapacity, opts.MapLowWater),
		inflight:   make(map[platform.MessageID]struct{}),
		log:        opts.Log.With().Str("component", "session").Logger(),
	}
}

// Configure sets the source/target pair. Allowed at any time, including
// while mirroring is active: the new pair applies to events arriving
// after the call, in-flight work is not redirected. Mappings belong to
// the old pair and are dropped.
func (s *Session) Configure(source, target platform.ChatID) error {
	if source == 0 || target == 0 {
		return fmt.Errorf("source and target chat ids are required")
	}
	if source == target {
		return fmt.Errorf("source and target must differ")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = source
	s.target = target
	s.copied = 0
	s.ids.Clear()
	s.log.Info().Int64("source", int64(source)).Int64("target", int64(target)).Msg("mirror pair configured")
	return nil
}

// Start turns live mirroring on and then copies the existing history.
// The active flag goes up before the bulk copy so messages arriving
// mid-copy are mirrored instead of lost; both paths claim ids before
// forwarding, which keeps them from forwarding the same message twice.
// A Stop issued mid-copy aborts the copy after the in-flight batch and
// Start returns ErrStopped. Returns the number of historical messages
// copied.
func (s *Session) Start(ctx context.Context, onProgress func(int)) (int, error) {
	s.mu.Lock()
	if s.source == 0 || s.target == 0 {
		s.mu.Unlock()
		return 0, ErrNotConfigured
	}
	if s.active {
		s.mu.Unlock()
		return 0, ErrAlreadyRunning
	}
	s.active = true
	source, target := s.source, s.target
	s.mu.Unlock()

	sinceID := s.warmStart(ctx, source)

	claimed := make(map[platform.MessageID]struct{})
	copied, err := s.replicator.ReplicateAll(ctx, source, target, sinceID, ReplicateHooks{
		Skip: func(id platform.MessageID) bool {
			if len(s.tryReserve([]platform.MessageID{id})) == 0 {
				return true
			}
			claimed[id] = struct{}{}
			return false
		},
		OnProgress: onProgress,
		OnBatch: func(pairs []Forwarded) error {
			if err := s.recordBatch(ctx, source, target, pairs); err != nil {
				return err
			}
			done := make([]platform.MessageID, 0, len(pairs))
			for _, p := range pairs {
				done = append(done, p.Source)
				delete(claimed, p.Source)
			}
			s.release(done)
			if !s.Active() {
				return ErrStopped
			}
			return nil
		},
	})

	// Claims that never made it into a recorded batch: skipped by
	// degradation, or stranded by an aborted copy.
	leftover := make([]platform.MessageID, 0, len(claimed))
	for id := range claimed {
		leftover = append(leftover, id)
	}
	s.release(leftover)

	s.mu.Lock()
	s.copied += copied
	if err != nil {
		s.active = false
	}
	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrStopped) {
			s.ids.Clear()
			s.log.Info().Int("copied", copied).Msg("bulk copy stopped")
			return copied, ErrStopped
		}
		return copied, fmt.Errorf("bulk replication: %w", err)
	}
	s.log.Info().Int("copied", copied).Msg("mirroring active")
	return copied, nil
}

// Stop turns live mirroring off. In-flight operations complete but no
// new reaction begins after this returns. The in-memory cache is
// dropped; the persistent store keeps its mappings.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNotRunning
	}
	s.active = false
	s.ids.Clear()
	s.log.Info().Msg("mirroring stopped")
	return nil
}

func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

type Status struct {
	State  State
	Source platform.ChatID
	Target platform.ChatID
	Copied int
	Map    MapStats
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := StateIdle
	switch {
	case s.active:
		state = StateMirroring
	case s.source != 0 && s.target != 0:
		state = StateConfigured
	}
	return Status{
		State:  state,
		Source: s.source,
		Target: s.target,
		Copied: s.copied,
		Map:    s.ids.Stats(),
	}
}

// HandleEvent reacts to one platform event. Every reaction first checks
// the active flag and that the event belongs to the mirrored source
// chat; everything else is dropped silently.
func (s *Session) HandleEvent(ctx context.Context, ev platform.Event) {
	s.mu.Lock()
	active, source, target := s.active, s.source, s.target
	s.mu.Unlock()
	if !active || ev.Chat != source {
		return
	}

	switch ev.Kind {
	case platform.EventNewMessage:
		s.onNewMessage(ctx, source, target, ev)
	case platform.EventAlbum:
		s.onAlbum(ctx, source, target, ev)
	case platform.EventDeleted:
		s.onDeleted(ctx, source, target, ev)
	case platform.EventEdited:
		s.onEdited(ctx, target, ev)
	}
}

func (s *Session) onNewMessage(ctx context.Context, source, target platform.ChatID, ev platform.Event) {
	if len(ev.Messages) == 0 {
		return
	}
	msg := ev.Messages[0]
	claimed := s.tryReserve([]platform.MessageID{msg.ID})
	if len(claimed) == 0 {
		return
	}
	defer s.release(claimed)
	pairs, err := s.dispatcher.ForwardBatch(ctx, target, source, claimed)
	if err != nil {
		s.log.Error().Err(err).Int("message_id", int(msg.ID)).Msg("forwarding new message failed")
		return
	}
	if err := s.recordBatch(ctx, source, target, pairs); err != nil {
		s.log.Error().Err(err).Msg("recording mapping failed")
	}
}

func (s *Session) onAlbum(ctx context.Context, source, target platform.ChatID, ev platform.Event) {
	if len(ev.Messages) == 0 {
		return
	}
	ids := make([]platform.MessageID, 0, len(ev.Messages))
	for _, msg := range ev.Messages {
		ids = append(ids, msg.ID)
	}
	claimed := s.tryReserve(ids)
	if len(claimed) == 0 {
		return
	}
	defer s.release(claimed)
	pairs, err := s.dispatcher.ForwardAlbum(ctx, target, source, claimed)
	if err != nil {
		s.log.Error().Err(err).Int("count", len(claimed)).Msg("forwarding album failed")
		return
	}
	if err := s.recordBatch(ctx, source, target, pairs); err != nil {
		s.log.Error().Err(err).Msg("recording album mappings failed")
	}
}

func (s *Session) onDeleted(ctx context.Context, source, target platform.ChatID, ev platform.Event) {
	var mappedSources, mappedTargets []platform.MessageID
	for _, id := range ev.DeletedIDs {
		if t, ok := s.ids.Get(id); ok {
			mappedSources = append(mappedSources, id)
			mappedTargets = append(mappedTargets, t)
		}
	}
	if len(mappedTargets) == 0 {
		return
	}
	_, err := retryRateLimited(ctx, s.log, func() (struct{}, error) {
		return struct{}{}, s.client.DeleteMessages(ctx, target, mappedTargets)
	})
	if err != nil {
		s.log.Error().Err(err).Int("count", len(mappedTargets)).Msg("replaying deletes failed")
		return
	}
	// Mappings go only after the platform confirmed the deletes.
	for _, id := range mappedSources {
		s.ids.Remove(id)
	}
	if s.store != nil {
		if err := s.store.DeleteMappings(ctx, source, mappedSources); err != nil {
			s.log.Warn().Err(err).Msg("pruning persisted mappings failed")
		}
	}
	s.log.Info().Int("count", len(mappedTargets)).Msg("replayed deletes")
}

func (s *Session) onEdited(ctx context.Context, target platform.ChatID, ev platform.Event) {
	if len(ev.Messages) == 0 {
		return
	}
	msg := ev.Messages[0]
	targetID, ok := s.ids.Get(msg.ID)
	if !ok {
		s.log.Debug().Int("message_id", int(msg.ID)).Msg("edit for unmapped message, skipping")
		return
	}
	if msg.Text == "" {
		s.log.Debug().Int("message_id", int(msg.ID)).Msg("edit carries no text, skipping")
		return
	}
	// Media messages have captions, not text; editing text on them is
	// rejected by the platform.
	_, err := retryRateLimited(ctx, s.log, func() (struct{}, error) {
		if msg.HasMedia {
			return struct{}{}, s.client.EditMessageCaption(ctx, target, targetID, msg.Text)
		}
		return struct{}{}, s.client.EditMessageText(ctx, target, targetID, msg.Text)
	})
	if err != nil {
		s.log.Error().Err(err).Int("message_id", int(msg.ID)).Msg("replaying edit failed")
	}
}

// tryReserve claims the ids that are neither mapped nor already being
// forwarded and returns them. Claims must be released once the mapping
// is recorded or the forward has failed.
func (s *Session) tryReserve(ids []platform.MessageID) []platform.MessageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []platform.MessageID
	for _, id := range ids {
		if _, busy := s.inflight[id]; busy || s.ids.Has(id) {
			continue
		}
		s.inflight[id] = struct{}{}
		claimed = append(claimed, id)
	}
	return claimed
}

func (s *Session) release(ids []platform.MessageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.inflight, id)
	}
}

// warmStart loads persisted mappings into the identity map and returns
// the replication resume cursor.
func (s *Session) warmStart(ctx context.Context, source platform.ChatID) platform.MessageID {
	if s.store == nil {
		return 0
	}
	pairs, err := s.store.LoadMappings(ctx, source, s.ids.Capacity())
	if err != nil {
		s.log.Warn().Err(err).Msg("loading persisted mappings failed")
	} else {
		for _, p := range pairs {
			s.ids.Put(p.Source, p.Target)
		}
		if len(pairs) > 0 {
			s.log.Info().Int("count", len(pairs)).Msg("restored persisted mappings")
		}
	}
	since, err := s.store.LoadCheckpoint(ctx, source)
	if err != nil {
		s.log.Warn().Err(err).Msg("loading checkpoint failed, copying from the beginning")
		return 0
	}
	return since
}

func (s *Session) recordBatch(ctx context.Context, source, target platform.ChatID, pairs []Forwarded) error {
	if len(pairs) == 0 {
		return nil
	}
	for _, p := range pairs {
		s.ids.Put(p.Source, p.Target)
	}
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveMappings(ctx, source, target, pairs); err != nil {
		return fmt.Errorf("persist mappings: %w", err)
	}
	if err := s.store.SaveCheckpoint(ctx, source, pairs[len(pairs)-1].Source); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	return nil
}
