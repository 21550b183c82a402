package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mirrorbot/internal/platform"
)

const (
	DefaultBatchSize = 50
	MaxBatchSize     = 100
)

// ErrBatchTooLarge is returned when a single call carries more ids than
// the platform accepts.
var ErrBatchTooLarge = fmt.Errorf("batch exceeds %d messages", MaxBatchSize)

// Forwarder is the slice of the platform client the dispatcher needs.
type Forwarder interface {
	ForwardMessages(ctx context.Context, target platform.ChatID, ids []platform.MessageID, source platform.ChatID, dropAuthor bool) ([]platform.MessageID, error)
}

// Forwarded pairs a source message with its copy in the target chat.
type Forwarded struct {
	Source platform.MessageID
	Target platform.MessageID
}

// Dispatcher forwards message batches by reference. Rate-limit pauses
// are honored transparently; a batch that fails for any other reason is
// degraded to per-message forwards so one broken message cannot sink
// its whole batch.
type Dispatcher struct {
	client     Forwarder
	dropAuthor bool
	log        zerolog.Logger
}

func NewDispatcher(client Forwarder, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		client:     client,
		dropAuthor: true,
		log:        log.With().Str("component", "dispatcher").Logger(),
	}
}

// ForwardBatch forwards ids from source to target and returns the
// source/target id pairs that made it across. A nil error with fewer
// pairs than ids means some messages were skipped after degradation.
func (d *Dispatcher) ForwardBatch(ctx context.Context, target, source platform.ChatID, ids []platform.MessageID) ([]Forwarded, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}

	targets, err := retryRateLimited(ctx, d.log, func() ([]platform.MessageID, error) {
		return d.client.ForwardMessages(ctx, target, ids, source, d.dropAuthor)
	})
	if err == nil {
		return zipForwarded(ids, targets), nil
	}
	if errors.Is(err, platform.ErrWriteForbidden) || len(ids) == 1 {
		return nil, err
	}

	d.log.Warn().Err(err).Int("count", len(ids)).Msg("batch forward failed, retrying messages individually")
	return d.forwardEach(ctx, target, source, ids)
}

// ForwardAlbum forwards a media group through the same batch path so
// the grouping survives on the target side.
func (d *Dispatcher) ForwardAlbum(ctx context.Context, target, source platform.ChatID, ids []platform.MessageID) ([]Forwarded, error) {
	if len(ids) > 0 {
		d.log.Debug().Int("count", len(ids)).Msg("forwarding album")
	}
	return d.ForwardBatch(ctx, target, source, ids)
}

func (d *Dispatcher) forwardEach(ctx context.Context, target, source platform.ChatID, ids []platform.MessageID) ([]Forwarded, error) {
	out := make([]Forwarded, 0, len(ids))
	skipped := 0
	for _, id := range ids {
		single := []platform.MessageID{id}
		targets, err := retryRateLimited(ctx, d.log, func() ([]platform.MessageID, error) {
			return d.client.ForwardMessages(ctx, target, single, source, d.dropAuthor)
		})
		if err != nil {
			if errors.Is(err, platform.ErrWriteForbidden) {
				return out, err
			}
			skipped++
			d.log.Warn().Err(err).Int("message_id", int(id)).Msg("skipping message")
			continue
		}
		out = append(out, zipForwarded(single, targets)...)
	}
	if skipped > 0 {
		d.log.Info().Int("skipped", skipped).Int("forwarded", len(out)).Msg("batch degraded to per-message forwards")
	}
	return out, nil
}

func zipForwarded(sources, targets []platform.MessageID) []Forwarded {
	n := min(len(sources), len(targets))
	out := make([]Forwarded, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Forwarded{Source: sources[i], Target: targets[i]})
	}
	return out
}
