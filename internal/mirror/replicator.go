package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mirrorbot/internal/platform"
)

// DefaultBatchPause is the proactive wait between history batches. It
// keeps bulk copies under the platform's burst limits instead of
// bouncing off them.
const DefaultBatchPause = 500 * time.Millisecond

// HistorySource provides the message history to replicate. Ids come
// back in ascending order, oldest first.
type HistorySource interface {
	LatestMessageID(ctx context.Context, chat platform.ChatID) (platform.MessageID, error)
	HistoryPage(ctx context.Context, chat platform.ChatID, afterID, uptoID platform.MessageID, limit int) ([]platform.MessageID, error)
}

// ReplicateHooks are the caller's observation points during a bulk copy.
// All fields are optional.
type ReplicateHooks struct {
	// Skip drops an id before it is forwarded, e.g. because a live
	// reaction already mirrored it.
	Skip func(platform.MessageID) bool
	// OnProgress receives the running total after every batch.
	OnProgress func(copied int)
	// OnBatch receives the id pairs of every successful batch. A non-nil
	// return aborts the copy.
	OnBatch func(pairs []Forwarded) error
}

// Replicator copies a chat's history into another chat in order.
type Replicator struct {
	source     HistorySource
	dispatcher *Dispatcher
	batchSize  int
	pause      time.Duration
	log        zerolog.Logger
}

func NewReplicator(source HistorySource, dispatcher *Dispatcher, batchSize int, pause time.Duration, log zerolog.Logger) *Replicator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	if pause < 0 {
		pause = DefaultBatchPause
	}
	return &Replicator{
		source:     source,
		dispatcher: dispatcher,
		batchSize:  batchSize,
		pause:      pause,
		log:        log.With().Str("component", "replicator").Logger(),
	}
}

// ReplicateAll copies every known source message newer than sinceID into
// target, oldest first. Only messages that existed when the copy started
// are in scope; anything newer belongs to the live reactions, which
// keeps a message from ever being forwarded twice. Returns the number
// of messages copied, 0 when there is nothing to do.
func (r *Replicator) ReplicateAll(ctx context.Context, source, target platform.ChatID, sinceID platform.MessageID, hooks ReplicateHooks) (int, error) {
	upto, err := r.source.LatestMessageID(ctx, source)
	if err != nil {
		return 0, fmt.Errorf("resolve history bound: %w", err)
	}
	if upto <= sinceID {
		return 0, nil
	}

	r.log.Info().
		Int64("source", int64(source)).
		Int64("target", int64(target)).
		Int("since_id", int(sinceID)).
		Int("upto_id", int(upto)).
		Msg("bulk copy started")

	copied := 0
	cursor := sinceID
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		ids, err := r.source.HistoryPage(ctx, source, cursor, upto, r.batchSize)
		if err != nil {
			return copied, fmt.Errorf("load history page: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		lastRequested := ids[len(ids)-1]
		partialPage := len(ids) < r.batchSize

		if hooks.Skip != nil {
			kept := ids[:0]
			for _, id := range ids {
				if !hooks.Skip(id) {
					kept = append(kept, id)
				}
			}
			ids = kept
		}

		if len(ids) > 0 {
			pairs, ferr := r.dispatcher.ForwardBatch(ctx, target, source, ids)
			if len(pairs) > 0 {
				copied += len(pairs)
				if hooks.OnBatch != nil {
					if berr := hooks.OnBatch(pairs); berr != nil {
						return copied, berr
					}
				}
			}
			if ferr != nil {
				// A vanished message is skippable; everything else ends the run.
				if !errors.Is(ferr, platform.ErrMessageNotFound) {
					return copied, ferr
				}
				r.log.Warn().Err(ferr).Msg("skipping missing message")
			}
			if hooks.OnProgress != nil {
				hooks.OnProgress(copied)
			}
		}

		cursor = lastRequested
		if partialPage {
			break
		}
		select {
		case <-time.After(r.pause):
		case <-ctx.Done():
			return copied, ctx.Err()
		}
	}

	r.log.Info().Int("copied", copied).Msg("bulk copy finished")
	return copied, nil
}
