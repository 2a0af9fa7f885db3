package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/linkscout/linkscout/internal/jobs"
	"github.com/linkscout/linkscout/internal/metrics"
	"github.com/linkscout/linkscout/internal/queue"
	"github.com/linkscout/linkscout/internal/scout"
)

// PersistWorker consumes scored results and upserts them into the store.
// Upserting on the natural key makes redeliveries harmless, and the tracker
// dedupes completion counting by idempotency key. Failed-unit accounting
// for dead letters happens in the queue's dead-letter handler.
type PersistWorker struct {
	results queue.Queue
	store   scout.Persister
	tracker *jobs.Tracker
	logger  *zap.Logger
}

// NewPersistWorker constructs a PersistWorker.
func NewPersistWorker(
	results queue.Queue,
	store scout.Persister,
	tracker *jobs.Tracker,
	logger *zap.Logger,
) *PersistWorker {
	return &PersistWorker{
		results: results,
		store:   store,
		tracker: tracker,
		logger:  logger,
	}
}

// Run consumes the result queue until the context ends.
func (w *PersistWorker) Run(ctx context.Context) {
	for {
		delivery, err := w.results.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.logger.Error("receive result", zap.Error(err))
			continue
		}
		w.process(ctx, delivery)
	}
}

func (w *PersistWorker) process(ctx context.Context, delivery queue.Delivery) {
	msg := delivery.Message()
	link, ok := msg.ScoredLink()
	if !ok {
		// A result without scores cannot be persisted, no matter how many
		// times it is redelivered.
		w.logger.Warn("result message missing scores",
			zap.String("job_id", msg.JobID),
			zap.String("href", msg.HrefURL),
		)
		if err := delivery.Reject(ctx); err != nil {
			w.logger.Error("reject result", zap.Error(err))
		}
		return
	}

	if err := w.store.Upsert(ctx, link); err != nil {
		deadLettered, nackErr := delivery.Nack(ctx)
		if nackErr != nil {
			w.logger.Error("nack result", zap.Error(nackErr))
			return
		}
		if deadLettered {
			w.logger.Warn("persist retries exhausted",
				zap.String("job_id", msg.JobID),
				zap.String("href", msg.HrefURL),
				zap.Int("attempts", msg.Attempt),
				zap.Error(err),
			)
			return
		}
		w.logger.Debug("persist nacked for retry",
			zap.String("href", msg.HrefURL),
			zap.Int("attempt", msg.Attempt),
			zap.Error(err),
		)
		return
	}

	counted, err := w.tracker.MarkCompleted(msg.JobID, msg.IdempotencyKey)
	if err != nil && !scout.IsKind(err, scout.KindNotFound) {
		// The row is persisted either way; an evicted job only loses its
		// progress counter.
		w.logger.Error("mark completed unit",
			zap.String("job_id", msg.JobID),
			zap.Error(err),
		)
	}
	if err := delivery.Ack(ctx); err != nil {
		w.logger.Error("ack result", zap.Error(err))
		return
	}
	if counted {
		metrics.ItemsPersisted.Inc()
	}
}
