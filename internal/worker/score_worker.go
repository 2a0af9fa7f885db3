// Package worker contains the queue consumers that drive the scoring and
// persistence stages of the pipeline.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/linkscout/linkscout/internal/metrics"
	"github.com/linkscout/linkscout/internal/queue"
	"github.com/linkscout/linkscout/internal/scorer"
	"github.com/linkscout/linkscout/internal/scout"
)

// ScoreWorker consumes task messages, scores each candidate, and publishes
// the scored result to the result queue. A message is acked only after its
// result has been enqueued, so a crash between the two at worst causes a
// redelivery, never a lost candidate. Failed-unit accounting happens in
// the queue's dead-letter handler, not here.
type ScoreWorker struct {
	tasks   queue.Queue
	results queue.Queue
	scorer  *scorer.Scorer
	logger  *zap.Logger
}

// NewScoreWorker constructs a ScoreWorker.
func NewScoreWorker(
	tasks queue.Queue,
	results queue.Queue,
	sc *scorer.Scorer,
	logger *zap.Logger,
) *ScoreWorker {
	return &ScoreWorker{
		tasks:   tasks,
		results: results,
		scorer:  sc,
		logger:  logger,
	}
}

// Run consumes the task queue until the context ends.
func (w *ScoreWorker) Run(ctx context.Context) {
	for {
		delivery, err := w.tasks.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.logger.Error("receive task", zap.Error(err))
			continue
		}
		w.process(ctx, delivery)
	}
}

func (w *ScoreWorker) process(ctx context.Context, delivery queue.Delivery) {
	msg := delivery.Message()
	scored, err := w.scorer.Score(ctx, msg.Candidate())
	switch {
	case scout.IsKind(err, scout.KindScoreFatal):
		// Structurally invalid input; retrying cannot help.
		w.logger.Warn("unscorable candidate dead-lettered",
			zap.String("job_id", msg.JobID),
			zap.String("href", msg.HrefURL),
			zap.Error(err),
		)
		if rejErr := delivery.Reject(ctx); rejErr != nil {
			w.logger.Error("reject task", zap.Error(rejErr))
		}
		return
	case err != nil:
		deadLettered, nackErr := delivery.Nack(ctx)
		if nackErr != nil {
			w.logger.Error("nack task", zap.Error(nackErr))
			return
		}
		if deadLettered {
			w.logger.Warn("scoring retries exhausted",
				zap.String("job_id", msg.JobID),
				zap.String("href", msg.HrefURL),
				zap.Int("attempts", msg.Attempt),
				zap.Error(err),
			)
			return
		}
		metrics.ScoreRetries.Inc()
		w.logger.Debug("scoring nacked for retry",
			zap.String("href", msg.HrefURL),
			zap.Int("attempt", msg.Attempt),
			zap.Error(err),
		)
		return
	}

	result := msg
	result.Attempt = 1
	result.Scores = &queue.ScoreSet{
		ExactMatch: scored.ExactMatchScore,
		Semantic:   scored.SemanticScore,
		Context:    scored.ContextScore,
		Relevance:  scored.RelevanceScore,
	}
	if err := w.results.Enqueue(ctx, result); err != nil {
		if scout.IsKind(err, scout.KindQueueFull) {
			metrics.QueueFullRejections.Inc()
		}
		// The result never made it downstream; leave the task unacked so
		// the visibility timeout redelivers it.
		if deadLettered, nackErr := delivery.Nack(ctx); nackErr != nil {
			w.logger.Error("nack task after result enqueue failure", zap.Error(nackErr))
		} else if deadLettered {
			w.logger.Warn("result enqueue retries exhausted",
				zap.String("href", msg.HrefURL),
				zap.Error(err),
			)
		}
		return
	}

	if err := delivery.Ack(ctx); err != nil {
		w.logger.Error("ack task", zap.Error(err))
		return
	}
	metrics.MessagesScored.Inc()
}
