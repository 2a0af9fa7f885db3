package worker

import (
	"go.uber.org/zap"

	"github.com/linkscout/linkscout/internal/jobs"
	"github.com/linkscout/linkscout/internal/metrics"
	"github.com/linkscout/linkscout/internal/queue"
	"github.com/linkscout/linkscout/internal/scout"
)

// DeadLetterRecorder returns the queue dead-letter handler that reports
// every dead-lettered message to the tracker as a failed unit. Registered
// on both queues, it is the single accounting path for dead letters: it
// covers worker-initiated rejects and exhausted nacks as well as the
// queue's internal expiry path, where an unsettled final-attempt delivery
// dead-letters without any worker seeing it. The tracker dedupes by
// idempotency key, so completion tracking is never blocked by a poison
// message and never double-counted.
func DeadLetterRecorder(tracker *jobs.Tracker, logger *zap.Logger) func(queue.Message) {
	return func(msg queue.Message) {
		metrics.DeadLetters.Inc()
		logger.Warn("message dead-lettered",
			zap.String("job_id", msg.JobID),
			zap.String("href", msg.HrefURL),
			zap.Int("attempts", msg.Attempt),
		)
		if _, err := tracker.MarkFailed(msg.JobID, msg.IdempotencyKey); err != nil && !scout.IsKind(err, scout.KindNotFound) {
			logger.Error("record dead-lettered unit",
				zap.String("job_id", msg.JobID),
				zap.Error(err),
			)
		}
	}
}
