// Package jobs tracks per-job expected/completed counts so callers can ask
// "is this job done" and wait for completion. The tracker is the only
// in-process mutable shared state in the pipeline; counter access is
// serialized per job, never behind a global lock.
package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linkscout/linkscout/internal/scout"
)

// Tracker is a process-wide map from job ID to ScrapeJob. Terminal jobs
// are evicted after the retention window.
type Tracker struct {
	mu        sync.RWMutex
	jobs      map[string]*entry
	clock     scout.Clock
	retention time.Duration
	logger    *zap.Logger
}

type entry struct {
	mu         sync.Mutex
	job        scout.ScrapeJob
	seen       map[string]struct{}
	done       chan struct{}
	finishedAt time.Time
}

// NewTracker constructs a Tracker.
func NewTracker(clock scout.Clock, retention time.Duration, logger *zap.Logger) *Tracker {
	if retention <= 0 {
		retention = 15 * time.Minute
	}
	return &Tracker{
		jobs:      make(map[string]*entry),
		clock:     clock,
		retention: retention,
		logger:    logger,
	}
}

// Create registers a new pending job.
func (t *Tracker) Create(job scout.ScrapeJob) {
	job.Status = scout.JobStatusPending
	job.CreatedAt = t.clock.Now()
	e := &entry{
		job:  job,
		seen: make(map[string]struct{}),
		done: make(chan struct{}),
	}
	t.mu.Lock()
	t.jobs[job.ID] = e
	t.mu.Unlock()
}

// MarkEnqueued records the expected candidate count for a job. A job with
// zero candidates completes immediately with an empty result set.
func (t *Tracker) MarkEnqueued(jobID string, n int) error {
	e, err := t.lookup(jobID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.job.ExpectedCount = n
	t.maybeFinishLocked(e)
	return nil
}

// MarkCompleted records one successfully persisted candidate. The key is
// the candidate's idempotency key; duplicate deliveries of the same key
// are counted once, so completion reflects distinct candidates rather than
// delivery attempts. Returns false for a duplicate.
func (t *Tracker) MarkCompleted(jobID, key string) (bool, error) {
	return t.record(jobID, key, false)
}

// MarkFailed records one dead-lettered candidate as a completed-with-error
// unit, so a poison message never blocks job completion.
func (t *Tracker) MarkFailed(jobID, key string) (bool, error) {
	return t.record(jobID, key, true)
}

func (t *Tracker) record(jobID, key string, failed bool) (bool, error) {
	e, err := t.lookup(jobID)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.seen[key]; dup {
		return false, nil
	}
	e.seen[key] = struct{}{}
	if failed {
		e.job.FailedCount++
	} else {
		e.job.CompletedCount++
	}
	t.maybeFinishLocked(e)
	return true, nil
}

// maybeFinishLocked transitions a job to its terminal state once every
// expected candidate is accounted for. Terminal states never regress.
func (t *Tracker) maybeFinishLocked(e *entry) {
	if e.job.Status != scout.JobStatusPending {
		return
	}
	if e.job.CompletedCount+e.job.FailedCount < e.job.ExpectedCount {
		return
	}
	if e.job.ExpectedCount > 0 && e.job.CompletedCount == 0 {
		e.job.Status = scout.JobStatusFailed
	} else {
		e.job.Status = scout.JobStatusDone
	}
	e.finishedAt = t.clock.Now()
	close(e.done)
	t.logger.Info("job finished",
		zap.String("job_id", e.job.ID),
		zap.String("status", string(e.job.Status)),
		zap.Int("completed", e.job.CompletedCount),
		zap.Int("failed", e.job.FailedCount),
	)
}

// Status returns a snapshot of the job's state.
func (t *Tracker) Status(jobID string) (scout.ScrapeJob, error) {
	e, err := t.lookup(jobID)
	if err != nil {
		return scout.ScrapeJob{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job, nil
}

// Wait returns a channel closed when the job reaches a terminal state.
func (t *Tracker) Wait(jobID string) (<-chan struct{}, error) {
	e, err := t.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return e.done, nil
}

func (t *Tracker) lookup(jobID string) (*entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.jobs[jobID]
	if !ok {
		return nil, scout.Ef(scout.KindNotFound, "jobs.lookup", "job %s not found", jobID)
	}
	return e, nil
}

// StartJanitor evicts terminal jobs past the retention window until the
// context ends.
func (t *Tracker) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.evict(t.clock.Now())
			}
		}
	}()
}

func (t *Tracker) evict(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.jobs {
		e.mu.Lock()
		expired := e.job.Status != scout.JobStatusPending && now.Sub(e.finishedAt) > t.retention
		e.mu.Unlock()
		if expired {
			delete(t.jobs, id)
		}
	}
}
