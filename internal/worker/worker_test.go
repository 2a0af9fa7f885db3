package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/linkscout/linkscout/internal/jobs"
	"github.com/linkscout/linkscout/internal/queue"
	queuememory "github.com/linkscout/linkscout/internal/queue/memory"
	"github.com/linkscout/linkscout/internal/scorer"
	"github.com/linkscout/linkscout/internal/scout"
	storememory "github.com/linkscout/linkscout/internal/storage/memory"
)

type stubEmbedder struct {
	err error
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	vec := make([]float32, 4)
	for i, r := range text {
		vec[i%4] += float32(r) / 1000
	}
	return vec, nil
}

func (s *stubEmbedder) Close() error { return nil }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type failingStore struct {
	*storememory.Store
	failures int
}

func (f *failingStore) Upsert(ctx context.Context, link scout.ScoredLink) error {
	if f.failures > 0 {
		f.failures--
		return scout.Ef(scout.KindPersistFailed, "test.Upsert", "injected failure")
	}
	return f.Store.Upsert(ctx, link)
}

func newTracker() *jobs.Tracker {
	return jobs.NewTracker(realClock{}, time.Minute, zap.NewNop())
}

// newTrackedQueue wires the queue's dead-letter handler to the tracker the
// way the service entrypoint does.
func newTrackedQueue(t *testing.T, tracker *jobs.Tracker, maxRetries int, visibility time.Duration) *queuememory.Queue {
	t.Helper()
	q := queuememory.New(queuememory.Config{
		Depth:             16,
		VisibilityTimeout: visibility,
		MaxRetries:        maxRetries,
	})
	q.SetDeadLetterHandler(DeadLetterRecorder(tracker, zap.NewNop()))
	t.Cleanup(func() { require.NoError(t, q.Close()) })
	return q
}

func newJob(t *testing.T, tracker *jobs.Tracker, id string, expected int) {
	t.Helper()
	tracker.Create(scout.ScrapeJob{ID: id, SourceURL: "https://example.com", Keyword: "solar"})
	require.NoError(t, tracker.MarkEnqueued(id, expected))
}

func taskMessage(href string) queue.Message {
	return queue.FromCandidate(scout.LinkCandidate{
		JobID:       "job-1",
		SourceURL:   "https://example.com",
		HrefURL:     href,
		ContextText: "solar panel comparison guide",
		Keyword:     "solar",
	})
}

func receive(t *testing.T, q *queuememory.Queue) queue.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	return d
}

func TestScoreWorkerPublishesResultAndAcks(t *testing.T) {
	t.Parallel()

	tracker := newTracker()
	tasks := newTrackedQueue(t, tracker, 3, time.Minute)
	results := newTrackedQueue(t, tracker, 3, time.Minute)
	newJob(t, tracker, "job-1", 1)
	sc := scorer.New(scorer.DefaultConfig(), &stubEmbedder{}, zap.NewNop())
	w := NewScoreWorker(tasks, results, sc, zap.NewNop())

	require.NoError(t, tasks.Enqueue(context.Background(), taskMessage("https://example.com/a")))
	w.process(context.Background(), receive(t, tasks))

	require.Equal(t, 0, tasks.Depth())
	require.Equal(t, 1, results.Depth())

	out := receive(t, results).Message()
	require.NotNil(t, out.Scores)
	require.Equal(t, 1.0, out.Scores.ExactMatch)
	require.Greater(t, out.Scores.Relevance, 0.0)
	require.Less(t, out.Scores.Relevance, 1.0)
}

func TestScoreWorkerNacksRetryableFailure(t *testing.T) {
	t.Parallel()

	tracker := newTracker()
	tasks := newTrackedQueue(t, tracker, 3, time.Minute)
	results := newTrackedQueue(t, tracker, 3, time.Minute)
	newJob(t, tracker, "job-1", 1)
	sc := scorer.New(scorer.DefaultConfig(), &stubEmbedder{err: errors.New("embedding service down")}, zap.NewNop())
	w := NewScoreWorker(tasks, results, sc, zap.NewNop())

	require.NoError(t, tasks.Enqueue(context.Background(), taskMessage("https://example.com/a")))
	w.process(context.Background(), receive(t, tasks))

	// Nacked back onto the task queue with a bumped attempt counter.
	require.Equal(t, 1, tasks.Depth())
	require.Equal(t, 0, results.Depth())
	redelivered := receive(t, tasks).Message()
	require.Equal(t, 2, redelivered.Attempt)

	job, err := tracker.Status("job-1")
	require.NoError(t, err)
	require.Equal(t, scout.JobStatusPending, job.Status)
}

func TestScoreWorkerExhaustedRetriesDeadLetterAndFailUnit(t *testing.T) {
	t.Parallel()

	tracker := newTracker()
	tasks := newTrackedQueue(t, tracker, 2, time.Minute)
	results := newTrackedQueue(t, tracker, 2, time.Minute)
	newJob(t, tracker, "job-1", 1)
	sc := scorer.New(scorer.DefaultConfig(), &stubEmbedder{err: errors.New("embedding service down")}, zap.NewNop())
	w := NewScoreWorker(tasks, results, sc, zap.NewNop())

	require.NoError(t, tasks.Enqueue(context.Background(), taskMessage("https://example.com/a")))
	w.process(context.Background(), receive(t, tasks))
	w.process(context.Background(), receive(t, tasks))

	require.Len(t, tasks.DeadLetters(), 1)

	job, err := tracker.Status("job-1")
	require.NoError(t, err)
	require.Equal(t, scout.JobStatusFailed, job.Status)
	require.Equal(t, 1, job.FailedCount)
}

func TestScoreWorkerRejectsUnscorableCandidate(t *testing.T) {
	t.Parallel()

	tracker := newTracker()
	tasks := newTrackedQueue(t, tracker, 3, time.Minute)
	results := newTrackedQueue(t, tracker, 3, time.Minute)
	newJob(t, tracker, "job-1", 1)
	sc := scorer.New(scorer.DefaultConfig(), &stubEmbedder{}, zap.NewNop())
	w := NewScoreWorker(tasks, results, sc, zap.NewNop())

	msg := taskMessage("https://example.com/a")
	msg.ContextText = ""
	msg.Keyword = ""
	require.NoError(t, tasks.Enqueue(context.Background(), msg))
	w.process(context.Background(), receive(t, tasks))

	// Straight to the dead-letter channel with the retry budget untouched.
	require.Len(t, tasks.DeadLetters(), 1)
	require.Equal(t, 0, tasks.Depth())

	job, err := tracker.Status("job-1")
	require.NoError(t, err)
	require.Equal(t, 1, job.FailedCount)
}

// A consumer that stalls past the visibility window on the final attempt
// never settles its delivery; the queue dead-letters it internally. The
// dead-letter handler must still fail the unit or the job would stay
// pending forever.
func TestStalledFinalAttemptDeliveryFailsUnit(t *testing.T) {
	t.Parallel()

	tracker := newTracker()
	tasks := newTrackedQueue(t, tracker, 1, 20*time.Millisecond)
	newJob(t, tracker, "job-1", 1)

	require.NoError(t, tasks.Enqueue(context.Background(), taskMessage("https://example.com/a")))
	_ = receive(t, tasks) // stalled consumer: never acks, nacks, or rejects

	require.Eventually(t, func() bool {
		job, err := tracker.Status("job-1")
		return err == nil && job.Status == scout.JobStatusFailed
	}, time.Second, 5*time.Millisecond)

	job, err := tracker.Status("job-1")
	require.NoError(t, err)
	require.Equal(t, 1, job.FailedCount)
	require.Equal(t, 0, job.CompletedCount)
	require.Len(t, tasks.DeadLetters(), 1)
}

func TestPersistWorkerUpsertsAndCompletes(t *testing.T) {
	t.Parallel()

	tracker := newTracker()
	results := newTrackedQueue(t, tracker, 3, time.Minute)
	store := storememory.NewStore(realClock{})
	newJob(t, tracker, "job-1", 1)
	w := NewPersistWorker(results, store, tracker, zap.NewNop())

	msg := taskMessage("https://example.com/a")
	msg.Scores = &queue.ScoreSet{ExactMatch: 1, Semantic: 0.8, Context: 0.7, Relevance: 0.91}
	require.NoError(t, results.Enqueue(context.Background(), msg))
	w.process(context.Background(), receive(t, results))

	require.Equal(t, 1, store.Len())
	item, err := store.QueryByHref(context.Background(), "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, 0.91, item.RelevanceScore)

	job, err := tracker.Status("job-1")
	require.NoError(t, err)
	require.Equal(t, scout.JobStatusDone, job.Status)
}

func TestPersistWorkerRedeliveryCountsOnce(t *testing.T) {
	t.Parallel()

	tracker := newTracker()
	results := newTrackedQueue(t, tracker, 3, time.Minute)
	store := storememory.NewStore(realClock{})
	newJob(t, tracker, "job-1", 2)
	w := NewPersistWorker(results, store, tracker, zap.NewNop())

	msg := taskMessage("https://example.com/a")
	msg.Scores = &queue.ScoreSet{ExactMatch: 1, Relevance: 0.91}

	// Processing the same message twice simulates redelivery after a
	// visibility timeout: the row stays single and the completion counter
	// moves once.
	require.NoError(t, results.Enqueue(context.Background(), msg))
	w.process(context.Background(), receive(t, results))
	require.NoError(t, results.Enqueue(context.Background(), msg))
	w.process(context.Background(), receive(t, results))

	require.Equal(t, 1, store.Len())
	job, err := tracker.Status("job-1")
	require.NoError(t, err)
	require.Equal(t, 1, job.CompletedCount)
	require.Equal(t, scout.JobStatusPending, job.Status)
}

func TestPersistWorkerNacksOnStoreFailure(t *testing.T) {
	t.Parallel()

	tracker := newTracker()
	results := newTrackedQueue(t, tracker, 3, time.Minute)
	store := &failingStore{Store: storememory.NewStore(realClock{}), failures: 1}
	newJob(t, tracker, "job-1", 1)
	w := NewPersistWorker(results, store, tracker, zap.NewNop())

	msg := taskMessage("https://example.com/a")
	msg.Scores = &queue.ScoreSet{ExactMatch: 1, Relevance: 0.91}
	require.NoError(t, results.Enqueue(context.Background(), msg))

	// First attempt fails and nacks; the redelivery succeeds.
	w.process(context.Background(), receive(t, results))
	require.Equal(t, 0, store.Len())
	w.process(context.Background(), receive(t, results))
	require.Equal(t, 1, store.Len())

	job, err := tracker.Status("job-1")
	require.NoError(t, err)
	require.Equal(t, scout.JobStatusDone, job.Status)
}

func TestPersistWorkerRejectsResultWithoutScores(t *testing.T) {
	t.Parallel()

	tracker := newTracker()
	results := newTrackedQueue(t, tracker, 3, time.Minute)
	store := storememory.NewStore(realClock{})
	newJob(t, tracker, "job-1", 1)
	w := NewPersistWorker(results, store, tracker, zap.NewNop())

	require.NoError(t, results.Enqueue(context.Background(), taskMessage("https://example.com/a")))
	w.process(context.Background(), receive(t, results))

	require.Equal(t, 0, store.Len())
	require.Len(t, results.DeadLetters(), 1)
	job, err := tracker.Status("job-1")
	require.NoError(t, err)
	require.Equal(t, 1, job.FailedCount)
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	t.Parallel()

	tracker := newTracker()
	tasks := newTrackedQueue(t, tracker, 3, time.Minute)
	results := newTrackedQueue(t, tracker, 3, time.Minute)
	sc := scorer.New(scorer.DefaultConfig(), &stubEmbedder{}, zap.NewNop())

	dispatch := NewDispatcher(
		Pool(NewScoreWorker(tasks, results, sc, zap.NewNop()), 2)...,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}
