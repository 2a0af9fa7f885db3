package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linkscout/linkscout/internal/queue"
	"github.com/linkscout/linkscout/internal/scout"
)

func testMessage(href string) queue.Message {
	return queue.Message{
		JobID:          "job-1",
		IdempotencyKey: "job-1|" + href,
		SourceURL:      "https://example.com",
		HrefURL:        href,
		Keyword:        "solar",
		Attempt:        1,
	}
}

func TestEnqueueReceiveAck(t *testing.T) {
	t.Parallel()

	q := New(Config{Depth: 4, VisibilityTimeout: time.Second, MaxRetries: 3})
	defer func() { require.NoError(t, q.Close()) }()

	msg := testMessage("https://example.com/a")
	require.NoError(t, q.Enqueue(context.Background(), msg))

	d, err := q.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, msg, d.Message())
	require.NoError(t, d.Ack(context.Background()))

	// An acked message is settled for good.
	require.Equal(t, 0, q.Depth())
	require.Empty(t, q.DeadLetters())
}

func TestUnackedMessageIsRedelivered(t *testing.T) {
	t.Parallel()

	q := New(Config{Depth: 4, VisibilityTimeout: 20 * time.Millisecond, MaxRetries: 3})
	defer func() { require.NoError(t, q.Close()) }()

	require.NoError(t, q.Enqueue(context.Background(), testMessage("https://example.com/a")))

	first, err := q.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.Message().Attempt)
	// Never settled; the visibility timeout should hand it back.

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	second, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, second.Message().Attempt)
	require.Equal(t, first.Message().IdempotencyKey, second.Message().IdempotencyKey)
	require.NoError(t, second.Ack(context.Background()))
}

func TestNackExhaustionDeadLetters(t *testing.T) {
	t.Parallel()

	q := New(Config{Depth: 4, VisibilityTimeout: time.Minute, MaxRetries: 3})
	defer func() { require.NoError(t, q.Close()) }()

	require.NoError(t, q.Enqueue(context.Background(), testMessage("https://example.com/a")))

	// Attempts 1 and 2 nack back onto the queue; attempt 3 exhausts the
	// budget and dead-letters.
	for attempt := 1; attempt <= 3; attempt++ {
		d, err := q.Receive(context.Background())
		require.NoError(t, err)
		require.Equal(t, attempt, d.Message().Attempt)
		deadLettered, err := d.Nack(context.Background())
		require.NoError(t, err)
		require.Equal(t, attempt == 3, deadLettered)
	}

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	require.Equal(t, 3, dead[0].Attempt)
	require.Equal(t, 0, q.Depth())
}

func TestRejectSkipsRetryBudget(t *testing.T) {
	t.Parallel()

	q := New(Config{Depth: 4, VisibilityTimeout: time.Minute, MaxRetries: 3})
	defer func() { require.NoError(t, q.Close()) }()

	require.NoError(t, q.Enqueue(context.Background(), testMessage("https://example.com/a")))
	d, err := q.Receive(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Reject(context.Background()))

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	require.Equal(t, 1, dead[0].Attempt)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	t.Parallel()

	q := New(Config{Depth: 2, VisibilityTimeout: time.Minute, MaxRetries: 3})
	defer func() { require.NoError(t, q.Close()) }()

	require.NoError(t, q.Enqueue(context.Background(), testMessage("https://example.com/a")))
	require.NoError(t, q.Enqueue(context.Background(), testMessage("https://example.com/b")))

	err := q.Enqueue(context.Background(), testMessage("https://example.com/c"))
	require.Error(t, err)
	require.True(t, scout.IsKind(err, scout.KindQueueFull))

	// Earlier messages are untouched by the rejection.
	require.Equal(t, 2, q.Depth())
}

func TestDoubleSettleFails(t *testing.T) {
	t.Parallel()

	q := New(Config{Depth: 4, VisibilityTimeout: time.Minute, MaxRetries: 3})
	defer func() { require.NoError(t, q.Close()) }()

	require.NoError(t, q.Enqueue(context.Background(), testMessage("https://example.com/a")))
	d, err := q.Receive(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Ack(context.Background()))
	require.Error(t, d.Ack(context.Background()))
	_, err = d.Nack(context.Background())
	require.Error(t, err)
}

func TestExpiryAtMaxRetriesInvokesDeadLetterHandler(t *testing.T) {
	t.Parallel()

	q := New(Config{Depth: 4, VisibilityTimeout: 20 * time.Millisecond, MaxRetries: 1})
	defer func() { require.NoError(t, q.Close()) }()

	notified := make(chan queue.Message, 1)
	q.SetDeadLetterHandler(func(msg queue.Message) { notified <- msg })

	require.NoError(t, q.Enqueue(context.Background(), testMessage("https://example.com/a")))
	_, err := q.Receive(context.Background())
	require.NoError(t, err)
	// Never settled; on the final attempt the expiry path must dead-letter
	// and notify, not just park the message.

	select {
	case msg := <-notified:
		require.Equal(t, "job-1|https://example.com/a", msg.IdempotencyKey)
		require.Equal(t, 1, msg.Attempt)
	case <-time.After(time.Second):
		t.Fatal("dead-letter handler was not invoked for an expired final attempt")
	}
	require.Len(t, q.DeadLetters(), 1)
}

func TestRejectInvokesDeadLetterHandler(t *testing.T) {
	t.Parallel()

	q := New(Config{Depth: 4, VisibilityTimeout: time.Minute, MaxRetries: 3})
	defer func() { require.NoError(t, q.Close()) }()

	var notified []queue.Message
	q.SetDeadLetterHandler(func(msg queue.Message) { notified = append(notified, msg) })

	require.NoError(t, q.Enqueue(context.Background(), testMessage("https://example.com/a")))
	d, err := q.Receive(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Reject(context.Background()))

	require.Len(t, notified, 1)
	require.Equal(t, "https://example.com/a", notified[0].HrefURL)
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	t.Parallel()

	q := New(Config{Depth: 4, VisibilityTimeout: time.Minute, MaxRetries: 3})
	require.NoError(t, q.Close())

	err := q.Enqueue(context.Background(), testMessage("https://example.com/a"))
	require.Error(t, err)
}

func TestCloseDuringPendingRedeliveryDoesNotPanic(t *testing.T) {
	t.Parallel()

	// Redelivery timers racing Close must not hit the closed channel.
	q := New(Config{Depth: 8, VisibilityTimeout: time.Millisecond, MaxRetries: 5})
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(context.Background(), testMessage("https://example.com/a")))
		_, err := q.Receive(context.Background())
		require.NoError(t, err)
	}
	time.Sleep(time.Millisecond)
	require.NoError(t, q.Close())
	time.Sleep(10 * time.Millisecond)
}

func TestReceiveHonorsContext(t *testing.T) {
	t.Parallel()

	q := New(Config{Depth: 4, VisibilityTimeout: time.Minute, MaxRetries: 3})
	defer func() { require.NoError(t, q.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Receive(ctx)
	require.Error(t, err)
}
