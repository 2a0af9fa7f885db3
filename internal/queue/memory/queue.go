// Package memory provides an in-process queue implementation of the
// at-least-once delivery contract, for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linkscout/linkscout/internal/queue"
	"github.com/linkscout/linkscout/internal/scout"
)

// Config controls queue behavior.
type Config struct {
	Depth             int
	VisibilityTimeout time.Duration
	MaxRetries        int
}

// Queue is a bounded in-memory queue with visibility-timeout redelivery
// and a dead-letter channel.
type Queue struct {
	cfg Config
	ch  chan queue.Message

	mu       sync.Mutex
	closed   bool
	nextID   int
	inflight map[int]*time.Timer
	dead     []queue.Message
	onDead   func(queue.Message)
}

// New constructs a queue with the provided contract configuration.
func New(cfg Config) *Queue {
	if cfg.Depth <= 0 {
		cfg.Depth = 64
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Queue{
		cfg:      cfg,
		ch:       make(chan queue.Message, cfg.Depth),
		inflight: make(map[int]*time.Timer),
	}
}

// SetDeadLetterHandler registers fn to be called once for every message
// that moves to the dead-letter channel, no matter which path moved it:
// an explicit Reject, an exhausted Nack, or a visibility expiry inside the
// queue itself. Register before consumers start.
func (q *Queue) SetDeadLetterHandler(fn func(queue.Message)) {
	q.mu.Lock()
	q.onDead = fn
	q.mu.Unlock()
}

// Enqueue publishes a message, rejecting with KindQueueFull when the
// depth threshold is exceeded.
func (q *Queue) Enqueue(ctx context.Context, msg queue.Message) error {
	if msg.Attempt <= 0 {
		msg.Attempt = 1
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	// The send happens under the mutex so it cannot race the channel
	// close in Close.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue closed")
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return scout.Ef(scout.KindQueueFull, "memory.Enqueue", "queue depth %d exceeded", q.cfg.Depth)
	}
}

// Receive blocks until a message is delivered or the context ends. The
// returned delivery must be settled; otherwise the message is redelivered
// after the visibility timeout.
func (q *Queue) Receive(ctx context.Context) (queue.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
	case msg, ok := <-q.ch:
		if !ok {
			return nil, errors.New("queue closed")
		}
		return q.track(msg), nil
	}
}

func (q *Queue) track(msg queue.Message) *delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	id := q.nextID
	d := &delivery{q: q, id: id, msg: msg}
	q.inflight[id] = time.AfterFunc(q.cfg.VisibilityTimeout, func() {
		q.expire(id, msg)
	})
	return d
}

// expire redelivers an unsettled message, consuming one retry.
func (q *Queue) expire(id int, msg queue.Message) {
	q.mu.Lock()
	if _, ok := q.inflight[id]; !ok {
		q.mu.Unlock()
		return
	}
	delete(q.inflight, id)
	q.mu.Unlock()
	q.requeueOrDead(msg)
}

func (q *Queue) requeueOrDead(msg queue.Message) bool {
	if msg.Attempt >= q.cfg.MaxRetries {
		q.deadLetter(msg)
		return true
	}
	msg.Attempt++
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	// Checked and sent under the same mutex as Close, so a redelivery
	// timer firing during shutdown cannot hit a closed channel.
	select {
	case q.ch <- msg:
		q.mu.Unlock()
		return false
	default:
		// Redelivery must not be dropped by backpressure; park it in the
		// dead-letter channel where it stays inspectable.
		q.mu.Unlock()
		q.deadLetter(msg)
		return true
	}
}

// deadLetter parks a message in the dead-letter channel and notifies the
// registered handler. The handler runs outside the queue mutex; it is the
// path that keeps job completion tracking unblocked when the queue itself
// dead-letters an expired final-attempt delivery.
func (q *Queue) deadLetter(msg queue.Message) {
	q.mu.Lock()
	q.dead = append(q.dead, msg)
	fn := q.onDead
	q.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// settle removes a delivery from the in-flight set, canceling its
// redelivery timer. Returns false if the timer already fired.
func (q *Queue) settle(id int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	timer, ok := q.inflight[id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(q.inflight, id)
	return true
}

// DeadLetters returns a snapshot of the dead-letter channel.
func (q *Queue) DeadLetters() []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.Message, len(q.dead))
	copy(out, q.dead)
	return out
}

// Depth returns the number of messages waiting for delivery.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Ping always succeeds for the in-process queue.
func (q *Queue) Ping(context.Context) error { return nil }

// Close stops the queue. Safe to call more than once.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, timer := range q.inflight {
		timer.Stop()
		delete(q.inflight, id)
	}
	close(q.ch)
	return nil
}

type delivery struct {
	q   *Queue
	id  int
	msg queue.Message
}

// Message returns the delivered payload.
func (d *delivery) Message() queue.Message { return d.msg }

// Ack marks the message fully processed.
func (d *delivery) Ack(context.Context) error {
	if !d.q.settle(d.id) {
		return errors.New("delivery already settled or expired")
	}
	return nil
}

// Nack returns the message for redelivery or dead-letters it when the
// retry budget is exhausted.
func (d *delivery) Nack(context.Context) (bool, error) {
	if !d.q.settle(d.id) {
		return false, errors.New("delivery already settled or expired")
	}
	return d.q.requeueOrDead(d.msg), nil
}

// Reject moves the message straight to the dead-letter channel.
func (d *delivery) Reject(context.Context) error {
	if !d.q.settle(d.id) {
		return errors.New("delivery already settled or expired")
	}
	d.q.deadLetter(d.msg)
	return nil
}
