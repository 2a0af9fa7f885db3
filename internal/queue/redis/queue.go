// Package redis provides a Redis-backed implementation of the
// at-least-once queue contract. Ready messages live in a list, in-flight
// deliveries in a sorted set scored by their visibility deadline, and
// exhausted or rejected messages in a dead-letter list that stays
// inspectable.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/linkscout/linkscout/internal/queue"
	"github.com/linkscout/linkscout/internal/scout"
)

// Queue implements queue.Queue on Redis.
type Queue struct {
	client     *redis.Client
	name       string
	depth      int
	visibility time.Duration
	maxRetries int
	logger     *zap.Logger
	stop       context.CancelFunc

	mu     sync.RWMutex
	onDead func(queue.Message)
}

const receivePoll = 2 * time.Second

// New connects to Redis and starts the reclaim loop that returns expired
// in-flight deliveries to the ready list.
func New(ctx context.Context, addr, password, name string, depth, maxRetries int,
	visibility, reclaimInterval time.Duration, logger *zap.Logger) (*Queue, error) {
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if reclaimInterval <= 0 {
		reclaimInterval = 5 * time.Second
	}
	reclaimCtx, stop := context.WithCancel(context.Background())
	q := &Queue{
		client:     client,
		name:       name,
		depth:      depth,
		visibility: visibility,
		maxRetries: maxRetries,
		logger:     logger,
		stop:       stop,
	}
	go q.reclaimLoop(reclaimCtx, reclaimInterval)
	return q, nil
}

func (q *Queue) readyKey() string    { return q.name + ":ready" }
func (q *Queue) inflightKey() string { return q.name + ":inflight" }
func (q *Queue) deadKey() string     { return q.name + ":dead" }

// SetDeadLetterHandler registers fn to be called once for every message
// that moves to the dead-letter list, including messages the reclaim loop
// expires on their final attempt. Register before consumers start.
func (q *Queue) SetDeadLetterHandler(fn func(queue.Message)) {
	q.mu.Lock()
	q.onDead = fn
	q.mu.Unlock()
}

func (q *Queue) notifyDead(msg queue.Message) {
	q.mu.RLock()
	fn := q.onDead
	q.mu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

// Enqueue publishes a message, rejecting with KindQueueFull when the ready
// list exceeds the configured depth.
func (q *Queue) Enqueue(ctx context.Context, msg queue.Message) error {
	if msg.Attempt <= 0 {
		msg.Attempt = 1
	}
	if q.depth > 0 {
		n, err := q.client.LLen(ctx, q.readyKey()).Result()
		if err != nil {
			return fmt.Errorf("queue depth check: %w", err)
		}
		if n >= int64(q.depth) {
			return scout.Ef(scout.KindQueueFull, "redis.Enqueue", "queue depth %d exceeded", q.depth)
		}
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := q.client.RPush(ctx, q.readyKey(), payload).Err(); err != nil {
		return fmt.Errorf("push message: %w", err)
	}
	return nil
}

// Receive blocks until a message is available, moving it to the in-flight
// set with a visibility deadline.
func (q *Queue) Receive(ctx context.Context) (queue.Delivery, error) {
	for {
		res, err := q.client.BLPop(ctx, receivePoll, q.readyKey()).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
			}
			return nil, fmt.Errorf("pop message: %w", err)
		}
		raw := res[1]
		var msg queue.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			// Structurally invalid payloads go straight to the dead letter
			// list so they never block the consumer.
			q.logger.Warn("dead-lettering undecodable message", zap.Error(err))
			if pushErr := q.client.RPush(ctx, q.deadKey(), raw).Err(); pushErr != nil {
				return nil, fmt.Errorf("dead-letter invalid message: %w", pushErr)
			}
			continue
		}
		deadline := float64(time.Now().Add(q.visibility).UnixMilli())
		if err := q.client.ZAdd(ctx, q.inflightKey(), redis.Z{Score: deadline, Member: raw}).Err(); err != nil {
			return nil, fmt.Errorf("track in-flight message: %w", err)
		}
		return &delivery{q: q, raw: raw, msg: msg}, nil
	}
}

// reclaimLoop scans the in-flight set and returns deliveries whose
// visibility deadline passed, consuming one retry per redelivery.
func (q *Queue) reclaimLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.reclaimExpired(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("reclaim pass failed", zap.Error(err))
			}
		}
	}
}

func (q *Queue) reclaimExpired(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	expired, err := q.client.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan in-flight set: %w", err)
	}
	for _, raw := range expired {
		removed, err := q.client.ZRem(ctx, q.inflightKey(), raw).Result()
		if err != nil {
			return fmt.Errorf("remove expired delivery: %w", err)
		}
		if removed == 0 {
			// Settled by its consumer between the scan and the removal.
			continue
		}
		if _, err := q.redeliver(ctx, raw); err != nil {
			return err
		}
	}
	return nil
}

// redeliver pushes a message back to the ready list with an incremented
// attempt counter, or to the dead-letter list once retries are exhausted.
func (q *Queue) redeliver(ctx context.Context, raw string) (bool, error) {
	var msg queue.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		if pushErr := q.client.RPush(ctx, q.deadKey(), raw).Err(); pushErr != nil {
			return false, fmt.Errorf("dead-letter invalid message: %w", pushErr)
		}
		return true, nil
	}
	if msg.Attempt >= q.maxRetries {
		if err := q.client.RPush(ctx, q.deadKey(), raw).Err(); err != nil {
			return false, fmt.Errorf("dead-letter message: %w", err)
		}
		q.notifyDead(msg)
		return true, nil
	}
	msg.Attempt++
	payload, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("marshal redelivery: %w", err)
	}
	if err := q.client.RPush(ctx, q.readyKey(), payload).Err(); err != nil {
		return false, fmt.Errorf("requeue message: %w", err)
	}
	return false, nil
}

// DeadLetters returns a snapshot of the dead-letter list.
func (q *Queue) DeadLetters(ctx context.Context) ([]queue.Message, error) {
	raws, err := q.client.LRange(ctx, q.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead-letter list: %w", err)
	}
	out := make([]queue.Message, 0, len(raws))
	for _, raw := range raws {
		var msg queue.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Ping verifies the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close stops the reclaim loop and releases the client. In-flight
// deliveries stay in Redis and are reclaimed on the next start.
func (q *Queue) Close() error {
	q.stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

type delivery struct {
	q   *Queue
	raw string
	msg queue.Message
}

// Message returns the delivered payload.
func (d *delivery) Message() queue.Message { return d.msg }

// Ack removes the delivery from the in-flight set.
func (d *delivery) Ack(ctx context.Context) error {
	removed, err := d.q.client.ZRem(ctx, d.q.inflightKey(), d.raw).Result()
	if err != nil {
		return fmt.Errorf("ack delivery: %w", err)
	}
	if removed == 0 {
		return errors.New("delivery already settled or expired")
	}
	return nil
}

// Nack returns the message for redelivery or dead-letters it once the
// retry budget is exhausted.
func (d *delivery) Nack(ctx context.Context) (bool, error) {
	removed, err := d.q.client.ZRem(ctx, d.q.inflightKey(), d.raw).Result()
	if err != nil {
		return false, fmt.Errorf("nack delivery: %w", err)
	}
	if removed == 0 {
		return false, errors.New("delivery already settled or expired")
	}
	return d.q.redeliver(ctx, d.raw)
}

// Reject moves the message straight to the dead-letter list.
func (d *delivery) Reject(ctx context.Context) error {
	removed, err := d.q.client.ZRem(ctx, d.q.inflightKey(), d.raw).Result()
	if err != nil {
		return fmt.Errorf("reject delivery: %w", err)
	}
	if removed == 0 {
		return errors.New("delivery already settled or expired")
	}
	if err := d.q.client.RPush(ctx, d.q.deadKey(), d.raw).Err(); err != nil {
		return fmt.Errorf("dead-letter message: %w", err)
	}
	d.q.notifyDead(d.msg)
	return nil
}
