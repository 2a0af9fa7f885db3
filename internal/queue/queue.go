// Package queue defines the durable at-least-once delivery contract shared
// by the task and result queues. A message is redelivered if the consumer
// does not acknowledge it within the visibility timeout; after MaxRetries
// attempts it moves to a dead-letter channel instead. Consumers detect
// duplicates with the message's idempotency key.
package queue

import (
	"context"

	"github.com/linkscout/linkscout/internal/scout"
)

// Message is the wire payload carried by both queues. Scores is populated
// only on the result queue.
type Message struct {
	JobID          string    `json:"job_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	SourceURL      string    `json:"source_url"`
	HrefURL        string    `json:"href_url"`
	ContextText    string    `json:"context_text"`
	Keyword        string    `json:"keyword"`
	Attempt        int       `json:"attempt_count"`
	Scores         *ScoreSet `json:"scores,omitempty"`
}

// ScoreSet carries the component scores on result-queue messages.
type ScoreSet struct {
	ExactMatch float64 `json:"exact_match_score"`
	Semantic   float64 `json:"semantic_score"`
	Context    float64 `json:"context_score"`
	Relevance  float64 `json:"relevance_score"`
}

// FromCandidate builds a task message for a candidate. Attempt starts at 1.
func FromCandidate(c scout.LinkCandidate) Message {
	return Message{
		JobID:          c.JobID,
		IdempotencyKey: c.IdempotencyKey(),
		SourceURL:      c.SourceURL,
		HrefURL:        c.HrefURL,
		ContextText:    c.ContextText,
		Keyword:        c.Keyword,
		Attempt:        1,
	}
}

// Candidate reconstructs the link candidate from a message.
func (m Message) Candidate() scout.LinkCandidate {
	return scout.LinkCandidate{
		JobID:       m.JobID,
		SourceURL:   m.SourceURL,
		HrefURL:     m.HrefURL,
		ContextText: m.ContextText,
		Keyword:     m.Keyword,
	}
}

// ScoredLink reconstructs a scored link from a result-queue message.
// Returns false if the message carries no scores.
func (m Message) ScoredLink() (scout.ScoredLink, bool) {
	if m.Scores == nil {
		return scout.ScoredLink{}, false
	}
	return scout.ScoredLink{
		LinkCandidate:   m.Candidate(),
		ExactMatchScore: m.Scores.ExactMatch,
		SemanticScore:   m.Scores.Semantic,
		ContextScore:    m.Scores.Context,
		RelevanceScore:  m.Scores.Relevance,
	}, true
}

// Delivery is one received message plus its settlement handle. Exactly one
// of Ack, Nack, or Reject must be called; an unsettled delivery becomes
// eligible for redelivery after the visibility timeout.
type Delivery interface {
	// Message returns the delivered payload.
	Message() Message
	// Ack marks the message fully processed.
	Ack(ctx context.Context) error
	// Nack returns the message for redelivery, incrementing its attempt
	// counter. When the retry budget is exhausted the message moves to the
	// dead-letter channel instead; the bool reports that move. Failed-unit
	// accounting happens in the dead-letter handler, not the caller.
	Nack(ctx context.Context) (deadLettered bool, err error)
	// Reject moves the message straight to the dead-letter channel without
	// consuming the remaining retry budget.
	Reject(ctx context.Context) error
}

// Queue provides enqueue/receive semantics under the at-least-once contract.
type Queue interface {
	// Enqueue publishes a message. When the queue depth threshold is
	// exceeded it fails with scout.KindQueueFull rather than growing
	// unbounded.
	Enqueue(ctx context.Context, msg Message) error
	// Receive blocks until a message is available or the context ends.
	Receive(ctx context.Context) (Delivery, error)
	// SetDeadLetterHandler registers fn to run once for every message that
	// moves to the dead-letter channel. This covers the queue's internal
	// expiry path, where an unsettled final-attempt delivery dead-letters
	// without any consumer seeing it; the handler is how such messages
	// still get reported as failed units. Register before consumers start.
	SetDeadLetterHandler(fn func(Message))
	// Ping verifies the backing service is reachable.
	Ping(ctx context.Context) error
	// Close releases resources; in-flight deliveries are abandoned and will
	// be redelivered by a durable backend.
	Close() error
}
