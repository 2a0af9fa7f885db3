// Package metrics exposes Prometheus counters for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CandidatesExtracted tracks link candidates produced by the extractor.
	CandidatesExtracted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkscout_candidates_extracted_total",
		Help: "The total number of link candidates extracted from pages.",
	})
	// MessagesScored tracks candidates scored successfully.
	MessagesScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkscout_messages_scored_total",
		Help: "The total number of candidates scored successfully.",
	})
	// ScoreRetries tracks scoring attempts returned to the queue for redelivery.
	ScoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkscout_score_retries_total",
		Help: "The total number of scoring attempts nacked for redelivery.",
	})
	// DeadLetters tracks messages moved to a dead-letter channel.
	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkscout_dead_letters_total",
		Help: "The total number of messages moved to a dead-letter channel.",
	})
	// ItemsPersisted tracks successful upserts.
	ItemsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkscout_items_persisted_total",
		Help: "The total number of scored links upserted into the store.",
	})
	// QueueFullRejections tracks enqueue attempts rejected by backpressure.
	QueueFullRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkscout_queue_full_rejections_total",
		Help: "The total number of enqueues rejected because the queue was full.",
	})
	// RobotsDenied tracks scrape requests blocked by robots.txt.
	RobotsDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkscout_robots_denied_total",
		Help: "The total number of scrape requests denied by robots.txt.",
	})
)
