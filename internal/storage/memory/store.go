// Package memory provides an in-memory Persister for development/testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linkscout/linkscout/internal/scout"
)

type naturalKey struct {
	sourceURL string
	hrefURL   string
	keyword   string
}

// Store keeps scored links keyed by their natural key.
type Store struct {
	mu     sync.RWMutex
	items  map[naturalKey]scout.StoredItem
	nextID int64
	clock  scout.Clock
}

// NewStore constructs a Store.
func NewStore(clock scout.Clock) *Store {
	return &Store{
		items: make(map[naturalKey]scout.StoredItem),
		clock: clock,
	}
}

// Upsert inserts or overwrites the row for the link's natural key. The row
// ID is stable across overwrites.
func (s *Store) Upsert(_ context.Context, link scout.ScoredLink) error {
	key := naturalKey{
		sourceURL: link.SourceURL,
		hrefURL:   link.HrefURL,
		keyword:   link.Keyword,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, exists := s.items[key]
	if !exists {
		s.nextID++
		item = scout.StoredItem{ID: s.nextID}
	}
	item.Keyword = link.Keyword
	item.SourceURL = link.SourceURL
	item.HrefURL = link.HrefURL
	item.RelevanceScore = link.RelevanceScore
	item.RawMetadata = rawMetadata(link)
	item.ProcessedAt = s.now()
	s.items[key] = item
	return nil
}

// QueryByKeywordOrSource filters by either or both values, sorted by
// relevance score descending.
func (s *Store) QueryByKeywordOrSource(_ context.Context, keyword, sourceURL string) ([]scout.StoredItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scout.StoredItem
	for _, item := range s.items {
		if keyword != "" && item.Keyword != keyword {
			continue
		}
		if sourceURL != "" && item.SourceURL != sourceURL {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RelevanceScore > out[j].RelevanceScore
	})
	return out, nil
}

// QueryByHref returns the highest-scored row for an href, or KindNotFound.
func (s *Store) QueryByHref(_ context.Context, hrefURL string) (scout.StoredItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best scout.StoredItem
	found := false
	for _, item := range s.items {
		if item.HrefURL != hrefURL {
			continue
		}
		if !found || item.RelevanceScore > best.RelevanceScore {
			best = item
			found = true
		}
	}
	if !found {
		return scout.StoredItem{}, scout.Ef(scout.KindNotFound, "memory.QueryByHref",
			"no stored item for %s", hrefURL)
	}
	return best, nil
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// Len reports the number of stored rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}

func rawMetadata(link scout.ScoredLink) map[string]any {
	return map[string]any{
		"exact_match_score": link.ExactMatchScore,
		"semantic_score":    link.SemanticScore,
		"context_score":     link.ContextScore,
		"context_text":      link.ContextText,
	}
}
