package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linkscout/linkscout/internal/scout"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func scoredLink(href, keyword string, relevance float64) scout.ScoredLink {
	return scout.ScoredLink{
		LinkCandidate: scout.LinkCandidate{
			JobID:       "job-1",
			SourceURL:   "https://example.com",
			HrefURL:     href,
			ContextText: "some context",
			Keyword:     keyword,
		},
		ExactMatchScore: 1,
		SemanticScore:   0.8,
		ContextScore:    0.7,
		RelevanceScore:  relevance,
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewStore(fixedClock{now: time.Unix(1700000000, 0).UTC()})
	link := scoredLink("https://example.com/a", "solar", 0.9)

	require.NoError(t, store.Upsert(context.Background(), link))
	require.NoError(t, store.Upsert(context.Background(), link))
	require.Equal(t, 1, store.Len())

	item, err := store.QueryByHref(context.Background(), link.HrefURL)
	require.NoError(t, err)
	require.Equal(t, 0.9, item.RelevanceScore)
}

func TestUpsertOverwritesScoreKeepsID(t *testing.T) {
	t.Parallel()

	store := NewStore(fixedClock{now: time.Unix(1700000000, 0).UTC()})
	require.NoError(t, store.Upsert(context.Background(), scoredLink("https://example.com/a", "solar", 0.4)))

	before, err := store.QueryByHref(context.Background(), "https://example.com/a")
	require.NoError(t, err)

	require.NoError(t, store.Upsert(context.Background(), scoredLink("https://example.com/a", "solar", 0.9)))
	after, err := store.QueryByHref(context.Background(), "https://example.com/a")
	require.NoError(t, err)

	require.Equal(t, before.ID, after.ID)
	require.Equal(t, 0.9, after.RelevanceScore)
	require.Equal(t, 1, store.Len())
}

func TestDifferentKeywordsAreSeparateRows(t *testing.T) {
	t.Parallel()

	store := NewStore(fixedClock{now: time.Unix(1700000000, 0).UTC()})
	require.NoError(t, store.Upsert(context.Background(), scoredLink("https://example.com/a", "solar", 0.9)))
	require.NoError(t, store.Upsert(context.Background(), scoredLink("https://example.com/a", "wind", 0.3)))
	require.Equal(t, 2, store.Len())
}

func TestQuerySortsByRelevanceDescending(t *testing.T) {
	t.Parallel()

	store := NewStore(fixedClock{now: time.Unix(1700000000, 0).UTC()})
	require.NoError(t, store.Upsert(context.Background(), scoredLink("https://example.com/low", "solar", 0.2)))
	require.NoError(t, store.Upsert(context.Background(), scoredLink("https://example.com/high", "solar", 0.9)))
	require.NoError(t, store.Upsert(context.Background(), scoredLink("https://example.com/mid", "solar", 0.5)))

	items, err := store.QueryByKeywordOrSource(context.Background(), "solar", "")
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "https://example.com/high", items[0].HrefURL)
	require.Equal(t, "https://example.com/mid", items[1].HrefURL)
	require.Equal(t, "https://example.com/low", items[2].HrefURL)
}

func TestQueryFiltersCombine(t *testing.T) {
	t.Parallel()

	store := NewStore(fixedClock{now: time.Unix(1700000000, 0).UTC()})
	other := scoredLink("https://example.com/b", "solar", 0.5)
	other.SourceURL = "https://elsewhere.example"
	require.NoError(t, store.Upsert(context.Background(), scoredLink("https://example.com/a", "solar", 0.9)))
	require.NoError(t, store.Upsert(context.Background(), other))

	items, err := store.QueryByKeywordOrSource(context.Background(), "solar", "https://example.com")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "https://example.com/a", items[0].HrefURL)
}

func TestQueryByHrefNotFound(t *testing.T) {
	t.Parallel()

	store := NewStore(fixedClock{now: time.Unix(1700000000, 0).UTC()})
	_, err := store.QueryByHref(context.Background(), "https://example.com/missing")
	require.True(t, scout.IsKind(err, scout.KindNotFound))
}

func TestRawMetadataCarriesComponentScores(t *testing.T) {
	t.Parallel()

	store := NewStore(fixedClock{now: time.Unix(1700000000, 0).UTC()})
	require.NoError(t, store.Upsert(context.Background(), scoredLink("https://example.com/a", "solar", 0.9)))

	item, err := store.QueryByHref(context.Background(), "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, 1.0, item.RawMetadata["exact_match_score"])
	require.Equal(t, 0.8, item.RawMetadata["semantic_score"])
	require.Equal(t, 0.7, item.RawMetadata["context_score"])
	require.Equal(t, "some context", item.RawMetadata["context_text"])
}
