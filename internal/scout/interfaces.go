package scout

import (
	"context"
	"time"
)

// Fetcher retrieves the raw HTML for a URL. Implementations classify
// network failures as KindFetchFailed; robots enforcement happens before
// the fetcher is invoked.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Persister upserts scored links keyed on (source_url, href_url, keyword)
// and serves lookup queries. Upsert must be idempotent: a second call with
// the same natural key overwrites, never duplicates.
type Persister interface {
	Upsert(ctx context.Context, link ScoredLink) error
	QueryByKeywordOrSource(ctx context.Context, keyword, sourceURL string) ([]StoredItem, error)
	QueryByHref(ctx context.Context, hrefURL string) (StoredItem, error)
	Ping(ctx context.Context) error
	Close()
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
