// Package postgres provides the Postgres-backed Persister.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkscout/linkscout/internal/scout"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Expected schema:
//
//	CREATE TABLE scraped_items (
//	    id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
//	    keyword TEXT NOT NULL,
//	    source_url TEXT NOT NULL,
//	    href_url TEXT NOT NULL,
//	    relevance_score DOUBLE PRECISION NOT NULL,
//	    raw_data JSONB,
//	    processed_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    UNIQUE (source_url, href_url, keyword)
//	);

// StoreConfig controls the Postgres connection pool.
type StoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store writes scored links into Postgres and serves lookup queries.
type Store struct {
	pool  pgxPool
	table string
}

// NewStore creates a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "scraped_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, table: table}, nil
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool pgxPool, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "scraped_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table}, nil
}

// Upsert inserts or overwrites the row for the link's natural key
// (source_url, href_url, keyword). Overwriting rather than inserting is
// what makes redelivery-safe processing correct end to end.
func (s *Store) Upsert(ctx context.Context, link scout.ScoredLink) error {
	raw, err := json.Marshal(map[string]any{
		"exact_match_score": link.ExactMatchScore,
		"semantic_score":    link.SemanticScore,
		"context_score":     link.ContextScore,
		"context_text":      link.ContextText,
	})
	if err != nil {
		return scout.E(scout.KindPersistFailed, "postgres.Upsert", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (keyword, source_url, href_url, relevance_score, raw_data, processed_date)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (source_url, href_url, keyword)
DO UPDATE SET relevance_score = EXCLUDED.relevance_score,
              raw_data = EXCLUDED.raw_data,
              processed_date = NOW()`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		link.Keyword,
		link.SourceURL,
		link.HrefURL,
		link.RelevanceScore,
		raw,
	); err != nil {
		return scout.E(scout.KindPersistFailed, "postgres.Upsert", err)
	}
	return nil
}

// QueryByKeywordOrSource filters by either or both values, sorted by
// relevance score descending.
func (s *Store) QueryByKeywordOrSource(ctx context.Context, keyword, sourceURL string) ([]scout.StoredItem, error) {
	query := fmt.Sprintf(`
SELECT id, keyword, source_url, href_url, relevance_score, raw_data, processed_date
FROM %s
WHERE ($1 = '' OR keyword = $1)
  AND ($2 = '' OR source_url = $2)
ORDER BY relevance_score DESC`, s.table)
	rows, err := s.pool.Query(ctx, query, keyword, sourceURL)
	if err != nil {
		return nil, scout.E(scout.KindPersistFailed, "postgres.QueryByKeywordOrSource", err)
	}
	defer rows.Close()

	var items []scout.StoredItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, scout.E(scout.KindPersistFailed, "postgres.QueryByKeywordOrSource", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, scout.E(scout.KindPersistFailed, "postgres.QueryByKeywordOrSource", err)
	}
	return items, nil
}

// QueryByHref returns the highest-scored row for an href, or KindNotFound.
func (s *Store) QueryByHref(ctx context.Context, hrefURL string) (scout.StoredItem, error) {
	query := fmt.Sprintf(`
SELECT id, keyword, source_url, href_url, relevance_score, raw_data, processed_date
FROM %s
WHERE href_url = $1
ORDER BY relevance_score DESC
LIMIT 1`, s.table)
	row := s.pool.QueryRow(ctx, query, hrefURL)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scout.StoredItem{}, scout.Ef(scout.KindNotFound, "postgres.QueryByHref",
			"no stored item for %s", hrefURL)
	}
	if err != nil {
		return scout.StoredItem{}, scout.E(scout.KindPersistFailed, "postgres.QueryByHref", err)
	}
	return item, nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (scout.StoredItem, error) {
	var (
		item scout.StoredItem
		raw  []byte
	)
	if err := row.Scan(
		&item.ID,
		&item.Keyword,
		&item.SourceURL,
		&item.HrefURL,
		&item.RelevanceScore,
		&raw,
		&item.ProcessedAt,
	); err != nil {
		return scout.StoredItem{}, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &item.RawMetadata); err != nil {
			return scout.StoredItem{}, fmt.Errorf("decode raw_data: %w", err)
		}
	}
	return item, nil
}
