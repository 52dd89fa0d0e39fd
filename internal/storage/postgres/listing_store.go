// Package postgres provides the Postgres-backed listing store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// insertChunk bounds the number of statements queued per batch round trip.
const insertChunk = 500

// ListingStoreConfig controls the Postgres connection pool used for listings.
type ListingStoreConfig struct {
	URL             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Ping(context.Context) error
	Close()
}

// ListingStore writes car listings into Postgres. Inserts are idempotent:
// rows whose reference already exists are silently ignored, so replaying a
// batch can never create duplicates.
type ListingStore struct {
	pool  dbPool
	table string
}

// NewListingStore creates a Postgres-backed ListingStore using the provided config.
func NewListingStore(ctx context.Context, cfg ListingStoreConfig) (*ListingStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database.url is required")
	}
	table := cfg.Table
	if table == "" {
		table = "car_listings"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
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
	return &ListingStore{pool: pool, table: table}, nil
}

// NewListingStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewListingStoreWithPool(pool dbPool, table string) (*ListingStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "car_listings"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ListingStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ListingStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// BulkInsert writes the batch in chunked round trips, ignoring rows whose
// reference is already present. It returns the number of rows inserted.
func (s *ListingStore) BulkInsert(ctx context.Context, batch []pipeline.Listing) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, &pipeline.PersistenceError{Op: "bulk insert", Fatal: true,
			Err: errors.New("listing store is not configured")}
	}
	if len(batch) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	reference, url, make, model, version, trim_level,
	year, doors, gearbox, energy, external_color, category,
	mileage, price, customer_type, dealer_name, good_deal_badge,
	photo_url, first_online_date, page, fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21
) ON CONFLICT (reference) DO NOTHING`, s.table)

	var total int64
	for start := 0; start < len(batch); start += insertChunk {
		end := start + insertChunk
		if end > len(batch) {
			end = len(batch)
		}

		b := &pgx.Batch{}
		count := 0
		for _, l := range batch[start:end] {
			if strings.TrimSpace(l.Reference) == "" {
				continue
			}
			b.Queue(query,
				l.Reference, l.URL, l.Make, l.Model, l.Version, l.TrimLevel,
				l.Year, l.Doors, l.Gearbox, l.Energy, l.ExternalColor, l.Category,
				l.Mileage, l.Price, l.CustomerType, l.DealerName, l.GoodDealBadge,
				l.PhotoURL, l.FirstOnlineDate, l.Page, l.FetchedAt,
			)
			count++
		}

		br := s.pool.SendBatch(ctx, b)
		for i := 0; i < count; i++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, classify("bulk insert", err)
			}
			total += tag.RowsAffected()
		}
		if err := br.Close(); err != nil {
			return total, classify("bulk insert", err)
		}
	}
	return total, nil
}

// KnownReferences returns every stored reference, used to seed the dedup
// index at startup.
func (s *ListingStore) KnownReferences(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT reference FROM %s`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, classify("known references", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, classify("known references", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("known references", err)
	}
	return refs, nil
}

// Ping verifies database connectivity.
func (s *ListingStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// classify wraps a database error, marking it fatal when retrying cannot
// help. SQLSTATE class 22 (data), 23 (integrity), and 42 (schema) failures
// indicate a bug or schema drift; connection-level and transient classes
// stay retryable, as does anything unrecognized since inserts are idempotent.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		switch {
		case strings.HasPrefix(code, "22"),
			strings.HasPrefix(code, "23"),
			strings.HasPrefix(code, "42"):
			return &pipeline.PersistenceError{Op: op, Fatal: true, Err: err}
		}
	}
	return &pipeline.PersistenceError{Op: op, Err: err}
}
