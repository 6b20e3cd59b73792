// Package catalog maintains an optional Postgres registry of discovered
// instruments and their lifecycle status.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pmdata/relayd/internal/config"
	"github.com/pmdata/relayd/internal/model"
)

// Store writes instrument metadata to the catalog database.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect creates a catalog store over a new connection pool.
func Connect(ctx context.Context, cfg config.CatalogConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping catalog database: %w", err)
	}

	return &Store{pool: pool, logger: logger.With("component", "catalog")}, nil
}

// BuildConnString builds a PostgreSQL connection string from config.
func BuildConnString(cfg config.CatalogConfig) string {
	// URL-encode password to handle special characters
	escapedPassword := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		escapedPassword,
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}

// UpsertInstruments inserts or refreshes catalog rows for the given
// instruments in a single batch.
func (s *Store) UpsertInstruments(ctx context.Context, instruments []model.MarketInstrument) error {
	if len(instruments) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, in := range instruments {
		batch.Queue(`
			INSERT INTO instruments (id, slug, event_slug, title, category, token_count, start_time, discovered_at, volume_24h, liquidity, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'active')
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title,
				volume_24h = EXCLUDED.volume_24h,
				liquidity = EXCLUDED.liquidity,
				status = 'active'
		`, in.ID, in.Slug, in.EventSlug, in.Title, in.Category, len(in.Tokens), nullableTime(in.StartTime), in.DiscoveredAt, in.Volume24h, in.Liquidity)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range instruments {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert instrument: %w", err)
		}
	}

	s.logger.Debug("upserted instruments", "count", len(instruments))
	return nil
}

// MarkRetired flags instruments as past their lifecycle.
func (s *Store) MarkRetired(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE instruments SET status = 'retired', retired_at = NOW()
		WHERE id = ANY($1) AND status <> 'retired'
	`, ids)
	if err != nil {
		return fmt.Errorf("mark retired: %w", err)
	}
	if int(tag.RowsAffected()) < len(ids) {
		s.logger.Debug("some retirements were no-ops", "requested", len(ids), "updated", tag.RowsAffected())
	}
	return nil
}

// Ping verifies the catalog connection is healthy.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping catalog: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// nullableTime maps Go's zero time to SQL NULL.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
