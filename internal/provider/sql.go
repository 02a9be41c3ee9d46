package provider

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tm1ddleton/analytics-sub001/internal/timeseries"
)

// SQLProvider reads (asset, date, close) rows from Postgres via pgx, the
// way the teacher's repository.Repository wraps a pgxpool.Pool. The core
// never writes through this interface; the upstream downloader that
// populates the table is out of scope (spec §6).
type SQLProvider struct {
	db *pgxpool.Pool
}

// NewSQLProvider opens a pooled connection, applying the same pool-sizing
// and lifecycle env-var overrides as repository.NewRepository.
func NewSQLProvider(ctx context.Context, dsn string) (*SQLProvider, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse provider dsn: %w", err)
	}
	if v := os.Getenv("PROVIDER_DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConns = int32(n)
		}
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to provider database: %w", err)
	}
	sp := &SQLProvider{db: pool}
	if err := sp.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure provider schema: %w", err)
	}
	return sp, nil
}

// Close releases the underlying connection pool.
func (s *SQLProvider) Close() { s.db.Close() }

// Series implements Provider by querying the asset's close prices over the
// inclusive date range. Rows absent from the table are left as gaps for
// the caller to fill with NaN, per spec §6's provider contract.
func (s *SQLProvider) Series(ctx context.Context, asset timeseries.AssetKey, rng timeseries.DateRange) (timeseries.Series, error) {
	rows, err := s.db.Query(ctx, `
		SELECT price_date, close
		FROM app.asset_prices
		WHERE asset_key = $1 AND price_date BETWEEN $2 AND $3
		ORDER BY price_date ASC
	`, asset.String(), rng.Start, rng.End)
	if err != nil {
		return nil, &Error{Asset: asset, Range: rng, Err: fmt.Errorf("query close prices: %w", err)}
	}
	defer rows.Close()

	var out timeseries.Series
	for rows.Next() {
		var day time.Time
		var closePrice float64
		if err := rows.Scan(&day, &closePrice); err != nil {
			return nil, &Error{Asset: asset, Range: rng, Err: fmt.Errorf("scan close price row: %w", err)}
		}
		out = append(out, timeseries.NewPoint(day, closePrice))
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Asset: asset, Range: rng, Err: fmt.Errorf("iterate close price rows: %w", err)}
	}
	return out, nil
}

// ListAssets implements Provider by reading the asset_descriptors table.
func (s *SQLProvider) ListAssets(ctx context.Context) ([]AssetDescriptor, error) {
	rows, err := s.db.Query(ctx, `
		SELECT asset_key, kind, display_name, earliest_date, latest_date
		FROM app.asset_descriptors
		ORDER BY asset_key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query asset descriptors: %w", err)
	}
	defer rows.Close()

	var out []AssetDescriptor
	for rows.Next() {
		var key, kindStr, displayName string
		var earliest, latest time.Time
		if err := rows.Scan(&key, &kindStr, &displayName, &earliest, &latest); err != nil {
			return nil, fmt.Errorf("scan asset descriptor row: %w", err)
		}
		assetKey, err := parseAssetKey(key, kindStr)
		if err != nil {
			return nil, fmt.Errorf("parse asset key %q: %w", key, err)
		}
		out = append(out, AssetDescriptor{
			Key:          assetKey,
			Kind:         assetKey.Kind(),
			DisplayName:  displayName,
			EarliestDate: earliest,
			LatestDate:   latest,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate asset descriptor rows: %w", err)
	}
	return out, nil
}

func parseAssetKey(raw, kindStr string) (timeseries.AssetKey, error) {
	if kindStr == "future" {
		// Stored as "<series>:<expiry>".
		for i := len(raw) - 1; i >= 0; i-- {
			if raw[i] == ':' {
				expiry, err := time.Parse("2006-01-02", raw[i+1:])
				if err != nil {
					return timeseries.AssetKey{}, err
				}
				return timeseries.NewFutureKey(raw[:i], expiry)
			}
		}
		return timeseries.AssetKey{}, fmt.Errorf("malformed future asset key %q", raw)
	}
	return timeseries.NewEquityKey(raw)
}

// ensureSchema creates the asset-price tables if they do not already
// exist, mirroring repository.ensureScriptTemplatesSchema's idempotent DDL
// pattern. The upstream downloader (out of scope) is responsible for
// populating rows; the core only ever reads.
func (s *SQLProvider) ensureSchema(ctx context.Context) error {
	const ddl = `
		CREATE SCHEMA IF NOT EXISTS app;

		CREATE TABLE IF NOT EXISTS app.asset_prices (
			asset_key  TEXT NOT NULL,
			price_date DATE NOT NULL,
			close      DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (asset_key, price_date)
		);

		CREATE TABLE IF NOT EXISTS app.asset_descriptors (
			asset_key     TEXT PRIMARY KEY,
			kind          TEXT NOT NULL,
			display_name  TEXT NOT NULL,
			earliest_date DATE NOT NULL,
			latest_date   DATE NOT NULL
		);
	`
	_, err := s.db.Exec(ctx, ddl)
	return err
}

// LatestKnownDate returns the most recent price_date on file for asset, or
// the zero time if the provider has never seen it, following the same
// pgx.ErrNoRows handling as repository.Repository.GetLastIndexedHeight.
func (s *SQLProvider) LatestKnownDate(ctx context.Context, asset timeseries.AssetKey) (time.Time, error) {
	// MAX over no rows yields a single NULL row, scanned as a nil pointer.
	var latest *time.Time
	err := s.db.QueryRow(ctx, `
		SELECT MAX(price_date) FROM app.asset_prices WHERE asset_key = $1
	`, asset.String()).Scan(&latest)
	if err == pgx.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("latest known date for %s: %w", asset, err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}
