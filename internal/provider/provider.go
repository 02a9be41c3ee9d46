// Package provider defines the data-provider contract consumed by the pull
// and push engines and the replay driver, plus an in-memory and a
// SQL-backed implementation of it.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tm1ddleton/analytics-sub001/internal/timeseries"
)

// ErrUnknownAsset is returned when a query targets an asset the provider
// has never heard of.
var ErrUnknownAsset = errors.New("provider: unknown asset")

// AssetDescriptor describes one asset a provider knows about: its key, its
// kind, a display name, and the earliest/latest dates it has data for.
type AssetDescriptor struct {
	Key          timeseries.AssetKey
	Kind         timeseries.AssetKind
	DisplayName  string
	EarliestDate time.Time
	LatestDate   time.Time
}

// Provider is the data-provider contract: query one asset's close-price
// series over a date range, or enumerate known assets. Implementations
// must be safe for concurrent readers — the same provider instance is
// shared across pull calls, push warm-up, and replay loading.
type Provider interface {
	// Series returns points in chronological order, one per available
	// date within range. Gaps may be absent (caller fills with NaN) or
	// present with a NaN value.
	Series(ctx context.Context, asset timeseries.AssetKey, rng timeseries.DateRange) (timeseries.Series, error)
	// ListAssets enumerates every asset this provider knows about.
	ListAssets(ctx context.Context) ([]AssetDescriptor, error)
}

// Error wraps a provider failure with the asset and range that triggered
// it, matching spec §7's ProviderError kind.
type Error struct {
	Asset timeseries.AssetKey
	Range timeseries.DateRange
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error for %s over %s: %v", e.Asset, e.Range, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
