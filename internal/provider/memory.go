package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tm1ddleton/analytics-sub001/internal/timeseries"
)

// MemoryProvider is an in-memory Provider, modeled on the teacher's
// market.PriceCache: a mutex-guarded map of per-asset, date-sorted points.
// Load replaces an asset's series wholesale; Append merges in new points,
// deduplicating by date and keeping the series sorted.
type MemoryProvider struct {
	mu     sync.RWMutex
	points map[timeseries.AssetKey][]timeseries.Point
	names  map[timeseries.AssetKey]string
}

// NewMemoryProvider returns an empty, ready-to-use MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		points: make(map[timeseries.AssetKey][]timeseries.Point),
		names:  make(map[timeseries.AssetKey]string),
	}
}

// Load replaces an asset's full series. Points need not be pre-sorted.
func (m *MemoryProvider) Load(asset timeseries.AssetKey, displayName string, points []timeseries.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]timeseries.Point, len(points))
	copy(cp, points)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Timestamp.Before(cp[j].Timestamp) })
	m.points[asset] = cp
	m.names[asset] = displayName
}

// Append merges additional points into an asset's series, overwriting any
// existing point that shares the same date and keeping the result sorted.
func (m *MemoryProvider) Append(asset timeseries.AssetKey, points []timeseries.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.points[asset]
	byDate := make(map[time.Time]timeseries.Point, len(existing)+len(points))
	for _, p := range existing {
		byDate[p.Timestamp] = p
	}
	for _, p := range points {
		byDate[p.Timestamp] = p
	}
	merged := make([]timeseries.Point, 0, len(byDate))
	for _, p := range byDate {
		merged = append(merged, p)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp.Before(merged[j].Timestamp) })
	m.points[asset] = merged
}

// Series implements Provider.
func (m *MemoryProvider) Series(_ context.Context, asset timeseries.AssetKey, rng timeseries.DateRange) (timeseries.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all, ok := m.points[asset]
	if !ok {
		return nil, &Error{Asset: asset, Range: rng, Err: ErrUnknownAsset}
	}
	lo := sort.Search(len(all), func(i int) bool { return !all[i].Timestamp.Before(rng.Start) })
	hi := sort.Search(len(all), func(i int) bool { return all[i].Timestamp.After(rng.End) })
	out := make(timeseries.Series, hi-lo)
	copy(out, all[lo:hi])
	return out, nil
}

// ListAssets implements Provider.
func (m *MemoryProvider) ListAssets(_ context.Context) ([]AssetDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AssetDescriptor, 0, len(m.points))
	for asset, pts := range m.points {
		desc := AssetDescriptor{Key: asset, Kind: asset.Kind(), DisplayName: m.names[asset]}
		if len(pts) > 0 {
			desc.EarliestDate = pts[0].Timestamp
			desc.LatestDate = pts[len(pts)-1].Timestamp
		}
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}
