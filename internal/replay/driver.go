// Package replay implements the replay driver (spec §4.6): it loads one or
// more assets' historical series, merges them into a single
// globally-timestamp-ordered sequence, and feeds each point to a caller
// supplied sink at a configured pace, the way the teacher's network poller
// drives a periodic fetch loop but over pre-loaded historical data instead
// of live polling.
package replay

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tm1ddleton/analytics-sub001/internal/provider"
	"github.com/tm1ddleton/analytics-sub001/internal/timeseries"
)

// OnPoint is invoked once per merged point, in global timestamp order. An
// error increments the run's failure counter but never aborts the replay,
// per spec §7's per-point propagation policy.
type OnPoint func(asset timeseries.AssetKey, ts time.Time, value float64) error

// OnProgress is invoked after each point (successful or failed) with the
// timestamp just processed, so a caller can track a cursor.
type OnProgress func(ts time.Time)

// Status reports how a run ended.
type Status int

const (
	StatusCompleted Status = iota
	StatusNoData
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusNoData:
		return "no_data"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Summary reports the outcome of one Run call.
type Summary struct {
	Status         Status
	Total          int
	Successful     int
	Failed         int
	Elapsed        time.Duration
	FirstTimestamp time.Time
	LastTimestamp  time.Time
}

type mergedPoint struct {
	asset timeseries.AssetKey
	pt    timeseries.Point
}

// Driver replays historical points through onPoint at a configured pace.
// A Driver is single-use: construct a fresh one per run. The zero value is
// not ready for use; construct with New.
type Driver struct {
	stopped atomic.Bool
}

// New returns a ready-to-run Driver.
func New() *Driver {
	return &Driver{}
}

// Stop cooperatively requests an early return. Checked between points, per
// spec §5's cancellation model; does not interrupt an in-flight onPoint
// call.
func (d *Driver) Stop() {
	d.stopped.Store(true)
}

// Run loads assets over rng from p, merges their points into strict
// timestamp order (ties broken by asset key, per spec §8 S4), and feeds
// each one to onPoint, waiting delay between points. It returns NoData
// immediately if the merged sequence is empty, and Stopped if Stop or ctx
// cancellation is observed between points.
func (d *Driver) Run(ctx context.Context, assets []timeseries.AssetKey, rng timeseries.DateRange, delay time.Duration, p provider.Provider, onPoint OnPoint, onProgress OnProgress) (Summary, error) {
	start := time.Now()
	merged, err := d.load(ctx, assets, rng, p)
	if err != nil {
		return Summary{}, err
	}
	if len(merged) == 0 {
		log.Printf("replay: no data for %d asset(s) over %s", len(assets), rng)
		return Summary{Status: StatusNoData, Elapsed: time.Since(start)}, nil
	}

	limiter := rate.NewLimiter(rate.Every(delay), 1)
	// Spend the limiter's initial burst token so the gap after the first
	// point is paced like every later one.
	limiter.Allow()
	summary := Summary{
		Total:          len(merged),
		FirstTimestamp: merged[0].pt.Timestamp,
		LastTimestamp:  merged[len(merged)-1].pt.Timestamp,
	}

	for i, m := range merged {
		if d.stopped.Load() || ctx.Err() != nil {
			summary.Status = StatusStopped
			summary.Elapsed = time.Since(start)
			log.Printf("replay: stopped after %d/%d points", i, len(merged))
			return summary, nil
		}

		if err := onPoint(m.asset, m.pt.Timestamp, m.pt.Value); err != nil {
			summary.Failed++
			log.Printf("replay: push failed for %s at %s: %v", m.asset, m.pt.Timestamp.Format("2006-01-02"), err)
		} else {
			summary.Successful++
		}
		if onProgress != nil {
			onProgress(m.pt.Timestamp)
		}

		if i < len(merged)-1 {
			if err := limiter.Wait(ctx); err != nil {
				summary.Status = StatusStopped
				summary.Elapsed = time.Since(start)
				return summary, nil
			}
		}
	}

	summary.Status = StatusCompleted
	summary.Elapsed = time.Since(start)
	return summary, nil
}

// load fetches every asset's series over rng and merges them into a single
// timestamp-sorted sequence, ties broken by asset key.
func (d *Driver) load(ctx context.Context, assets []timeseries.AssetKey, rng timeseries.DateRange, p provider.Provider) ([]mergedPoint, error) {
	var merged []mergedPoint
	for _, asset := range assets {
		series, err := p.Series(ctx, asset, rng)
		if err != nil {
			return nil, fmt.Errorf("replay: load %s: %w", asset, err)
		}
		for _, pt := range series {
			merged = append(merged, mergedPoint{asset: asset, pt: pt})
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].pt.Timestamp.Equal(merged[j].pt.Timestamp) {
			return merged[i].pt.Timestamp.Before(merged[j].pt.Timestamp)
		}
		return merged[i].asset.String() < merged[j].asset.String()
	})
	return merged, nil
}
