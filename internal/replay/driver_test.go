package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tm1ddleton/analytics-sub001/internal/provider"
	"github.com/tm1ddleton/analytics-sub001/internal/timeseries"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// TestRunOrdersGloballyByTimestampThenAsset mirrors spec §8 S4: interleaved
// dates across two assets are delivered strictly by timestamp, ties broken
// by asset key.
func TestRunOrdersGloballyByTimestampThenAsset(t *testing.T) {
	t.Parallel()
	aapl, _ := timeseries.NewEquityKey("AAPL")
	msft, _ := timeseries.NewEquityKey("MSFT")
	mem := provider.NewMemoryProvider()
	mem.Load(aapl, "Apple", []timeseries.Point{
		timeseries.NewPoint(date(2024, 1, 2), 100),
		timeseries.NewPoint(date(2024, 1, 4), 102),
	})
	mem.Load(msft, "Microsoft", []timeseries.Point{
		timeseries.NewPoint(date(2024, 1, 2), 200),
		timeseries.NewPoint(date(2024, 1, 3), 201),
	})
	rng, err := timeseries.NewDateRange(date(2024, 1, 2), date(2024, 1, 4))
	if err != nil {
		t.Fatal(err)
	}

	var order []timeseries.AssetKey
	var timestamps []time.Time
	drv := New()
	summary, err := drv.Run(context.Background(), []timeseries.AssetKey{aapl, msft}, rng, 0, mem,
		func(asset timeseries.AssetKey, ts time.Time, value float64) error {
			order = append(order, asset)
			timestamps = append(timestamps, ts)
			return nil
		}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if summary.Status != StatusCompleted || summary.Total != 4 || summary.Successful != 4 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	wantOrder := []timeseries.AssetKey{aapl, msft, msft, aapl}
	for i, want := range wantOrder {
		if order[i] != want {
			t.Fatalf("index %d: asset = %v, want %v (full order %v)", i, order[i], want, order)
		}
	}
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i].Before(timestamps[i-1]) {
			t.Fatalf("timestamps out of order at %d: %v", i, timestamps)
		}
	}
}

func TestRunReportsNoData(t *testing.T) {
	t.Parallel()
	aapl, _ := timeseries.NewEquityKey("AAPL")
	mem := provider.NewMemoryProvider()
	mem.Load(aapl, "Apple", nil)
	rng, _ := timeseries.NewDateRange(date(2024, 1, 2), date(2024, 1, 4))

	drv := New()
	summary, err := drv.Run(context.Background(), []timeseries.AssetKey{aapl}, rng, 0, mem,
		func(timeseries.AssetKey, time.Time, float64) error { return nil }, nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Status != StatusNoData || summary.Total != 0 {
		t.Fatalf("summary = %+v, want NoData/0", summary)
	}
}

// TestRunCountsFailuresWithoutAborting mirrors spec §7: a per-point onPoint
// error increments the failure counter and the run continues.
func TestRunCountsFailuresWithoutAborting(t *testing.T) {
	t.Parallel()
	aapl, _ := timeseries.NewEquityKey("AAPL")
	mem := provider.NewMemoryProvider()
	mem.Load(aapl, "Apple", []timeseries.Point{
		timeseries.NewPoint(date(2024, 1, 2), 100),
		timeseries.NewPoint(date(2024, 1, 3), 101),
		timeseries.NewPoint(date(2024, 1, 4), 102),
	})
	rng, _ := timeseries.NewDateRange(date(2024, 1, 2), date(2024, 1, 4))

	calls := 0
	drv := New()
	summary, err := drv.Run(context.Background(), []timeseries.AssetKey{aapl}, rng, 0, mem,
		func(asset timeseries.AssetKey, ts time.Time, value float64) error {
			calls++
			if calls == 2 {
				return errors.New("boom")
			}
			return nil
		}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 3 || summary.Successful != 2 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if calls != 3 {
		t.Fatalf("expected the run to continue past the failing point, got %d calls", calls)
	}
}

func TestRunStopsCooperatively(t *testing.T) {
	t.Parallel()
	aapl, _ := timeseries.NewEquityKey("AAPL")
	mem := provider.NewMemoryProvider()
	points := make([]timeseries.Point, 5)
	for i := range points {
		points[i] = timeseries.NewPoint(date(2024, 1, 2).AddDate(0, 0, i), float64(100+i))
	}
	mem.Load(aapl, "Apple", points)
	rng, _ := timeseries.NewDateRange(points[0].Timestamp, points[len(points)-1].Timestamp)

	drv := New()
	calls := 0
	summary, err := drv.Run(context.Background(), []timeseries.AssetKey{aapl}, rng, 0, mem,
		func(asset timeseries.AssetKey, ts time.Time, value float64) error {
			calls++
			if calls == 2 {
				drv.Stop()
			}
			return nil
		}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Status != StatusStopped {
		t.Fatalf("status = %v, want Stopped", summary.Status)
	}
	if calls >= len(points) {
		t.Fatalf("expected the run to stop before exhausting all %d points, got %d calls", len(points), calls)
	}
}

func TestRunInvokesProgressPerPoint(t *testing.T) {
	t.Parallel()
	aapl, _ := timeseries.NewEquityKey("AAPL")
	mem := provider.NewMemoryProvider()
	mem.Load(aapl, "Apple", []timeseries.Point{
		timeseries.NewPoint(date(2024, 1, 2), 100),
		timeseries.NewPoint(date(2024, 1, 3), 101),
	})
	rng, _ := timeseries.NewDateRange(date(2024, 1, 2), date(2024, 1, 3))

	var progress []time.Time
	drv := New()
	if _, err := drv.Run(context.Background(), []timeseries.AssetKey{aapl}, rng, 0, mem,
		func(timeseries.AssetKey, time.Time, float64) error { return nil },
		func(ts time.Time) { progress = append(progress, ts) }); err != nil {
		t.Fatal(err)
	}
	if len(progress) != 2 {
		t.Fatalf("progress calls = %d, want 2", len(progress))
	}
}
