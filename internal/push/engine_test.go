package push

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/tm1ddleton/analytics-sub001/internal/dag"
	"github.com/tm1ddleton/analytics-sub001/internal/provider"
	"github.com/tm1ddleton/analytics-sub001/internal/pull"
	"github.com/tm1ddleton/analytics-sub001/internal/timeseries"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func almostEqual(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	return math.Abs(a-b) < 1e-10
}

func buildChain(t *testing.T) (*dag.DAG, dag.NodeID, dag.NodeID, dag.NodeID, timeseries.AssetKey) {
	t.Helper()
	aapl, err := timeseries.NewEquityKey("AAPL")
	if err != nil {
		t.Fatal(err)
	}
	g := dag.New()
	src, err := g.AddNode(dag.NodeDataProvider, dag.Params{Asset: aapl}, map[timeseries.AssetKey]struct{}{aapl: {}})
	if err != nil {
		t.Fatal(err)
	}
	ret, err := g.AddNode(dag.NodeReturns, dag.Params{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	vol, err := g.AddNode(dag.NodeVolatility, dag.Params{Window: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge(src, ret); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge(ret, vol); err != nil {
		t.Fatal(err)
	}
	return g, src, ret, vol, aapl
}

func TestPushRejectsBeforeInitialize(t *testing.T) {
	t.Parallel()
	g, _, _, _, aapl := buildChain(t)
	eng := New(g)
	if err := eng.Push(context.Background(), aapl, date(2024, 1, 2), 100); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("want ErrNotInitialized, got %v", err)
	}
}

// TestPushScenarioS2 mirrors spec §8 S2: after a second push, the returns
// subscriber receives exactly one point, and the source node's subscriber
// has received two points total, in order.
func TestPushScenarioS2(t *testing.T) {
	t.Parallel()
	g, src, ret, _, aapl := buildChain(t)
	eng := New(g)

	mem := provider.NewMemoryProvider()
	mem.Load(aapl, "Apple Inc.", nil) // no history; pure push scenario
	if err := eng.Initialize(context.Background(), mem, date(2024, 1, 1), 0); err != nil {
		t.Fatal(err)
	}

	var retPoints []timeseries.Point
	if _, err := eng.Subscribe(ret, func(p timeseries.Point) { retPoints = append(retPoints, p) }); err != nil {
		t.Fatal(err)
	}
	var srcPoints []timeseries.Point
	if _, err := eng.Subscribe(src, func(p timeseries.Point) { srcPoints = append(srcPoints, p) }); err != nil {
		t.Fatal(err)
	}

	if err := eng.Push(context.Background(), aapl, date(2024, 1, 2), 100); err != nil {
		t.Fatal(err)
	}
	// The first price has no predecessor, so the kernel's own NaN-for-
	// element-0 policy (spec §4.1) fires exactly once here.
	if len(retPoints) != 1 || !math.IsNaN(retPoints[0].Value) {
		t.Fatalf("expected one NaN returns point after the first push, got %v", retPoints)
	}

	if err := eng.Push(context.Background(), aapl, date(2024, 1, 3), 110); err != nil {
		t.Fatal(err)
	}

	if len(retPoints) != 2 {
		t.Fatalf("expected exactly one new returns point from the second push, got %d total: %v", len(retPoints), retPoints)
	}
	if !almostEqual(retPoints[1].Value, 0.0953101798) {
		t.Fatalf("returns value = %v, want ~0.09531", retPoints[1].Value)
	}
	if len(srcPoints) != 2 {
		t.Fatalf("expected 2 source points, got %d", len(srcPoints))
	}
	if srcPoints[0].Value != 100 || srcPoints[1].Value != 110 {
		t.Fatalf("source points out of order: %+v", srcPoints)
	}
}

// TestPushScenarioS3 mirrors spec §8 S3: a second push with an earlier
// timestamp is rejected as OutOfOrder and changes no state.
func TestPushScenarioS3(t *testing.T) {
	t.Parallel()
	g, src, _, _, aapl := buildChain(t)
	eng := New(g)
	mem := provider.NewMemoryProvider()
	mem.Load(aapl, "Apple Inc.", nil)
	if err := eng.Initialize(context.Background(), mem, date(2024, 1, 1), 0); err != nil {
		t.Fatal(err)
	}

	if err := eng.Push(context.Background(), aapl, date(2024, 1, 3), 100); err != nil {
		t.Fatal(err)
	}
	beforeLen := len(eng.History(src))

	err := eng.Push(context.Background(), aapl, date(2024, 1, 2), 99)
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("want ErrOutOfOrder, got %v", err)
	}
	if len(eng.History(src)) != beforeLen {
		t.Fatalf("history mutated on rejected push")
	}
}

// TestPushFailureIsolation mirrors spec §8 S6: a node type the engine
// cannot dispatch (standing in for "a custom node type that raises on
// every invocation") must mark itself and its descendants Failed/skipped
// for the wave, while a sibling branch of equal rank updates normally, and
// the failed node must be retried (not permanently stuck) on a later push.
func TestPushFailureIsolation(t *testing.T) {
	t.Parallel()
	aapl, _ := timeseries.NewEquityKey("AAPL")
	msft, _ := timeseries.NewEquityKey("MSFT")
	g := dag.New()
	srcA, _ := g.AddNode(dag.NodeDataProvider, dag.Params{Asset: aapl}, map[timeseries.AssetKey]struct{}{aapl: {}})
	srcB, _ := g.AddNode(dag.NodeDataProvider, dag.Params{Asset: msft}, map[timeseries.AssetKey]struct{}{msft: {}})
	faulty, _ := g.AddNode(dag.NodeType("always_fails"), dag.Params{}, nil)
	faultyChild, _ := g.AddNode(dag.NodeType("always_fails"), dag.Params{}, nil)
	retB, _ := g.AddNode(dag.NodeReturns, dag.Params{}, nil)
	if err := g.AddEdge(srcA, faulty); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge(faulty, faultyChild); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge(srcB, retB); err != nil {
		t.Fatal(err)
	}

	eng := New(g)
	mem := provider.NewMemoryProvider()
	mem.Load(aapl, "Apple", nil)
	mem.Load(msft, "Microsoft", nil)
	if err := eng.Initialize(context.Background(), mem, date(2024, 1, 1), 0); err != nil {
		t.Fatal(err)
	}

	if err := eng.Push(context.Background(), aapl, date(2024, 1, 2), 100); err != nil {
		t.Fatal(err)
	}
	if err := eng.Push(context.Background(), msft, date(2024, 1, 2), 200); err != nil {
		t.Fatal(err)
	}
	if err := eng.Push(context.Background(), aapl, date(2024, 1, 3), 110); err != nil {
		t.Fatal(err)
	}
	if err := eng.Push(context.Background(), msft, date(2024, 1, 3), 210); err != nil {
		t.Fatal(err)
	}

	if lc, reason := eng.State(faulty); lc != Failed || reason == "" {
		t.Fatalf("faulty state = %v (reason %q), want Failed with a reason", lc, reason)
	}
	// faultyChild is reset out of Failed (its last wave's terminal state)
	// eagerly at the start of each wave touching it, then never recomputed
	// because its parent fails again every wave — it never produces a point.
	if lc, _ := eng.State(faultyChild); lc == Failed {
		t.Fatalf("faultyChild state = %v, should have been reset off Failed for retry", lc)
	}
	if len(eng.History(faultyChild)) != 0 {
		t.Fatalf("faultyChild history should stay empty (always skipped), got %d entries", len(eng.History(faultyChild)))
	}
	if lc, _ := eng.State(retB); lc != Ready {
		t.Fatalf("retB state = %v, want Ready", lc)
	}
	if len(eng.History(retB)) != 2 {
		t.Fatalf("expected two returns points on the unrelated branch, got %d", len(eng.History(retB)))
	}
}

// TestPushPullEquivalence is spec §8 property 5: push-replaying a series
// must numerically match a pull over the same range, within 1e-10.
func TestPushPullEquivalence(t *testing.T) {
	t.Parallel()
	g, _, _, vol, aapl := buildChain(t)

	prices := []float64{100, 110, 99, 108.9, 105, 112.3, 98.5, 120, 119, 121.4}
	start := date(2024, 1, 2)
	points := make([]timeseries.Point, len(prices))
	for i, p := range prices {
		points[i] = timeseries.NewPoint(start.AddDate(0, 0, i), p)
	}

	pullProvider := provider.NewMemoryProvider()
	pullProvider.Load(aapl, "Apple Inc.", points)

	pullEng := pull.New(g)
	rng, err := timeseries.NewDateRange(start, start.AddDate(0, 0, len(prices)-1))
	if err != nil {
		t.Fatal(err)
	}
	pulled, err := pullEng.Execute(context.Background(), vol, rng, pullProvider)
	if err != nil {
		t.Fatal(err)
	}

	pushProvider := provider.NewMemoryProvider()
	pushProvider.Load(aapl, "Apple Inc.", nil) // no warm-up history
	pushEng := New(g)
	if err := pushEng.Initialize(context.Background(), pushProvider, start.AddDate(0, 0, -1), 0); err != nil {
		t.Fatal(err)
	}
	for _, pt := range points {
		if err := pushEng.Push(context.Background(), aapl, pt.Timestamp, pt.Value); err != nil {
			t.Fatalf("push %v: %v", pt, err)
		}
	}
	replayed := pushEng.History(vol)

	if len(pulled) != len(replayed) {
		t.Fatalf("len pulled=%d replayed=%d", len(pulled), len(replayed))
	}
	for i := range pulled {
		if !almostEqual(pulled[i].Value, replayed[i].Value) {
			t.Fatalf("index %d: pull=%v push=%v", i, pulled[i].Value, replayed[i].Value)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	g, _, ret, _, aapl := buildChain(t)
	eng := New(g)
	mem := provider.NewMemoryProvider()
	mem.Load(aapl, "Apple", nil)
	if err := eng.Initialize(context.Background(), mem, date(2024, 1, 1), 0); err != nil {
		t.Fatal(err)
	}

	count := 0
	h, err := eng.Subscribe(ret, func(timeseries.Point) { count++ })
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Push(context.Background(), aapl, date(2024, 1, 2), 100); err != nil {
		t.Fatal(err)
	}
	eng.Unsubscribe(ret, h)
	if err := eng.Push(context.Background(), aapl, date(2024, 1, 3), 110); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("count=%d, want 1 (unsubscribed before second push)", count)
	}
}

func TestReturnsNodeOwnsTheRingBuffer(t *testing.T) {
	t.Parallel()
	g, _, ret, vol, _ := buildChain(t)
	eng := New(g)

	retState := eng.states[ret]
	if retState.Buffer == nil {
		t.Fatalf("returns node should carry a buffer sized by its volatility child's window")
	}
	if got := retState.Buffer.Cap(); got != 2 {
		t.Fatalf("returns node buffer capacity = %d, want 2 (volatility window)", got)
	}

	volState := eng.states[vol]
	if volState.Buffer != nil {
		t.Fatalf("volatility node has no children and should carry no buffer")
	}
}

func TestReturnsBufferFedFromMultipleVolatilityWindows(t *testing.T) {
	t.Parallel()
	aapl, err := timeseries.NewEquityKey("AAPL")
	if err != nil {
		t.Fatal(err)
	}
	g := dag.New()
	src, err := g.AddNode(dag.NodeDataProvider, dag.Params{Asset: aapl}, map[timeseries.AssetKey]struct{}{aapl: {}})
	if err != nil {
		t.Fatal(err)
	}
	ret, err := g.AddNode(dag.NodeReturns, dag.Params{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	volShort, err := g.AddNode(dag.NodeVolatility, dag.Params{Window: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	volLong, err := g.AddNode(dag.NodeVolatility, dag.Params{Window: 5}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge(src, ret); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge(ret, volShort); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge(ret, volLong); err != nil {
		t.Fatal(err)
	}

	eng := New(g)
	if got := eng.states[ret].Buffer.Cap(); got != 5 {
		t.Fatalf("returns node buffer capacity = %d, want 5 (max of its volatility children's windows)", got)
	}
}
