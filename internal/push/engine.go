// Package push implements the stateful incremental evaluator (spec §4.5):
// a pushed (asset, timestamp, value) triple recomputes only the affected
// subgraph, rolling-window state advances by one step, and per-node
// subscribers are notified in topological order.
package push

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/tm1ddleton/analytics-sub001/internal/dag"
	"github.com/tm1ddleton/analytics-sub001/internal/kernel"
	"github.com/tm1ddleton/analytics-sub001/internal/metrics"
	"github.com/tm1ddleton/analytics-sub001/internal/provider"
	"github.com/tm1ddleton/analytics-sub001/internal/pull"
	"github.com/tm1ddleton/analytics-sub001/internal/timeseries"
)

// Sentinel errors per spec §7's taxonomy.
var (
	ErrNotInitialized = errors.New("push: engine not initialized")
	ErrOutOfOrder     = errors.New("push: timestamp out of order")
	ErrInvalidData    = errors.New("push: invalid value")
)

// Callback receives each point a node produces during a push wave.
type Callback func(timeseries.Point)

// SubscriptionHandle identifies a registered callback for Unsubscribe.
type SubscriptionHandle int64

type subscription struct {
	handle SubscriptionHandle
	cb     Callback
}

// Engine is a stateful push-mode evaluator constructed over a single DAG,
// which it owns the node push-state of. An Engine instance is
// single-threaded with respect to itself: Push serializes internally so
// that one propagation wave completes before the next begins.
type Engine struct {
	mu          sync.Mutex
	graph       *dag.DAG
	states      map[dag.NodeID]*NodeState
	subscribers map[dag.NodeID][]subscription
	nextHandle  int64
	initialized bool
	metrics     *metrics.Metrics
}

// New constructs a push Engine over graph, taking ownership of it for
// push-mode purposes. graph may still be read by a pull.Engine
// concurrently — per spec §3 invariant 6, pull never mutates push state.
func New(graph *dag.DAG) *Engine {
	states := make(map[dag.NodeID]*NodeState, len(graph.Nodes()))
	for _, id := range graph.Nodes() {
		capacity, _ := bufferCapacity(graph, id)
		states[id] = newNodeState(capacity)
	}
	return &Engine{
		graph:       graph,
		states:      states,
		subscribers: make(map[dag.NodeID][]subscription),
	}
}

// SetMetrics attaches a metrics sink that Push uses to record wave
// latency and node failures. A nil sink (the default) disables recording.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}

// IsInitialized reports whether Initialize has completed successfully.
func (e *Engine) IsInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// Initialize warms every node's state from provider history ending at
// endDate, per spec §4.5. The required lookback is the maximum, over all
// nodes, of that node's buffer capacity plus its ancestor burn-in cost,
// bounded from below by lookbackDays.
func (e *Engine) Initialize(ctx context.Context, p provider.Provider, endDate time.Time, lookbackDays int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	required := lookbackDays
	for _, id := range e.graph.Nodes() {
		cost, err := e.requiredLookback(id)
		if err != nil {
			return err
		}
		if cost > required {
			required = cost
		}
	}

	warmupRange, err := timeseries.NewDateRange(endDate, endDate)
	if err != nil {
		return err
	}
	warmupRange = warmupRange.ExtendBackward(required)

	// Each node is warmed up independently so that one node's failure (a
	// provider outage for its asset, an unsupported node type) doesn't
	// block every other node from initializing; a node that fails here
	// starts in Failed and is retried on its first push, per spec §3.
	puller := pull.New(e.graph)
	for _, id := range e.graph.TopologicalOrder() {
		series, err := puller.Execute(ctx, id, warmupRange, p)
		if err != nil {
			e.states[id].Lifecycle = Failed
			e.states[id].FailureReason = err.Error()
			log.Printf("push: node %d failed warm-up: %v", id, err)
			continue
		}
		e.states[id].seed(series)
	}
	e.initialized = true
	log.Printf("push: engine initialized through %s (lookback=%d days)", endDate.Format("2006-01-02"), required)
	return nil
}

// requiredLookback computes one node's buffer capacity plus the longest
// ancestor burn-in path feeding it (spec §4.4 step 1, reused verbatim for
// warm-up by spec §4.5).
func (e *Engine) requiredLookback(id dag.NodeID) (int, error) {
	if _, err := e.graph.Node(id); err != nil {
		return 0, err
	}
	costs := make(map[dag.NodeID]int)
	var walk func(dag.NodeID) (int, error)
	walk = func(cur dag.NodeID) (int, error) {
		if v, ok := costs[cur]; ok {
			return v, nil
		}
		cn, err := e.graph.Node(cur)
		if err != nil {
			return 0, err
		}
		parents, err := e.graph.Parents(cur)
		if err != nil {
			return 0, err
		}
		best := 0
		for _, parent := range parents {
			v, err := walk(parent)
			if err != nil {
				return 0, err
			}
			if v > best {
				best = v
			}
		}
		total := best + cn.Type.BurnInDays(cn.Params)
		costs[cur] = total
		return total, nil
	}
	burnIn, err := walk(id)
	if err != nil {
		return 0, err
	}
	capacity, err := bufferCapacity(e.graph, id)
	if err != nil {
		return 0, err
	}
	return burnIn + capacity, nil
}

// bufferCapacity sizes id's rolling buffer to the largest window any direct
// volatility child reads from it. A volatility node's parent is always the
// returns node feeding it, so the trailing-value buffer belongs on the
// producer: a volatility node itself has no children and nothing would ever
// read a buffer attached to it.
func bufferCapacity(g *dag.DAG, id dag.NodeID) (int, error) {
	children, err := g.Children(id)
	if err != nil {
		return 0, err
	}
	capacity := 0
	for _, childID := range children {
		child, err := g.Node(childID)
		if err != nil {
			return 0, err
		}
		if child.Type == dag.NodeVolatility && child.Params.Window > capacity {
			capacity = child.Params.Window
		}
	}
	return capacity, nil
}

// Push ingests one (asset, timestamp, value) observation, propagating it
// through every node whose asset set contains asset, and transitively
// through their descendants, in topological order.
func (e *Engine) Push(ctx context.Context, asset timeseries.AssetKey, ts time.Time, value float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	waveStart := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.ObservePushWave(asset.Kind().String(), time.Since(waveStart))
		}
	}()

	if !e.initialized {
		return ErrNotInitialized
	}
	if math.IsNaN(value) || value < 0 {
		return fmt.Errorf("%w: value %v", ErrInvalidData, value)
	}
	if ts.IsZero() {
		return fmt.Errorf("%w: timestamp is zero", ErrInvalidData)
	}
	ts = ts.UTC()

	affected, err := e.affectedSubgraph(asset)
	if err != nil {
		return err
	}
	for _, id := range affected {
		if last, ok := e.states[id].LastComputedTimestamp(); ok && !ts.After(last) {
			return fmt.Errorf("%w: node %d last computed at %s, pushed %s", ErrOutOfOrder, id, last, ts)
		}
	}

	// A node Failed on a previous push becomes eligible again on this one.
	for _, id := range affected {
		if e.states[id].Lifecycle == Failed {
			e.states[id].Lifecycle = Ready
		}
	}

	skipped := make(map[dag.NodeID]bool, len(affected))
	order := e.topoRestricted(affected)
	for _, id := range order {
		n, err := e.graph.Node(id)
		if err != nil {
			return err
		}
		parents, err := e.graph.Parents(id)
		if err != nil {
			return err
		}
		if anyParentFailedOrSkipped(parents, e.states, skipped) {
			skipped[id] = true
			continue
		}

		st := e.states[id]
		st.Lifecycle = Computing

		pt, produced, failErr := e.computeNode(n, parents, asset, ts, value)
		if failErr != nil {
			st.Lifecycle = Failed
			st.FailureReason = failErr.Error()
			skipped[id] = true
			if e.metrics != nil {
				e.metrics.RecordPushFailure(string(n.Type))
			}
			log.Printf("push: node %d failed: %v (descendants skipped this wave)", id, failErr)
			continue
		}
		if !produced {
			// Node is not directly affected by this asset and has no
			// parent output this wave (shouldn't occur for nodes in the
			// affected subgraph, but guards against malformed custom
			// node types).
			continue
		}
		if err := st.appendPoint(pt); err != nil {
			st.Lifecycle = Failed
			st.FailureReason = err.Error()
			skipped[id] = true
			continue
		}
		if st.Buffer != nil {
			st.Buffer.Push(pt.Value)
		}
		st.Lifecycle = Ready
		e.notify(id, pt)
	}
	return nil
}

// computeNode runs one node's kernel for this push wave. The returned bool
// is false only when the node neither is a source for this asset nor has a
// usable parent output (never expected in a well-formed DAG).
func (e *Engine) computeNode(n *dag.Node, parents []dag.NodeID, asset timeseries.AssetKey, ts time.Time, value float64) (timeseries.Point, bool, error) {
	switch n.Type {
	case dag.NodeDataProvider:
		if !n.HasAsset(asset) {
			return timeseries.Point{}, false, nil
		}
		return timeseries.NewPoint(ts, value), true, nil
	case dag.NodeReturns:
		if len(parents) != 1 {
			return timeseries.Point{}, false, fmt.Errorf("returns node %d must have exactly one parent", n.ID)
		}
		parentState := e.states[parents[0]]
		latest, ok := parentState.Latest()
		if !ok {
			return timeseries.Point{}, false, fmt.Errorf("returns node %d: parent has no output yet", n.ID)
		}
		prev, hasPrev := previousValue(parentState)
		var result float64
		if !hasPrev {
			result = math.NaN()
		} else {
			result = kernel.Returns([]float64{prev, latest.Value})[1]
		}
		return timeseries.NewPoint(ts, result), true, nil
	case dag.NodeVolatility:
		if len(parents) != 1 {
			return timeseries.Point{}, false, fmt.Errorf("volatility node %d must have exactly one parent", n.ID)
		}
		parentState := e.states[parents[0]]
		if _, ok := parentState.Latest(); !ok {
			return timeseries.Point{}, false, fmt.Errorf("volatility node %d: parent has no output yet", n.ID)
		}
		window := n.Params.Window
		history := windowTail(parentState, window)
		vol := kernel.Volatility(history, window)
		return timeseries.NewPoint(ts, vol[len(vol)-1]), true, nil
	default:
		return timeseries.Point{}, false, fmt.Errorf("node %d has unsupported type %q", n.ID, n.Type)
	}
}

// previousValue returns the value appended immediately before the parent's
// current latest entry, i.e. the second-to-last history entry.
func previousValue(st *NodeState) (float64, bool) {
	if len(st.history) < 2 {
		return 0, false
	}
	return st.history[len(st.history)-2].Value, true
}

// windowTail returns the parent's trailing values ending at the current
// push. With a rolling buffer (which already includes the value just
// appended this wave) it returns the whole buffer, which can hold more than
// `window` values when a sibling volatility node has a larger window; the
// caller's kernel reads only the last `window` of them. Without a buffer it
// returns the last `window` entries of the parent's history.
func windowTail(parentState *NodeState, window int) []float64 {
	if parentState.Buffer != nil {
		return parentState.Buffer.AsSliceInOrder()
	}
	n := len(parentState.history)
	lo := n - window
	if lo < 0 {
		lo = 0
	}
	return parentState.history[lo:].Values()
}

func anyParentFailedOrSkipped(parents []dag.NodeID, states map[dag.NodeID]*NodeState, skipped map[dag.NodeID]bool) bool {
	for _, p := range parents {
		if skipped[p] || states[p].Lifecycle == Failed {
			return true
		}
	}
	return false
}

// affectedSubgraph returns, in no particular order, every node whose
// direct asset set contains asset, unioned with all of their descendants.
func (e *Engine) affectedSubgraph(asset timeseries.AssetKey) ([]dag.NodeID, error) {
	include := make(map[dag.NodeID]bool)
	for _, id := range e.graph.Nodes() {
		n, err := e.graph.Node(id)
		if err != nil {
			return nil, err
		}
		if n.HasAsset(asset) {
			include[id] = true
			descendants, err := e.graph.Descendants(id)
			if err != nil {
				return nil, err
			}
			for _, d := range descendants {
				include[d] = true
			}
		}
	}
	out := make([]dag.NodeID, 0, len(include))
	for id := range include {
		out = append(out, id)
	}
	return out, nil
}

// topoRestricted returns the full topological order filtered down to the
// given node set, preserving relative order.
func (e *Engine) topoRestricted(ids []dag.NodeID) []dag.NodeID {
	include := make(map[dag.NodeID]bool, len(ids))
	for _, id := range ids {
		include[id] = true
	}
	full := e.graph.TopologicalOrder()
	out := make([]dag.NodeID, 0, len(ids))
	for _, id := range full {
		if include[id] {
			out = append(out, id)
		}
	}
	return out
}

// notify invokes id's subscribers, in registration order, with pt.
// Subscriber panics are caught, logged, and do not interrupt propagation.
func (e *Engine) notify(id dag.NodeID, pt timeseries.Point) {
	for _, sub := range e.subscribers[id] {
		e.invokeSafely(sub.cb, pt)
	}
}

func (e *Engine) invokeSafely(cb Callback, pt timeseries.Point) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("push: subscriber panicked: %v", r)
		}
	}()
	cb(pt)
}

// Subscribe registers cb to be called with each new point id produces.
func (e *Engine) Subscribe(id dag.NodeID, cb Callback) (SubscriptionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.graph.Node(id); err != nil {
		return 0, err
	}
	e.nextHandle++
	h := SubscriptionHandle(e.nextHandle)
	e.subscribers[id] = append(e.subscribers[id], subscription{handle: h, cb: cb})
	return h, nil
}

// Unsubscribe removes a previously registered callback.
func (e *Engine) Unsubscribe(id dag.NodeID, h SubscriptionHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.subscribers[id]
	for i, s := range subs {
		if s.handle == h {
			e.subscribers[id] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Latest returns id's most recent point, and false if it has none yet.
func (e *Engine) Latest(id dag.NodeID) (timeseries.Point, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[id].Latest()
}

// History returns a copy of id's full produced series so far.
func (e *Engine) History(id dag.NodeID) timeseries.Series {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[id].History()
}

// State returns id's current lifecycle tag and, if Failed, the reason.
func (e *Engine) State(id dag.NodeID) (Lifecycle, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.states[id]
	return st.Lifecycle, st.FailureReason
}
