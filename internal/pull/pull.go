// Package pull implements the stateless batch evaluator (spec §4.4): given
// a target node and a date range, it resolves burn-in, queries the
// provider for source nodes, and replays the DAG's kernels over an aligned
// date grid, all within the scope of a single call (no cross-query cache).
package pull

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tm1ddleton/analytics-sub001/internal/dag"
	"github.com/tm1ddleton/analytics-sub001/internal/kernel"
	"github.com/tm1ddleton/analytics-sub001/internal/provider"
	"github.com/tm1ddleton/analytics-sub001/internal/timeseries"
)

// Engine evaluates a DAG in pull mode against a Provider. An Engine is
// stateless across calls: it never mutates push-mode node state and holds
// no cache beyond the lifetime of a single Execute* call.
type Engine struct {
	graph *dag.DAG
}

// New returns a pull Engine over graph. The same *dag.DAG may also be
// handed to a push.Engine; per spec §3 invariant 6, pull calls never touch
// push-mode state.
func New(graph *dag.DAG) *Engine {
	return &Engine{graph: graph}
}

// Execute runs a single target node over range, extending the range
// backward for burn-in and returning the series filtered back to the
// originally requested range.
func (e *Engine) Execute(ctx context.Context, target dag.NodeID, rng timeseries.DateRange, p provider.Provider) (timeseries.Series, error) {
	results, err := e.ExecuteMany(ctx, []dag.NodeID{target}, rng, p)
	if err != nil {
		return nil, err
	}
	return results[target], nil
}

// ExecuteMany evaluates several target nodes over the same provider and
// range, sharing ancestor work across targets and running
// ancestor-disjoint roots in parallel via errgroup.
func (e *Engine) ExecuteMany(ctx context.Context, targets []dag.NodeID, rng timeseries.DateRange, p provider.Provider) (map[dag.NodeID]timeseries.Series, error) {
	order, err := e.graph.SubgraphFrom(targets)
	if err != nil {
		return nil, err
	}

	burnIn, err := e.totalBurnIn(targets)
	if err != nil {
		return nil, err
	}
	extended := rng.ExtendBackward(burnIn)

	cache := make(map[dag.NodeID]timeseries.Series, len(order))
	var grid []time.Time

	// Source nodes (data_provider) are independent of each other and the
	// natural unit of parallelism: fetch them concurrently, then derive
	// the grid as the union of every source's dates.
	sources := make([]dag.NodeID, 0, len(order))
	for _, id := range order {
		n, err := e.graph.Node(id)
		if err != nil {
			return nil, err
		}
		if n.Type == dag.NodeDataProvider {
			sources = append(sources, id)
		}
	}

	fetched := make(map[dag.NodeID]timeseries.Series, len(sources))
	grp, gctx := errgroup.WithContext(ctx)
	results := make([]timeseries.Series, len(sources))
	for i, id := range sources {
		i, id := i, id
		grp.Go(func() error {
			n, err := e.graph.Node(id)
			if err != nil {
				return err
			}
			series, err := p.Series(gctx, n.Params.Asset, extended)
			if err != nil {
				return fmt.Errorf("pull: source node %d: %w", id, err)
			}
			results[i] = series
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	for i, id := range sources {
		fetched[id] = results[i]
	}

	grid = unionGrid(fetched)
	for _, id := range sources {
		cache[id] = materializeOnGrid(fetched[id], grid)
	}

	for _, id := range order {
		if _, done := cache[id]; done {
			continue
		}
		n, err := e.graph.Node(id)
		if err != nil {
			return nil, err
		}
		parents, err := e.graph.Parents(id)
		if err != nil {
			return nil, err
		}
		series, err := evaluateDerived(n, parents, cache, grid)
		if err != nil {
			return nil, err
		}
		cache[id] = series
	}

	out := make(map[dag.NodeID]timeseries.Series, len(targets))
	for _, target := range targets {
		out[target] = filterToRange(cache[target], rng)
	}
	return out, nil
}

// totalBurnIn sums each node type's additive burn-in cost along the
// longest ancestor path feeding any of targets, per spec §4.4 step 1.
func (e *Engine) totalBurnIn(targets []dag.NodeID) (int, error) {
	memo := make(map[dag.NodeID]int)
	var longest func(id dag.NodeID) (int, error)
	longest = func(id dag.NodeID) (int, error) {
		if v, ok := memo[id]; ok {
			return v, nil
		}
		n, err := e.graph.Node(id)
		if err != nil {
			return 0, err
		}
		parents, err := e.graph.Parents(id)
		if err != nil {
			return 0, err
		}
		best := 0
		for _, p := range parents {
			pCost, err := longest(p)
			if err != nil {
				return 0, err
			}
			if pCost > best {
				best = pCost
			}
		}
		total := best + n.Type.BurnInDays(n.Params)
		memo[id] = total
		return total, nil
	}

	max := 0
	for _, t := range targets {
		cost, err := longest(t)
		if err != nil {
			return 0, err
		}
		if cost > max {
			max = cost
		}
	}
	return max, nil
}

// unionGrid builds the sorted union of dates across every source series.
// If there is only one source, its own dates are the grid.
func unionGrid(fetched map[dag.NodeID]timeseries.Series) []time.Time {
	seen := make(map[time.Time]bool)
	for _, series := range fetched {
		for _, pt := range series {
			seen[pt.Timestamp] = true
		}
	}
	grid := make([]time.Time, 0, len(seen))
	for ts := range seen {
		grid = append(grid, ts)
	}
	sort.Slice(grid, func(i, j int) bool { return grid[i].Before(grid[j]) })
	return grid
}

// materializeOnGrid re-expresses series on grid, filling any date absent
// from series with NaN.
func materializeOnGrid(series timeseries.Series, grid []time.Time) timeseries.Series {
	byDate := make(map[time.Time]float64, len(series))
	for _, pt := range series {
		byDate[pt.Timestamp] = pt.Value
	}
	out := make(timeseries.Series, len(grid))
	for i, ts := range grid {
		v, ok := byDate[ts]
		if !ok {
			v = math.NaN()
		}
		out[i] = timeseries.NewPoint(ts, v)
	}
	return out
}

// evaluateDerived dispatches a non-source node's kernel over its parents'
// already-cached, grid-aligned series.
func evaluateDerived(n *dag.Node, parents []dag.NodeID, cache map[dag.NodeID]timeseries.Series, grid []time.Time) (timeseries.Series, error) {
	switch n.Type {
	case dag.NodeReturns:
		if len(parents) != 1 {
			return nil, fmt.Errorf("pull: returns node %d must have exactly one parent, has %d", n.ID, len(parents))
		}
		prices := cache[parents[0]].Values()
		values := kernel.Returns(prices)
		return wrap(grid, values), nil
	case dag.NodeVolatility:
		if len(parents) != 1 {
			return nil, fmt.Errorf("pull: volatility node %d must have exactly one parent, has %d", n.ID, len(parents))
		}
		returns := cache[parents[0]].Values()
		values := kernel.Volatility(returns, n.Params.Window)
		return wrap(grid, values), nil
	default:
		return nil, fmt.Errorf("pull: node %d has unsupported type %q", n.ID, n.Type)
	}
}

func wrap(grid []time.Time, values []float64) timeseries.Series {
	out := make(timeseries.Series, len(values))
	for i, v := range values {
		out[i] = timeseries.NewPoint(grid[i], v)
	}
	return out
}

// filterToRange returns only the points whose date falls within rng,
// per spec §4.4 step 6.
func filterToRange(series timeseries.Series, rng timeseries.DateRange) timeseries.Series {
	out := make(timeseries.Series, 0, len(series))
	for _, pt := range series {
		if rng.Contains(pt.Timestamp) {
			out = append(out, pt)
		}
	}
	return out
}
