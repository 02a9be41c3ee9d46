package httpapi

import (
	"fmt"

	"github.com/tm1ddleton/analytics-sub001/internal/dag"
	"github.com/tm1ddleton/analytics-sub001/internal/timeseries"
)

// catalog is the shared pull-mode DAG backing ad hoc /analytics queries: one
// data_provider root and one returns node per asset, grown lazily and
// memoized so repeated requests for the same asset/analytic reuse the same
// node instead of re-describing the graph every call.
type catalog struct {
	graph        *dag.DAG
	roots        map[timeseries.AssetKey]dag.NodeID
	returnsNodes map[timeseries.AssetKey]dag.NodeID
	volNodes     map[volKey]dag.NodeID
}

type volKey struct {
	asset  timeseries.AssetKey
	window int
}

func newCatalog() *catalog {
	return &catalog{
		graph:        dag.New(),
		roots:        make(map[timeseries.AssetKey]dag.NodeID),
		returnsNodes: make(map[timeseries.AssetKey]dag.NodeID),
		volNodes:     make(map[volKey]dag.NodeID),
	}
}

func (c *catalog) rootFor(asset timeseries.AssetKey) (dag.NodeID, error) {
	if id, ok := c.roots[asset]; ok {
		return id, nil
	}
	id, err := c.graph.AddNode(dag.NodeDataProvider, dag.Params{Asset: asset}, map[timeseries.AssetKey]struct{}{asset: {}})
	if err != nil {
		return 0, err
	}
	c.roots[asset] = id
	return id, nil
}

func (c *catalog) returnsFor(asset timeseries.AssetKey) (dag.NodeID, error) {
	if id, ok := c.returnsNodes[asset]; ok {
		return id, nil
	}
	root, err := c.rootFor(asset)
	if err != nil {
		return 0, err
	}
	id, err := c.graph.AddNode(dag.NodeReturns, dag.Params{}, nil)
	if err != nil {
		return 0, err
	}
	if err := c.graph.AddEdge(root, id); err != nil {
		return 0, err
	}
	c.returnsNodes[asset] = id
	return id, nil
}

func (c *catalog) volatilityFor(asset timeseries.AssetKey, window int) (dag.NodeID, error) {
	key := volKey{asset: asset, window: window}
	if id, ok := c.volNodes[key]; ok {
		return id, nil
	}
	ret, err := c.returnsFor(asset)
	if err != nil {
		return 0, err
	}
	id, err := c.graph.AddNode(dag.NodeVolatility, dag.Params{Window: window}, nil)
	if err != nil {
		return 0, err
	}
	if err := c.graph.AddEdge(ret, id); err != nil {
		return 0, err
	}
	c.volNodes[key] = id
	return id, nil
}

// ensureNode resolves (asset, typ, window) to a catalog node id, building
// whatever nodes are missing.
func (c *catalog) ensureNode(asset timeseries.AssetKey, typ dag.NodeType, window int) (dag.NodeID, error) {
	switch typ {
	case dag.NodeDataProvider:
		return c.rootFor(asset)
	case dag.NodeReturns:
		return c.returnsFor(asset)
	case dag.NodeVolatility:
		if window < 1 {
			return 0, fmt.Errorf("volatility requires window >= 1")
		}
		return c.volatilityFor(asset, window)
	default:
		return 0, fmt.Errorf("unsupported analytic type %q", typ)
	}
}

// ensureAnalyticNode grows the shared catalog under a write lock and
// returns the resolved node id.
func (s *Server) ensureAnalyticNode(asset timeseries.AssetKey, typ dag.NodeType, window int) (dag.NodeID, error) {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()
	return s.catalog.ensureNode(asset, typ, window)
}
