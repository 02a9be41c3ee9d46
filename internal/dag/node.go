// Package dag implements the typed, acyclic computation graph shared by the
// pull and push engines: node/edge storage, cycle-safe mutation, and
// topological ordering.
package dag

import (
	"github.com/tm1ddleton/analytics-sub001/internal/timeseries"
)

// NodeID identifies a node within a single DAG. IDs are assigned in
// insertion order starting at 0 and are never reused.
type NodeID int

// NodeType tags what kernel a node runs. The DAG itself is agnostic to the
// kernel implementation; engines dispatch on Type.
type NodeType string

const (
	NodeDataProvider NodeType = "data_provider"
	NodeReturns      NodeType = "returns"
	NodeVolatility   NodeType = "volatility"
)

// Params carries the typed, node-type-specific configuration. Only the
// fields relevant to Type are meaningful.
type Params struct {
	// Window is the rolling window length for volatility nodes.
	Window int
	// Asset identifies the asset a data_provider node reads.
	Asset timeseries.AssetKey
}

// BurnInDays returns this node type's additive burn-in cost, per spec §4.4:
// data_provider contributes 0, returns contributes 1, volatility(w)
// contributes w.
func (t NodeType) BurnInDays(p Params) int {
	switch t {
	case NodeReturns:
		return 1
	case NodeVolatility:
		if p.Window > 0 {
			return p.Window
		}
		return 0
	default:
		return 0
	}
}

// Node is one vertex in the DAG: a type tag, its parameters, the asset set
// it is sensitive to on push, and (owned by whichever PushEngine was built
// over this DAG) its push-mode state.
type Node struct {
	ID     NodeID
	Type   NodeType
	Params Params
	// Assets is the set of assets that, when pushed, mark this node as
	// directly affected. Non-source nodes normally have an empty set and
	// are reached only transitively through their parents.
	Assets map[timeseries.AssetKey]struct{}
}

// HasAsset reports whether asset is in this node's direct asset set.
func (n *Node) HasAsset(asset timeseries.AssetKey) bool {
	_, ok := n.Assets[asset]
	return ok
}
