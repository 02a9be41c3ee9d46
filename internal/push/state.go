package push

import (
	"fmt"
	"time"

	"github.com/tm1ddleton/analytics-sub001/internal/buffer"
	"github.com/tm1ddleton/analytics-sub001/internal/timeseries"
)

// Lifecycle tags a node's push-mode state machine: Uninitialized -> Ready
// -> Computing -> Ready | Failed(reason); Failed is recoverable on a later
// push, per spec §3.
type Lifecycle int

const (
	Uninitialized Lifecycle = iota
	Ready
	Computing
	Failed
)

func (l Lifecycle) String() string {
	switch l {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Computing:
		return "computing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// NodeState is the push-mode state owned by exactly one Engine for one
// node: its lifecycle, the last point it produced, its full history, and
// (for windowed kernels) a rolling buffer.
type NodeState struct {
	Lifecycle       Lifecycle
	FailureReason   string
	lastComputed    time.Time
	hasLastComputed bool
	history         timeseries.Series
	Buffer          *buffer.Ring // nil for unwindowed node types
}

func newNodeState(bufferCapacity int) *NodeState {
	st := &NodeState{Lifecycle: Uninitialized}
	if bufferCapacity > 0 {
		st.Buffer = buffer.NewRing(bufferCapacity)
	}
	return st
}

// LastComputedTimestamp returns the timestamp of the last history entry,
// and false if history is empty (undefined, per spec §3 invariant 3).
func (s *NodeState) LastComputedTimestamp() (time.Time, bool) {
	return s.lastComputed, s.hasLastComputed
}

// Latest returns the most recent point, or false if history is empty.
func (s *NodeState) Latest() (timeseries.Point, bool) {
	if len(s.history) == 0 {
		return timeseries.Point{}, false
	}
	return s.history[len(s.history)-1], true
}

// History returns a defensive copy of the full series produced so far.
func (s *NodeState) History() timeseries.Series {
	out := make(timeseries.Series, len(s.history))
	copy(out, s.history)
	return out
}

// appendPoint enforces spec §3 invariant 2 (strictly increasing timestamps)
// and keeps lastComputed in sync with invariant 3.
func (s *NodeState) appendPoint(pt timeseries.Point) error {
	if s.hasLastComputed && !pt.Timestamp.After(s.lastComputed) {
		return fmt.Errorf("push: non-increasing timestamp %s after %s", pt.Timestamp, s.lastComputed)
	}
	s.history = append(s.history, pt)
	s.lastComputed = pt.Timestamp
	s.hasLastComputed = true
	return nil
}

// seed bulk-loads history from a warm-up computation, bypassing the
// strictly-increasing check's historical cost (the caller is responsible
// for handing it an already-sorted series) and seeding the rolling buffer
// from the tail, per spec §4.5 warm-up step 2.
func (s *NodeState) seed(series timeseries.Series) {
	s.history = append(timeseries.Series(nil), series...)
	if len(series) > 0 {
		last := series[len(series)-1]
		s.lastComputed = last.Timestamp
		s.hasLastComputed = true
	}
	if s.Buffer != nil {
		s.Buffer.Seed(series.Values())
	}
	s.Lifecycle = Ready
}
