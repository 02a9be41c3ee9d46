// Package session implements the session manager (spec §4.7): it owns a
// DAG, a push engine, and a replay driver per session, fans each
// analytic-output point out onto a per-session broadcast channel, and
// reaps terminal sessions once their TTL has elapsed. Modeled on the
// teacher's ingester.Service background-loop shape and its eventbus's
// non-blocking, drop-on-full channel send.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tm1ddleton/analytics-sub001/internal/dag"
	"github.com/tm1ddleton/analytics-sub001/internal/metrics"
	"github.com/tm1ddleton/analytics-sub001/internal/provider"
	"github.com/tm1ddleton/analytics-sub001/internal/push"
	"github.com/tm1ddleton/analytics-sub001/internal/replay"
	"github.com/tm1ddleton/analytics-sub001/internal/timeseries"
)

// Status is a session's lifecycle state: Created -> Running ->
// (Completed | Stopped | Error). Terminal states are sticky.
type Status int

const (
	StatusCreated Status = iota
	StatusRunning
	StatusCompleted
	StatusStopped
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of the sticky end states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusError
}

// Sentinel errors per spec §7's taxonomy.
var (
	ErrUnknownSession  = errors.New("session: unknown session")
	ErrCapacityReached = errors.New("session: concurrency cap reached")
	ErrAlreadyTerminal = errors.New("session: already terminal")
)

// AnalyticConfig describes one requested analytic output over an asset:
// a returns node, or a volatility node of the given window (which is
// itself built over a shared returns node), per spec §4.7 step 1.
type AnalyticConfig struct {
	Asset  timeseries.AssetKey
	Type   dag.NodeType
	Window int
}

// Message is one tagged item delivered on a session's broadcast channel.
// Kind is one of "update", "progress", "complete", "stopped", "error".
type Message struct {
	Kind      string
	Asset     timeseries.AssetKey
	Analytic  dag.NodeType
	Timestamp time.Time
	Value     float64
	Summary   *replay.Summary
	Err       error
}

// Session bundles one DAG, push engine, and replay driver under a single
// id. The zero value is not usable; sessions are only constructed by a
// Manager.
type Session struct {
	id string

	mu         sync.Mutex
	status     Status
	createdAt  time.Time
	terminalAt time.Time
	summary    *replay.Summary

	graph     *dag.DAG
	engine    *push.Engine
	driver    *replay.Driver
	broadcast chan Message
	dropped   atomic.Int64
	metrics   *metrics.Metrics
}

// ID returns the session's id.
func (s *Session) ID() string { return s.id }

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Summary returns the replay summary once the run has reached a terminal
// state, and false before then.
func (s *Session) Summary() (replay.Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summary == nil {
		return replay.Summary{}, false
	}
	return *s.summary, true
}

// Broadcast returns the channel every tagged Message is delivered on.
func (s *Session) Broadcast() <-chan Message { return s.broadcast }

// DroppedMessages reports how many messages were dropped because the
// broadcast channel was full, per spec §5's non-blocking try-send policy.
func (s *Session) DroppedMessages() int64 { return s.dropped.Load() }

// Stop requests the session's replay driver to return early at its next
// between-points check. The session transitions to Stopped once the
// background worker observes this.
func (s *Session) Stop() error {
	if s.Status().Terminal() {
		return ErrAlreadyTerminal
	}
	s.driver.Stop()
	return nil
}

func (s *Session) send(msg Message) {
	select {
	case s.broadcast <- msg:
	default:
		s.dropped.Add(1)
		if s.metrics != nil {
			s.metrics.RecordSubscriberDrop()
		}
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	if st.Terminal() {
		s.terminalAt = time.Now()
	}
	s.mu.Unlock()
}

func (s *Session) setSummary(sum replay.Summary) {
	s.mu.Lock()
	s.summary = &sum
	s.mu.Unlock()
}

func (s *Session) terminalSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Terminal() {
		return time.Time{}, false
	}
	return s.terminalAt, true
}

// Manager owns every active session, enforces a concurrency cap, and
// reaps terminal sessions past their TTL, per spec §4.7 and §5.
type Manager struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	maxActive    int
	completedTTL time.Duration
	errorTTL     time.Duration
	metrics      *metrics.Metrics
}

// SetMetrics attaches a metrics sink used for the active-session gauge,
// subscriber drop counter, and replay throughput counters. A nil sink (the
// default) disables recording.
func (m *Manager) SetMetrics(mx *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = mx
}

func (m *Manager) reportActiveSessionsLocked() {
	if m.metrics != nil {
		m.metrics.SetActiveSessions(m.activeCountLocked())
	}
}

// NewManager returns a Manager enforcing maxActive concurrent
// non-terminal sessions. completedTTL governs how long Completed/Stopped
// sessions remain queryable before the reaper removes them; errorTTL is
// the (normally shorter) equivalent for Error sessions.
func NewManager(maxActive int, completedTTL, errorTTL time.Duration) *Manager {
	return &Manager{
		sessions:     make(map[string]*Session),
		maxActive:    maxActive,
		completedTTL: completedTTL,
		errorTTL:     errorTTL,
	}
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, s := range m.sessions {
		if !s.Status().Terminal() {
			n++
		}
	}
	return n
}

// Create builds a DAG from configs (one data_provider root per distinct
// asset, then per-analytic chains sharing that root), initializes a push
// engine over it with a lookback covering the largest window plus burn-in,
// and spawns a background worker replaying rng through the engine at
// delay pacing, per spec §4.7 steps 1-4. Rejects with ErrCapacityReached
// if the manager is already at its concurrency cap.
func (m *Manager) Create(ctx context.Context, configs []AnalyticConfig, p provider.Provider, rng timeseries.DateRange, delay time.Duration, lookbackDays int, broadcastCap int) (*Session, error) {
	m.mu.Lock()
	if m.activeCountLocked() >= m.maxActive {
		m.mu.Unlock()
		return nil, ErrCapacityReached
	}
	sess := &Session{
		id:        uuid.NewString(),
		status:    StatusCreated,
		createdAt: time.Now(),
		broadcast: make(chan Message, broadcastCap),
		driver:    replay.New(),
		metrics:   m.metrics,
	}
	m.sessions[sess.id] = sess
	m.reportActiveSessionsLocked()
	m.mu.Unlock()

	graph, roots, outputs, err := buildGraph(configs)
	if err != nil {
		sess.setStatus(StatusError)
		return nil, fmt.Errorf("session: build graph: %w", err)
	}
	sess.graph = graph
	sess.engine = push.New(graph)
	sess.engine.SetMetrics(sess.metrics)

	warmEnd := rng.Start.AddDate(0, 0, -1)
	if err := sess.engine.Initialize(ctx, p, warmEnd, lookbackDays); err != nil {
		sess.setStatus(StatusError)
		return nil, fmt.Errorf("session: initialize: %w", err)
	}

	for _, out := range outputs {
		out := out
		if _, err := sess.engine.Subscribe(out.node, func(pt timeseries.Point) {
			sess.send(Message{Kind: "update", Asset: out.asset, Analytic: out.analytic, Timestamp: pt.Timestamp, Value: pt.Value})
		}); err != nil {
			sess.setStatus(StatusError)
			return nil, fmt.Errorf("session: subscribe: %w", err)
		}
	}

	assets := make([]timeseries.AssetKey, 0, len(roots))
	for asset := range roots {
		assets = append(assets, asset)
	}

	sess.setStatus(StatusRunning)
	log.Printf("session %s: starting replay over %s for %d asset(s)", sess.id, rng, len(assets))
	go m.run(ctx, sess, assets, rng, delay, p)
	return sess, nil
}

func (m *Manager) run(ctx context.Context, sess *Session, assets []timeseries.AssetKey, rng timeseries.DateRange, delay time.Duration, p provider.Provider) {
	onPoint := func(asset timeseries.AssetKey, ts time.Time, value float64) error {
		err := sess.engine.Push(ctx, asset, ts, value)
		if sess.metrics != nil {
			if err != nil {
				sess.metrics.RecordReplayPoint("failure")
			} else {
				sess.metrics.RecordReplayPoint("success")
			}
		}
		return err
	}
	onProgress := func(ts time.Time) {
		sess.send(Message{Kind: "progress", Timestamp: ts})
	}

	summary, err := sess.driver.Run(ctx, assets, rng, delay, p, onPoint, onProgress)
	defer m.reportActiveSessions()
	if err != nil {
		sess.setStatus(StatusError)
		sess.send(Message{Kind: "error", Err: err})
		log.Printf("session %s: replay error: %v", sess.id, err)
		return
	}
	sess.setSummary(summary)

	switch summary.Status {
	case replay.StatusStopped:
		sess.setStatus(StatusStopped)
		sess.send(Message{Kind: "stopped", Summary: &summary})
	default: // Completed or NoData both finish the session normally
		sess.setStatus(StatusCompleted)
		sess.send(Message{Kind: "complete", Summary: &summary})
	}
	log.Printf("session %s: finished (%s): total=%d successful=%d failed=%d dropped=%d",
		sess.id, summary.Status, summary.Total, summary.Successful, summary.Failed, sess.DroppedMessages())
}

func (m *Manager) reportActiveSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportActiveSessionsLocked()
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return sess, nil
}

// Stop requests an early end to the session's replay run.
func (m *Manager) Stop(id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	return sess.Stop()
}

// Reap removes one sweep's worth of terminal sessions whose TTL has
// elapsed: completedTTL for Completed/Stopped, the (normally shorter)
// errorTTL for Error, per spec §4.7.
func (m *Manager) Reap() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, sess := range m.sessions {
		terminalAt, ok := sess.terminalSince()
		if !ok {
			continue
		}
		ttl := m.completedTTL
		if sess.Status() == StatusError {
			ttl = m.errorTTL
		}
		if now.Sub(terminalAt) >= ttl {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("session: reaper removed %d terminal session(s)", removed)
	}
	m.reportActiveSessionsLocked()
	return removed
}

// RunReaper sweeps every interval until ctx is done, in the style of the
// teacher's periodic-poll loops (ticker + ctx.Done select).
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}

type outputNode struct {
	node     dag.NodeID
	asset    timeseries.AssetKey
	analytic dag.NodeType
}

// buildGraph builds one data_provider root per distinct asset in configs,
// then for each config a chain off that root: a returns node (reused
// across configs for the same asset), and for volatility configs a
// volatility node fed by that shared returns node.
func buildGraph(configs []AnalyticConfig) (*dag.DAG, map[timeseries.AssetKey]dag.NodeID, []outputNode, error) {
	g := dag.New()
	roots := make(map[timeseries.AssetKey]dag.NodeID)
	returnsNodes := make(map[timeseries.AssetKey]dag.NodeID)
	var outputs []outputNode

	rootFor := func(asset timeseries.AssetKey) (dag.NodeID, error) {
		if id, ok := roots[asset]; ok {
			return id, nil
		}
		id, err := g.AddNode(dag.NodeDataProvider, dag.Params{Asset: asset}, map[timeseries.AssetKey]struct{}{asset: {}})
		if err != nil {
			return 0, err
		}
		roots[asset] = id
		return id, nil
	}

	returnsFor := func(asset timeseries.AssetKey) (dag.NodeID, error) {
		if id, ok := returnsNodes[asset]; ok {
			return id, nil
		}
		root, err := rootFor(asset)
		if err != nil {
			return 0, err
		}
		id, err := g.AddNode(dag.NodeReturns, dag.Params{}, nil)
		if err != nil {
			return 0, err
		}
		if err := g.AddEdge(root, id); err != nil {
			return 0, err
		}
		returnsNodes[asset] = id
		return id, nil
	}

	for _, cfg := range configs {
		switch cfg.Type {
		case dag.NodeReturns:
			id, err := returnsFor(cfg.Asset)
			if err != nil {
				return nil, nil, nil, err
			}
			outputs = append(outputs, outputNode{node: id, asset: cfg.Asset, analytic: dag.NodeReturns})
		case dag.NodeVolatility:
			ret, err := returnsFor(cfg.Asset)
			if err != nil {
				return nil, nil, nil, err
			}
			vol, err := g.AddNode(dag.NodeVolatility, dag.Params{Window: cfg.Window}, nil)
			if err != nil {
				return nil, nil, nil, err
			}
			if err := g.AddEdge(ret, vol); err != nil {
				return nil, nil, nil, err
			}
			outputs = append(outputs, outputNode{node: vol, asset: cfg.Asset, analytic: dag.NodeVolatility})
		default:
			return nil, nil, nil, fmt.Errorf("session: unsupported analytic type %q", cfg.Type)
		}
	}
	return g, roots, outputs, nil
}
