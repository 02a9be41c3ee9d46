package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tm1ddleton/analytics-sub001/internal/dag"
	"github.com/tm1ddleton/analytics-sub001/internal/replay"
	"github.com/tm1ddleton/analytics-sub001/internal/session"
)

// sessionErrorStatus maps a session.Manager error to the status code in
// spec §6's table: a full queue is 503, an unknown session is 404, and
// anything else (a session that's already terminal, a graph-build failure)
// is a 409 conflict.
func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrCapacityReached):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrUnknownSession):
		return http.StatusNotFound
	default:
		return http.StatusConflict
	}
}

type replayConfigDTO struct {
	Asset  string `json:"asset"`
	Type   string `json:"type"`
	Window int    `json:"window,omitempty"`
}

type createReplayRequest struct {
	Start             string            `json:"start"`
	End               string            `json:"end"`
	DelayMS           int               `json:"delay_ms"`
	LookbackDays      int               `json:"lookback_days"`
	BroadcastCapacity int               `json:"broadcast_capacity"`
	Configs           []replayConfigDTO `json:"configs"`
}

func (s *Server) handleCreateReplay(w http.ResponseWriter, r *http.Request) {
	var req createReplayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rng, err := parseDateRangeStrings(req.Start, req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Configs) == 0 {
		writeError(w, http.StatusBadRequest, errEmptyBatch)
		return
	}

	configs := make([]session.AnalyticConfig, len(req.Configs))
	for i, c := range req.Configs {
		asset, aerr := parseAssetKey(c.Asset)
		if aerr != nil {
			writeError(w, http.StatusBadRequest, aerr)
			return
		}
		configs[i] = session.AnalyticConfig{Asset: asset, Type: dag.NodeType(c.Type), Window: c.Window}
	}

	broadcastCap := req.BroadcastCapacity
	if broadcastCap <= 0 {
		broadcastCap = 256
	}

	sess, err := s.sessions.Create(r.Context(), configs, s.provider, rng,
		time.Duration(req.DelayMS)*time.Millisecond, req.LookbackDays, broadcastCap)
	if err != nil {
		writeError(w, sessionErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": sess.ID()})
}

type replayStatusDTO struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Summary *replay.Summary `json:"summary,omitempty"`
	Dropped int64           `json:"dropped_messages"`
}

func (s *Server) handleGetReplay(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	dto := replayStatusDTO{
		ID:      sess.ID(),
		Status:  sess.Status().String(),
		Dropped: sess.DroppedMessages(),
	}
	if summary, ok := sess.Summary(); ok {
		dto.Summary = &summary
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handleStopReplay(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Stop(mux.Vars(r)["id"]); err != nil {
		writeError(w, sessionErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}
