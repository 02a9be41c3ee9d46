package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tm1ddleton/analytics-sub001/internal/dag"
	"github.com/tm1ddleton/analytics-sub001/internal/timeseries"
)

func (s *Server) handleAnalytic(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	asset, err := parseAssetKey(vars["key"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	window, err := parseWindowParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rng, err := parseDateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	typ := dag.NodeType(vars["type"])

	id, err := s.ensureAnalyticNode(asset, typ, window)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.catalogMu.RLock()
	series, err := s.pullEngine().Execute(r.Context(), id, rng, s.provider)
	s.catalogMu.RUnlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, seriesDTO(series))
}

type batchItem struct {
	Asset  string `json:"asset"`
	Type   string `json:"type"`
	Window int    `json:"window,omitempty"`
}

type batchRequest struct {
	Start string      `json:"start"`
	End   string      `json:"end"`
	Items []batchItem `json:"items"`
}

type batchResultEntry struct {
	Asset  string     `json:"asset"`
	Type   string     `json:"type"`
	Window int        `json:"window,omitempty"`
	Series []pointDTO `json:"series"`
}

func (s *Server) handleAnalyticsBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rng, err := parseDateRangeStrings(req.Start, req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, errEmptyBatch)
		return
	}

	ids := make([]dag.NodeID, len(req.Items))
	func() {
		s.catalogMu.Lock()
		defer s.catalogMu.Unlock()
		for i, item := range req.Items {
			asset, aerr := parseAssetKey(item.Asset)
			if aerr != nil {
				err = aerr
				return
			}
			id, nerr := s.catalog.ensureNode(asset, dag.NodeType(item.Type), item.Window)
			if nerr != nil {
				err = nerr
				return
			}
			ids[i] = id
		}
	}()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.catalogMu.RLock()
	results, err := s.pullEngine().ExecuteMany(r.Context(), ids, rng, s.provider)
	s.catalogMu.RUnlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]batchResultEntry, len(req.Items))
	for i, item := range req.Items {
		out[i] = batchResultEntry{
			Asset:  item.Asset,
			Type:   item.Type,
			Window: item.Window,
			Series: seriesDTO(results[ids[i]]),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func parseDateRangeStrings(startStr, endStr string) (timeseries.DateRange, error) {
	if startStr == "" || endStr == "" {
		return timeseries.DateRange{}, errMissingRange
	}
	start, err := parseDateOnly(startStr)
	if err != nil {
		return timeseries.DateRange{}, err
	}
	end, err := parseDateOnly(endStr)
	if err != nil {
		return timeseries.DateRange{}, err
	}
	return timeseries.NewDateRange(start, end)
}

type nodeDTO struct {
	ID      int    `json:"id"`
	Type    string `json:"type"`
	Window  int    `json:"window,omitempty"`
	Asset   string `json:"asset,omitempty"`
	Parents []int  `json:"parents"`
}

func (s *Server) handleDAGNodes(w http.ResponseWriter, r *http.Request) {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()

	g := s.catalog.graph
	ids := g.Nodes()
	out := make([]nodeDTO, 0, len(ids))
	for _, id := range ids {
		n, err := g.Node(id)
		if err != nil {
			continue
		}
		parents, _ := g.Parents(id)
		parentInts := make([]int, len(parents))
		for i, p := range parents {
			parentInts[i] = int(p)
		}
		dto := nodeDTO{ID: int(id), Type: string(n.Type), Parents: parentInts}
		if n.Type == dag.NodeVolatility {
			dto.Window = n.Params.Window
		}
		if n.Type == dag.NodeDataProvider {
			dto.Asset = n.Params.Asset.String()
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}
