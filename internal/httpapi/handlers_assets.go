package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tm1ddleton/analytics-sub001/internal/provider"
)

type assetDTO struct {
	Key          string `json:"key"`
	Kind         string `json:"kind"`
	DisplayName  string `json:"display_name"`
	EarliestDate string `json:"earliest_date,omitempty"`
	LatestDate   string `json:"latest_date,omitempty"`
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	descriptors, err := s.provider.ListAssets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]assetDTO, len(descriptors))
	for i, d := range descriptors {
		dto := assetDTO{Key: d.Key.String(), Kind: d.Kind.String(), DisplayName: d.DisplayName}
		if !d.EarliestDate.IsZero() {
			dto.EarliestDate = d.EarliestDate.Format("2006-01-02")
		}
		if !d.LatestDate.IsZero() {
			dto.LatestDate = d.LatestDate.Format("2006-01-02")
		}
		out[i] = dto
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAssetData(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAssetKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rng, err := parseDateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	series, err := s.provider.Series(r.Context(), asset, rng)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, provider.ErrUnknownAsset) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, seriesDTO(series))
}
