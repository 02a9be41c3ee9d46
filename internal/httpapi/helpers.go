package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tm1ddleton/analytics-sub001/internal/timeseries"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("httpapi: failed to encode response body: %v", err)
	}
}

// jsonFloat is a float64 that marshals NaN as JSON null, per the "NaN ->
// null" wire convention — encoding/json otherwise rejects NaN outright with
// an UnsupportedValueError, and burn-in points are NaN by design.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	if math.IsNaN(float64(f)) {
		return []byte("null"), nil
	}
	return json.Marshal(float64(f))
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// parseAssetKey accepts either a bare equity ticker ("AAPL") or a futures
// key in the AssetKey.String() form "SERIES:YYYY-MM-DD".
func parseAssetKey(raw string) (timeseries.AssetKey, error) {
	if raw == "" {
		return timeseries.AssetKey{}, fmt.Errorf("empty asset key")
	}
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		series := raw[:idx]
		expiryStr := raw[idx+1:]
		expiry, err := time.Parse("2006-01-02", expiryStr)
		if err != nil {
			return timeseries.AssetKey{}, fmt.Errorf("invalid future expiry %q: %w", expiryStr, err)
		}
		return timeseries.NewFutureKey(series, expiry)
	}
	return timeseries.NewEquityKey(raw)
}

// parseDateRange reads "start" and "end" query parameters as YYYY-MM-DD.
func parseDateRange(r *http.Request) (timeseries.DateRange, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")
	if startStr == "" || endStr == "" {
		return timeseries.DateRange{}, fmt.Errorf("both start and end query parameters are required (YYYY-MM-DD)")
	}
	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		return timeseries.DateRange{}, fmt.Errorf("invalid start date %q: %w", startStr, err)
	}
	end, err := time.Parse("2006-01-02", endStr)
	if err != nil {
		return timeseries.DateRange{}, fmt.Errorf("invalid end date %q: %w", endStr, err)
	}
	return timeseries.NewDateRange(start, end)
}

var (
	errEmptyBatch   = fmt.Errorf("items must not be empty")
	errMissingRange = fmt.Errorf("both start and end are required (YYYY-MM-DD)")
)

func parseDateOnly(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

func parseWindowParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// pointDTO is the wire shape for a single series point.
type pointDTO struct {
	Timestamp string    `json:"timestamp"`
	Value     jsonFloat `json:"value"`
	Missing   bool      `json:"missing,omitempty"`
}

func seriesDTO(series timeseries.Series) []pointDTO {
	out := make([]pointDTO, len(series))
	for i, pt := range series {
		out[i] = pointDTO{
			Timestamp: pt.Timestamp.Format("2006-01-02"),
			Value:     jsonFloat(pt.Value),
			Missing:   pt.IsMissing(),
		}
	}
	return out
}
