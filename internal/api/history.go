package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// defaultHistoryRange is used when the query gives no from parameter.
const defaultHistoryRange = 24 * time.Hour

// maxHistoryRange bounds one history query.
const maxHistoryRange = 366 * 24 * time.Hour

// maxUnixSeconds bounds numeric timestamps to roughly +/-3000 years.
const maxUnixSeconds = 1e11

// historyResponse is the chart-ready history body. Timestamps are Unix
// milliseconds marking the end of each bucket.
type historyResponse struct {
	Timestamps   []int64   `json:"timestamps"`
	Temperatures []float64 `json:"temperatures"`
}

// handleTemperatureHistory returns averaged ambient temperatures for one
// thermostat between from (default 24h ago) and to (default now).
func (s *Server) handleTemperatureHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "temperature history is not available")
		return
	}

	id, ok := thermostatID(w, r)
	if !ok {
		return
	}

	from, to, err := parseHistoryRange(r, time.Now().UTC())
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if _, err := s.thermostats.GetThermostat(id); err != nil {
		s.writeThermostatError(w, r, err)
		return
	}

	hist, err := s.history.Range(r.Context(), id, from, to, s.historyBin)
	if err != nil {
		s.writeThermostatError(w, r, err)
		return
	}

	resp := historyResponse{
		Timestamps:   make([]int64, len(hist.Timestamps)),
		Temperatures: hist.Temperatures,
	}
	for i, ts := range hist.Timestamps {
		resp.Timestamps[i] = ts.UnixMilli()
	}
	if resp.Temperatures == nil {
		resp.Temperatures = []float64{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseHistoryRange reads the from and to query parameters.
func parseHistoryRange(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	to, err := parseTimeParam(r.URL.Query().Get("to"), now)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid to timestamp")
	}
	from, err := parseTimeParam(r.URL.Query().Get("from"), to.Add(-defaultHistoryRange))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid from timestamp")
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, errors.New("to must be after from")
	}
	if to.Sub(from) > maxHistoryRange {
		return time.Time{}, time.Time{}, errors.New("range exceeds 366 days")
	}
	return from, to, nil
}

// parseTimeParam parses an RFC3339 or Unix timestamp, with a fallback default.
func parseTimeParam(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}

	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return parsed.UTC(), nil
	}

	return parseUnixTimestamp(raw)
}

// parseUnixTimestamp parses Unix seconds, optionally fractional.
func parseUnixTimestamp(raw string) (time.Time, error) {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || math.Abs(value) > maxUnixSeconds {
		return time.Time{}, fmt.Errorf("timestamp out of range")
	}

	seconds, fraction := math.Modf(value)
	return time.Unix(int64(seconds), int64(fraction*float64(time.Second))).UTC(), nil
}
