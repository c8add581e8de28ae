package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/gray-logic-thermostat/internal/thermostat"
)

type rangeCall struct {
	id       string
	from, to time.Time
	bin      time.Duration
}

type fakeHistory struct {
	calls []rangeCall
	out   thermostat.TemperatureHistory
}

func (f *fakeHistory) Range(_ context.Context, id string, from, to time.Time, bin time.Duration) (thermostat.TemperatureHistory, error) {
	f.calls = append(f.calls, rangeCall{id, from, to, bin})
	return f.out, nil
}

func TestTemperatureHistory(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	hist := &fakeHistory{out: thermostat.TemperatureHistory{
		Timestamps:   []time.Time{base, base.Add(15 * time.Minute)},
		Temperatures: []float64{19, 21},
	}}
	_, h, svc := testServer(t, func(d *Deps) {
		d.History = hist
		d.HistoryBin = 5 * time.Minute
	})
	svc.add(thermostat.State{ID: "t1"})

	rec := do(t, h, http.MethodGet,
		"/api/v1/thermostats/t1/temperature/history?from=2026-03-01T09:00:00Z&to=1772362800", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}

	want := historyResponse{
		Timestamps:   []int64{base.UnixMilli(), base.Add(15 * time.Minute).UnixMilli()},
		Temperatures: []float64{19, 21},
	}
	if diff := cmp.Diff(want, decode[historyResponse](t, rec)); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	wantCall := rangeCall{id: "t1", from: base, to: base.Add(2 * time.Hour), bin: 5 * time.Minute}
	if diff := cmp.Diff([]rangeCall{wantCall}, hist.calls, cmp.AllowUnexported(rangeCall{})); diff != "" {
		t.Errorf("Range calls mismatch (-want +got):\n%s", diff)
	}
}

func TestTemperatureHistory_EmptyIsArrays(t *testing.T) {
	_, h, svc := testServer(t, func(d *Deps) { d.History = &fakeHistory{} })
	svc.add(thermostat.State{ID: "t1"})

	rec := do(t, h, http.MethodGet, "/api/v1/thermostats/t1/temperature/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "{\"timestamps\":[],\"temperatures\":[]}\n" {
		t.Errorf("body = %q", got)
	}
}

func TestTemperatureHistory_Errors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		noHistory  bool
		wantStatus int
	}{
		{"bad from", "/api/v1/thermostats/t1/temperature/history?from=yesterday", false, http.StatusBadRequest},
		{"from out of range", "/api/v1/thermostats/t1/temperature/history?from=1e300", false, http.StatusBadRequest},
		{"reversed", "/api/v1/thermostats/t1/temperature/history?from=2000&to=1000", false, http.StatusBadRequest},
		{"too long", "/api/v1/thermostats/t1/temperature/history?from=0&to=100000000", false, http.StatusBadRequest},
		{"unknown thermostat", "/api/v1/thermostats/t9/temperature/history", false, http.StatusNotFound},
		{"history disabled", "/api/v1/thermostats/t1/temperature/history", true, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h, svc := testServer(t, func(d *Deps) {
				if !tt.noHistory {
					d.History = &fakeHistory{}
				}
			})
			svc.add(thermostat.State{ID: "t1"})

			rec := do(t, h, http.MethodGet, tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
		})
	}
}

func TestParseHistoryRange_Defaults(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	req := httptest.NewRequest(http.MethodGet, "/history", nil)

	from, to, err := parseHistoryRange(req, now)
	if err != nil {
		t.Fatalf("parseHistoryRange() error = %v", err)
	}
	if !to.Equal(now) || !from.Equal(now.Add(-defaultHistoryRange)) {
		t.Errorf("range = %v..%v, want the last 24h", from, to)
	}
}

func TestParseTimeParam(t *testing.T) {
	fallback := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		raw     string
		want    time.Time
		wantErr bool
	}{
		{"", fallback, false},
		{"2026-03-01T09:00:00Z", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), false},
		{"2026-03-01T10:00:00.5+01:00", time.Date(2026, 3, 1, 9, 0, 0, 500_000_000, time.UTC), false},
		{"1772355600", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), false},
		{"1772355600.25", time.Date(2026, 3, 1, 9, 0, 0, 250_000_000, time.UTC), false},
		{"NaN", time.Time{}, true},
		{"1e300", time.Time{}, true},
		{"-1e300", time.Time{}, true},
		{"100000000001", time.Time{}, true},
		{"-100000000000", time.Unix(-100_000_000_000, 0).UTC(), false},
		{"soon", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := parseTimeParam(tt.raw, fallback)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTimeParam(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !got.Equal(tt.want) {
			t.Errorf("parseTimeParam(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
