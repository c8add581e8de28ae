package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/gray-logic-thermostat/internal/audit"
	"github.com/nerrad567/gray-logic-thermostat/internal/auth"
)

type fakeAudit struct {
	mu        sync.Mutex
	entries   []audit.Entry
	filters   []audit.Filter
	recordErr error
	listErr   error
}

func (f *fakeAudit) Record(_ context.Context, e *audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeAudit) List(_ context.Context, filter audit.Filter) (*audit.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &audit.Page{Entries: f.entries, Total: len(f.entries), Limit: filter.Limit, Offset: filter.Offset}, nil
}

func TestAudit_RecordsActions(t *testing.T) {
	fa := &fakeAudit{}
	_, h, _ := testServer(t, func(d *Deps) { d.Audit = fa })

	if rec := do(t, h, http.MethodPost, "/api/v1/thermostats", `{"label":"Hall","port":"/dev/ttyUSB0"}`); rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPatch, "/api/v1/thermostats/t1", `{"desired_temperature":21.5}`); rec.Code != http.StatusOK {
		t.Fatalf("update status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/v1/thermostats/t1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	// Failures are not recorded.
	if rec := do(t, h, http.MethodDelete, "/api/v1/thermostats/t1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}

	want := []audit.Entry{
		{Action: audit.ActionConnect, ThermostatID: "t1", Source: audit.SourceAPI,
			Details: map[string]any{"label": "Hall", "port": "/dev/ttyUSB0"}},
		{Action: audit.ActionSetTemperature, ThermostatID: "t1", Source: audit.SourceAPI,
			Details: map[string]any{"desired_temperature": 21.5}},
		{Action: audit.ActionDisconnect, ThermostatID: "t1", Source: audit.SourceAPI},
	}
	if diff := cmp.Diff(want, fa.entries); diff != "" {
		t.Errorf("recorded entries mismatch (-want +got):\n%s", diff)
	}
}

func TestAudit_RecordsTokenSubject(t *testing.T) {
	fa := &fakeAudit{}
	_, h, _ := testServer(t, withAuth, func(d *Deps) { d.Audit = fa })

	token, err := auth.GenerateToken("ops", testJWTSecret, "thermostatd", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	rec := do(t, h, http.MethodPost, "/api/v1/thermostats", `{"label":"Hall","port":"/dev/ttyUSB0"}`,
		"Authorization", "Bearer "+token)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	if len(fa.entries) != 1 || fa.entries[0].Subject != "ops" {
		t.Errorf("entries = %+v, want one with subject ops", fa.entries)
	}
}

func TestAudit_RecordFailureDoesNotFailRequest(t *testing.T) {
	fa := &fakeAudit{recordErr: errors.New("disk full")}
	_, h, _ := testServer(t, func(d *Deps) { d.Audit = fa })

	rec := do(t, h, http.MethodPost, "/api/v1/thermostats", `{"label":"Hall","port":"/dev/ttyUSB0"}`)
	if rec.Code != http.StatusCreated {
		t.Errorf("create status = %d, want 201", rec.Code)
	}
}

func TestListAudit(t *testing.T) {
	fa := &fakeAudit{entries: []audit.Entry{{ID: "aud-1", Action: audit.ActionConnect, Source: audit.SourceAPI}}}
	_, h, _ := testServer(t, func(d *Deps) { d.Audit = fa })

	rec := do(t, h, http.MethodGet, "/api/v1/audit?action=connect&thermostat_id=t1&limit=10&offset=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	page := decode[audit.Page](t, rec)
	if page.Total != 1 || len(page.Entries) != 1 || page.Entries[0].ID != "aud-1" {
		t.Errorf("page = %+v", page)
	}
	wantFilter := audit.Filter{Action: "connect", ThermostatID: "t1", Limit: 10, Offset: 5}
	if diff := cmp.Diff([]audit.Filter{wantFilter}, fa.filters); diff != "" {
		t.Errorf("filter mismatch (-want +got):\n%s", diff)
	}
}

func TestListAudit_Errors(t *testing.T) {
	tests := []struct {
		name       string
		audit      AuditLog
		query      string
		wantStatus int
		wantCode   string
	}{
		{"disabled", nil, "", http.StatusServiceUnavailable, ErrCodeServiceUnavailable},
		{"bad limit", &fakeAudit{}, "?limit=abc", http.StatusBadRequest, ErrCodeBadRequest},
		{"limit too large", &fakeAudit{}, "?limit=201", http.StatusBadRequest, ErrCodeBadRequest},
		{"zero limit", &fakeAudit{}, "?limit=0", http.StatusBadRequest, ErrCodeBadRequest},
		{"negative offset", &fakeAudit{}, "?offset=-1", http.StatusBadRequest, ErrCodeBadRequest},
		{"store failure", &fakeAudit{listErr: errors.New("boom")}, "", http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h, _ := testServer(t, func(d *Deps) { d.Audit = tt.audit })
			rec := do(t, h, http.MethodGet, "/api/v1/audit"+tt.query, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if code := errorCode(t, rec); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}
