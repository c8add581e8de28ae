package audit

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/gray-logic-thermostat/internal/infrastructure/database"
	_ "github.com/nerrad567/gray-logic-thermostat/migrations"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{
		Path:        filepath.Join(t.TempDir(), "audit.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db.DB
}

// newTestRepo returns a repository whose clock advances one second per
// recorded entry starting at base.
func newTestRepo(t *testing.T, base time.Time) *SQLiteRepository {
	t.Helper()
	repo := NewSQLiteRepository(openTestDB(t))
	next := base
	repo.now = func() time.Time {
		now := next
		next = next.Add(time.Second)
		return now
	}
	return repo
}

func TestRecord_FillsIDAndTimestamp(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	repo := newTestRepo(t, base)
	ctx := context.Background()

	e := &Entry{
		Action:       ActionSetTemperature,
		ThermostatID: "t1",
		Subject:      "alice",
		Source:       SourceAPI,
		Details:      map[string]any{"desired_temperature": 21.5},
	}
	if err := repo.Record(ctx, e); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if e.ID == "" {
		t.Error("Record() did not assign an ID")
	}
	if !e.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", e.CreatedAt, base)
	}

	page, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if diff := cmp.Diff([]Entry{*e}, page.Entries); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestRecord_RequiresActionAndSource(t *testing.T) {
	repo := newTestRepo(t, time.Now())

	tests := []struct {
		name  string
		entry Entry
	}{
		{"missing action", Entry{Source: SourceAPI}},
		{"missing source", Entry{Action: ActionConnect}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := repo.Record(context.Background(), &tt.entry)
			if !errors.Is(err, ErrInvalidEntry) {
				t.Errorf("Record() error = %v, want ErrInvalidEntry", err)
			}
		})
	}
}

func TestList_FilterAndOrder(t *testing.T) {
	repo := newTestRepo(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	record := func(action, id, source string) {
		t.Helper()
		if err := repo.Record(ctx, &Entry{Action: action, ThermostatID: id, Source: source}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	record(ActionConnect, "t1", SourceAPI)
	record(ActionConnect, "t2", SourceAPI)
	record(ActionSetTemperature, "t1", SourceMQTT)
	record(ActionSetTemperature, "t1", SourceAPI)
	record(ActionDisconnect, "t2", SourceAPI)

	type row struct{ Action, ThermostatID, Source string }
	rows := func(p *Page) []row {
		out := make([]row, 0, len(p.Entries))
		for _, e := range p.Entries {
			out = append(out, row{e.Action, e.ThermostatID, e.Source})
		}
		return out
	}

	tests := []struct {
		name      string
		filter    Filter
		wantTotal int
		want      []row
	}{
		{
			name:      "all newest first",
			filter:    Filter{},
			wantTotal: 5,
			want: []row{
				{ActionDisconnect, "t2", SourceAPI},
				{ActionSetTemperature, "t1", SourceAPI},
				{ActionSetTemperature, "t1", SourceMQTT},
				{ActionConnect, "t2", SourceAPI},
				{ActionConnect, "t1", SourceAPI},
			},
		},
		{
			name:      "by thermostat",
			filter:    Filter{ThermostatID: "t2"},
			wantTotal: 2,
			want: []row{
				{ActionDisconnect, "t2", SourceAPI},
				{ActionConnect, "t2", SourceAPI},
			},
		},
		{
			name:      "by action and thermostat",
			filter:    Filter{Action: ActionSetTemperature, ThermostatID: "t1"},
			wantTotal: 2,
			want: []row{
				{ActionSetTemperature, "t1", SourceAPI},
				{ActionSetTemperature, "t1", SourceMQTT},
			},
		},
		{
			name:      "paged",
			filter:    Filter{Limit: 2, Offset: 1},
			wantTotal: 5,
			want: []row{
				{ActionSetTemperature, "t1", SourceAPI},
				{ActionSetTemperature, "t1", SourceMQTT},
			},
		},
		{
			name:      "no match",
			filter:    Filter{ThermostatID: "t9"},
			wantTotal: 0,
			want:      []row{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if page.Total != tt.wantTotal {
				t.Errorf("Total = %d, want %d", page.Total, tt.wantTotal)
			}
			if diff := cmp.Diff(tt.want, rows(page)); diff != "" {
				t.Errorf("List() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestList_ClampsLimit(t *testing.T) {
	repo := newTestRepo(t, time.Now())

	tests := []struct {
		in, want int
	}{
		{0, DefaultLimit},
		{-5, DefaultLimit},
		{10, 10},
		{MaxLimit + 1, MaxLimit},
	}
	for _, tt := range tests {
		page, err := repo.List(context.Background(), Filter{Limit: tt.in, Offset: -1})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if page.Limit != tt.want {
			t.Errorf("List(Limit=%d).Limit = %d, want %d", tt.in, page.Limit, tt.want)
		}
		if page.Offset != 0 {
			t.Errorf("List(Offset=-1).Offset = %d, want 0", page.Offset)
		}
	}
}

func TestPrune(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	repo := newTestRepo(t, base)
	ctx := context.Background()

	for range 4 {
		if err := repo.Record(ctx, &Entry{Action: ActionConnect, Source: SourceAPI}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	// Entries sit at base, +1s, +2s, +3s.
	n, err := repo.Prune(ctx, base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Prune() removed %d, want 2", n)
	}

	page, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.Total != 2 {
		t.Errorf("Total after prune = %d, want 2", page.Total)
	}
}

type recordingLogger struct {
	mu    sync.Mutex
	infos []string
}

func (l *recordingLogger) Info(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *recordingLogger) Warn(string, ...any) {}

func TestRunRetention_PrunesImmediately(t *testing.T) {
	repo := NewSQLiteRepository(openTestDB(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	old := &Entry{Action: ActionConnect, Source: SourceAPI, CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &Entry{Action: ActionDisconnect, Source: SourceAPI}
	for _, e := range []*Entry{old, fresh} {
		if err := repo.Record(ctx, e); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	logger := &recordingLogger{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		repo.RunRetention(ctx, 24*time.Hour, logger)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		page, err := repo.List(ctx, Filter{})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if page.Total == 1 {
			if page.Entries[0].Action != ActionDisconnect {
				t.Errorf("remaining action = %q, want disconnect", page.Entries[0].Action)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("retention did not prune: total = %d", page.Total)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunRetention did not return after cancel")
	}
}
