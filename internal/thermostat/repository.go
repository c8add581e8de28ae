package thermostat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// sinkWriteTimeout bounds one database write made from a receive goroutine.
const sinkWriteTimeout = 5 * time.Second

// Repository persists thermostats. It is the Store used in production and
// also a StateSink that keeps the last known telemetry on disk.
type Repository interface {
	Store

	// Get returns one thermostat. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (State, error)

	// List returns every thermostat ordered by label.
	List(ctx context.Context) ([]State, error)

	// Save writes the telemetry fields of st. Returns ErrNotFound if absent.
	Save(ctx context.Context, st State) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB

	logger   Logger
	loggerMu sync.RWMutex
}

var (
	_ Repository = (*SQLiteRepository)(nil)
	_ StateSink  = (*SQLiteRepository)(nil)
)

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, logger: noopLogger{}}
}

// SetLogger sets the logger used for sink write failures.
func (r *SQLiteRepository) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

func (r *SQLiteRepository) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// Create inserts a new thermostat with a generated ID.
// Returns ErrInvalidArgument wrapping ErrDuplicate if label or port is taken.
func (r *SQLiteRepository) Create(ctx context.Context, label, port string) (State, error) {
	st := State{ID: GenerateID(), Label: label, Port: port}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO thermostats (id, label, port) VALUES (?, ?, ?)",
		st.ID, st.Label, st.Port,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return State{}, fmt.Errorf("%w: %w: %q on %s", ErrInvalidArgument, ErrDuplicate, label, port)
		}
		return State{}, fmt.Errorf("inserting thermostat: %w", err)
	}

	return st, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// Delete removes a thermostat and, by cascade, its temperature samples.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM thermostats WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting thermostat: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const selectThermostat = `
	SELECT id, label, port, desired_temperature, ambient_temperature,
		heater_on, remote_update_disabled, last_update
	FROM thermostats`

// Get retrieves a thermostat by ID.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (State, error) {
	row := r.db.QueryRowContext(ctx, selectThermostat+" WHERE id = ?", id)
	st, err := scanState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return State{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return State{}, fmt.Errorf("querying thermostat: %w", err)
	}
	return st, nil
}

// List retrieves all thermostats ordered by label.
func (r *SQLiteRepository) List(ctx context.Context) ([]State, error) {
	rows, err := r.db.QueryContext(ctx, selectThermostat+" ORDER BY label")
	if err != nil {
		return nil, fmt.Errorf("querying thermostats: %w", err)
	}
	defer rows.Close()

	var states []State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning thermostat: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thermostats: %w", err)
	}
	return states, nil
}

// Save writes the telemetry fields of st. Identity fields are not changed.
func (r *SQLiteRepository) Save(ctx context.Context, st State) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE thermostats
		SET desired_temperature = ?, ambient_temperature = ?, heater_on = ?,
			remote_update_disabled = ?, last_update = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`,
		nullFloat(st.DesiredTemperature),
		nullFloat(st.AmbientTemperature),
		nullBool(st.HeaterOn),
		nullBool(st.RemoteUpdateDisabled),
		nullMillis(st.LastUpdate),
		st.ID,
	)
	if err != nil {
		return fmt.Errorf("updating thermostat: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, st.ID)
	}
	return nil
}

// OnStateChanged implements StateSink.
func (r *SQLiteRepository) OnStateChanged(st State) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()

	if err := r.Save(ctx, st); err != nil {
		r.getLogger().Error("persisting thermostat state failed",
			"thermostat_id", st.ID,
			"error", err,
		)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (State, error) {
	var (
		st                 State
		desired, ambient   sql.NullFloat64
		heater, lock, last sql.NullInt64
	)
	if err := row.Scan(&st.ID, &st.Label, &st.Port, &desired, &ambient, &heater, &lock, &last); err != nil {
		return State{}, err
	}

	if desired.Valid {
		st.DesiredTemperature = ptr(desired.Float64)
	}
	if ambient.Valid {
		st.AmbientTemperature = ptr(ambient.Float64)
	}
	if heater.Valid {
		st.HeaterOn = ptr(heater.Int64 != 0)
	}
	if lock.Valid {
		st.RemoteUpdateDisabled = ptr(lock.Int64 != 0)
	}
	if last.Valid {
		st.LastUpdate = ptr(time.UnixMilli(last.Int64).UTC())
	}
	return st, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullBool(v *bool) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	var n int64
	if *v {
		n = 1
	}
	return sql.NullInt64{Int64: n, Valid: true}
}

func nullMillis(v *time.Time) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v.UnixMilli(), Valid: true}
}
