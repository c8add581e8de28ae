package thermostat

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// History defaults.
const (
	// DefaultHistoryBin is the width of one averaged history bucket.
	DefaultHistoryBin = 15 * time.Minute

	// DefaultHistoryRetention is how long temperature samples are kept.
	DefaultHistoryRetention = 365 * 24 * time.Hour

	// defaultPruneInterval is how often the retention job runs.
	defaultPruneInterval = time.Hour

	// minHistoryBin keeps a history query from returning one bucket per sample.
	minHistoryBin = time.Minute
)

// TemperatureHistory is a series of averaged ambient temperatures.
// Timestamps mark the end of each bucket, so a 10:07 sample in a
// 15 minute bin is reported at 10:15.
type TemperatureHistory struct {
	Timestamps   []time.Time `json:"timestamps"`
	Temperatures []float64   `json:"temperatures"`
}

// SQLiteHistory records ambient temperature samples and serves averaged
// ranges of them. It is a StateSink.
type SQLiteHistory struct {
	db *sql.DB

	logger   Logger
	loggerMu sync.RWMutex
}

var _ StateSink = (*SQLiteHistory)(nil)

// NewSQLiteHistory creates a history store on an open, migrated database.
func NewSQLiteHistory(db *sql.DB) *SQLiteHistory {
	return &SQLiteHistory{db: db, logger: noopLogger{}}
}

// SetLogger sets the logger used for sink and retention failures.
func (h *SQLiteHistory) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

func (h *SQLiteHistory) getLogger() Logger {
	h.loggerMu.RLock()
	defer h.loggerMu.RUnlock()
	return h.logger
}

// Record stores one ambient temperature sample.
func (h *SQLiteHistory) Record(ctx context.Context, thermostatID string, at time.Time, celsius float64) error {
	if thermostatID == "" {
		return fmt.Errorf("%w: thermostat id is required", ErrInvalidArgument)
	}
	_, err := h.db.ExecContext(ctx,
		"INSERT INTO temperature_samples (thermostat_id, recorded_at, temperature) VALUES (?, ?, ?)",
		thermostatID, at.UnixMilli(), celsius,
	)
	if err != nil {
		return fmt.Errorf("inserting temperature sample: %w", err)
	}
	return nil
}

// OnStateChanged implements StateSink. Snapshots without an ambient
// temperature are ignored.
func (h *SQLiteHistory) OnStateChanged(st State) {
	if st.AmbientTemperature == nil || st.LastUpdate == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()

	if err := h.Record(ctx, st.ID, *st.LastUpdate, *st.AmbientTemperature); err != nil {
		h.getLogger().Error("recording temperature sample failed",
			"thermostat_id", st.ID,
			"error", err,
		)
	}
}

// Range returns the average ambient temperature per bin for samples in
// [from, to), each labelled with the end of its bin. Empty bins are
// omitted.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - thermostatID: Thermostat to query
//   - from, to: Half-open time range; to must be after from
//   - bin: Bucket width (minimum one minute)
func (h *SQLiteHistory) Range(ctx context.Context, thermostatID string, from, to time.Time, bin time.Duration) (TemperatureHistory, error) {
	if !to.After(from) {
		return TemperatureHistory{}, fmt.Errorf("%w: history range end must be after start", ErrInvalidArgument)
	}
	if bin < minHistoryBin {
		bin = minHistoryBin
	}
	binMillis := bin.Milliseconds()

	rows, err := h.db.QueryContext(ctx, `
		SELECT (recorded_at / ?) * ? + ? AS bucket, AVG(temperature)
		FROM temperature_samples
		WHERE thermostat_id = ? AND recorded_at >= ? AND recorded_at < ?
		GROUP BY bucket
		ORDER BY bucket`,
		binMillis, binMillis, binMillis, thermostatID, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return TemperatureHistory{}, fmt.Errorf("querying temperature history: %w", err)
	}
	defer rows.Close()

	out := TemperatureHistory{
		Timestamps:   []time.Time{},
		Temperatures: []float64{},
	}
	for rows.Next() {
		var bucket int64
		var avg float64
		if err := rows.Scan(&bucket, &avg); err != nil {
			return TemperatureHistory{}, fmt.Errorf("scanning temperature history: %w", err)
		}
		out.Timestamps = append(out.Timestamps, time.UnixMilli(bucket).UTC())
		out.Temperatures = append(out.Temperatures, avg)
	}
	if err := rows.Err(); err != nil {
		return TemperatureHistory{}, fmt.Errorf("iterating temperature history: %w", err)
	}
	return out, nil
}

// Prune deletes samples recorded before cutoff and returns how many went.
func (h *SQLiteHistory) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := h.db.ExecContext(ctx,
		"DELETE FROM temperature_samples WHERE recorded_at < ?",
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning temperature samples: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// RunRetention prunes samples older than retention once immediately and
// then every hour until ctx is cancelled. It blocks; run it in a goroutine.
func (h *SQLiteHistory) RunRetention(ctx context.Context, retention time.Duration) {
	if retention <= 0 {
		retention = DefaultHistoryRetention
	}

	prune := func() {
		n, err := h.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			if ctx.Err() == nil {
				h.getLogger().Warn("temperature retention failed", "error", err)
			}
			return
		}
		if n > 0 {
			h.getLogger().Info("pruned temperature samples", "count", n)
		}
	}

	prune()

	ticker := time.NewTicker(defaultPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
