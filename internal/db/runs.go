package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/fts.report/internal/interferogram"
)

// ErrNotFound is returned when a lookup by id matches nothing.
var ErrNotFound = errors.New("not found")

const (
	KindRaw       = "raw"
	KindProcessed = "processed"
)

// RunSummary is one catalog row without its samples.
type RunSummary struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	SourceRunID     string    `json:"source_run_id,omitempty"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	Samples         int       `json:"samples"`
	AcceptedBatches int       `json:"accepted_batches"`
	DroppedBatches  int       `json:"dropped_batches"`
	CSVPath         string    `json:"csv_path,omitempty"`
}

type runRow struct {
	kind      string
	sourceID  string
	start     time.Time
	end       time.Time
	accepted  int
	dropped   int
	csvPath   string
	positions []float64
	voltages  []float64
}

// InsertRawRun stores a raw run and its samples and returns the new run id.
func (db *DB) InsertRawRun(ctx context.Context, run *interferogram.RawRun, csvPath string) (string, error) {
	if err := run.Validate(); err != nil {
		return "", fmt.Errorf("insert raw run: %w", err)
	}
	return db.insertRun(ctx, runRow{
		kind:      KindRaw,
		start:     run.StartTime,
		end:       run.EndTime,
		accepted:  run.AcceptedBatches,
		dropped:   run.DroppedBatches,
		csvPath:   csvPath,
		positions: run.Position,
		voltages:  run.Voltage,
	})
}

// InsertProcessedRun stores a processed run derived from sourceID. An empty
// sourceID leaves the link unset.
func (db *DB) InsertProcessedRun(ctx context.Context, sourceID string, run *interferogram.ProcessedRun, csvPath string) (string, error) {
	if len(run.Positions) != len(run.DetrendedVoltage) {
		return "", fmt.Errorf("insert processed run: %d positions but %d voltages", len(run.Positions), len(run.DetrendedVoltage))
	}
	return db.insertRun(ctx, runRow{
		kind:      KindProcessed,
		sourceID:  sourceID,
		start:     run.StartTime,
		end:       run.EndTime,
		csvPath:   csvPath,
		positions: run.Positions,
		voltages:  run.DetrendedVoltage,
	})
}

func (db *DB) insertRun(ctx context.Context, r runRow) (string, error) {
	id := uuid.NewString()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("insert %s run: %w", r.kind, err)
	}
	defer tx.Rollback()

	var source sql.NullString
	if r.sourceID != "" {
		source = sql.NullString{String: r.sourceID, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, kind, source_run_id, start_unix_nanos, end_unix_nanos,
			sample_count, accepted_batches, dropped_batches, csv_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.kind, source, r.start.UnixNano(), r.end.UnixNano(),
		len(r.positions), r.accepted, r.dropped, r.csvPath,
	)
	if err != nil {
		return "", fmt.Errorf("insert %s run: %w", r.kind, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO run_samples (run_id, idx, position, voltage) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("prepare samples: %w", err)
	}
	defer stmt.Close()
	for i := range r.positions {
		if _, err := stmt.ExecContext(ctx, id, i, r.positions[i], r.voltages[i]); err != nil {
			return "", fmt.Errorf("insert sample %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit %s run: %w", r.kind, err)
	}
	return id, nil
}

// RawRun loads one raw run with its samples.
func (db *DB) RawRun(ctx context.Context, id string) (*interferogram.RawRun, error) {
	r, err := db.loadRun(ctx, id, KindRaw)
	if err != nil {
		return nil, err
	}
	return &interferogram.RawRun{
		Position:        r.positions,
		Voltage:         r.voltages,
		StartTime:       r.start,
		EndTime:         r.end,
		AcceptedBatches: r.accepted,
		DroppedBatches:  r.dropped,
	}, nil
}

// ProcessedRun loads one processed run with its samples.
func (db *DB) ProcessedRun(ctx context.Context, id string) (*interferogram.ProcessedRun, error) {
	r, err := db.loadRun(ctx, id, KindProcessed)
	if err != nil {
		return nil, err
	}
	return &interferogram.ProcessedRun{
		Positions:        r.positions,
		DetrendedVoltage: r.voltages,
		StartTime:        r.start,
		EndTime:          r.end,
	}, nil
}

// LatestProcessedRun returns the processed run with the newest start time,
// or interferogram.ErrNoRuns when none has been stored.
func (db *DB) LatestProcessedRun(ctx context.Context) (*interferogram.ProcessedRun, string, error) {
	var id string
	err := db.QueryRowContext(ctx, `
		SELECT run_id FROM runs
		WHERE kind = ?
		ORDER BY start_unix_nanos DESC, rowid DESC
		LIMIT 1`, KindProcessed).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", interferogram.ErrNoRuns
	}
	if err != nil {
		return nil, "", fmt.Errorf("latest processed run: %w", err)
	}
	run, err := db.ProcessedRun(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return run, id, nil
}

// ListRuns returns catalog rows newest first. A limit of zero or less
// returns every row.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `
		SELECT run_id, kind, COALESCE(source_run_id, ''), start_unix_nanos, end_unix_nanos,
			sample_count, accepted_batches, dropped_batches, csv_path
		FROM runs
		ORDER BY start_unix_nanos DESC, kind`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		var start, end int64
		if err := rows.Scan(&s.ID, &s.Kind, &s.SourceRunID, &start, &end,
			&s.Samples, &s.AcceptedBatches, &s.DroppedBatches, &s.CSVPath); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		s.StartTime = time.Unix(0, start).UTC()
		s.EndTime = time.Unix(0, end).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *DB) loadRun(ctx context.Context, id, kind string) (runRow, error) {
	r := runRow{kind: kind}
	var start, end int64
	var source sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT source_run_id, start_unix_nanos, end_unix_nanos, accepted_batches, dropped_batches, csv_path
		FROM runs WHERE run_id = ? AND kind = ?`, id, kind).
		Scan(&source, &start, &end, &r.accepted, &r.dropped, &r.csvPath)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%s run %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("load %s run %s: %w", kind, id, err)
	}
	r.sourceID = source.String
	r.start = time.Unix(0, start).UTC()
	r.end = time.Unix(0, end).UTC()

	rows, err := db.QueryContext(ctx, `SELECT position, voltage FROM run_samples WHERE run_id = ? ORDER BY idx`, id)
	if err != nil {
		return r, fmt.Errorf("load samples for %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var p, v float64
		if err := rows.Scan(&p, &v); err != nil {
			return r, fmt.Errorf("scan sample: %w", err)
		}
		r.positions = append(r.positions, p)
		r.voltages = append(r.voltages, v)
	}
	return r, rows.Err()
}
