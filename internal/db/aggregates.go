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

// InsertAggregate stores an aggregate dataset created at the given time and
// returns its id.
func (db *DB) InsertAggregate(ctx context.Context, ds *interferogram.AggregateDataset, csvPath string, created time.Time) (string, error) {
	n := ds.Len()
	if len(ds.MeanVoltage) != n || len(ds.Counts) != n {
		return "", fmt.Errorf("insert aggregate: misaligned dataset (%d/%d/%d)", n, len(ds.MeanVoltage), len(ds.Counts))
	}
	id := uuid.NewString()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("insert aggregate: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO aggregates (aggregate_id, run_count, position_count, csv_path, created_unix_nanos)
		VALUES (?, ?, ?, ?, ?)`, id, ds.RunCount, n, csvPath, created.UnixNano()); err != nil {
		return "", fmt.Errorf("insert aggregate: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO aggregate_points (aggregate_id, idx, position, mean_voltage, sample_count)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("prepare aggregate points: %w", err)
	}
	defer stmt.Close()
	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, id, i, ds.Positions[i], ds.MeanVoltage[i], ds.Counts[i]); err != nil {
			return "", fmt.Errorf("insert aggregate point %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit aggregate: %w", err)
	}
	return id, nil
}

// Aggregate loads one stored aggregate dataset.
func (db *DB) Aggregate(ctx context.Context, id string) (*interferogram.AggregateDataset, error) {
	ds := &interferogram.AggregateDataset{}
	err := db.QueryRowContext(ctx, `SELECT run_count FROM aggregates WHERE aggregate_id = ?`, id).Scan(&ds.RunCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("aggregate %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load aggregate %s: %w", id, err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT position, mean_voltage, sample_count FROM aggregate_points
		WHERE aggregate_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("load aggregate points: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p, v float64
		var c int
		if err := rows.Scan(&p, &v, &c); err != nil {
			return nil, fmt.Errorf("scan aggregate point: %w", err)
		}
		ds.Positions = append(ds.Positions, p)
		ds.MeanVoltage = append(ds.MeanVoltage, v)
		ds.Counts = append(ds.Counts, c)
	}
	return ds, rows.Err()
}
