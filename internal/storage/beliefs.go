package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/gridflex/gridflex/internal/model"
)

// SaveBeliefs persists belief records. Without overwrite, a duplicate
// (sensor, event start, horizon, source) key fails the whole save with
// ErrIntegrityConflict and no rows are kept. With overwrite, existing rows
// are replaced (play-mode recovery path).
func (db *DB) SaveBeliefs(ctx context.Context, beliefs []model.Belief, overwrite bool) error {
	if len(beliefs) == 0 {
		return nil
	}

	conflictClause := "ON CONFLICT (sensor_id, event_start, belief_horizon, source_id) DO NOTHING"
	if overwrite {
		conflictClause = `ON CONFLICT (sensor_id, event_start, belief_horizon, source_id)
			DO UPDATE SET event_value = EXCLUDED.event_value`
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin save beliefs: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO beliefs (sensor_id, event_start, belief_horizon, event_value, source_id)
		VALUES ($1, $2, $3, $4, $5) ` + conflictClause

	batch := &pgx.Batch{}
	for _, b := range beliefs {
		batch.Queue(query, b.SensorID, b.EventStart, toInterval(b.BeliefHorizon), b.EventValue, b.SourceID)
	}

	res := tx.SendBatch(ctx, batch)
	var inserted int64
	for range beliefs {
		tag, err := res.Exec()
		if err != nil {
			_ = res.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("storage: save beliefs: %w", ErrIntegrityConflict)
			}
			return fmt.Errorf("storage: save beliefs: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	if err := res.Close(); err != nil {
		return fmt.Errorf("storage: save beliefs: %w", err)
	}

	// DO NOTHING swallows duplicates silently; surface them as a conflict so
	// the caller can decide between overwriting and reporting idempotent
	// success.
	if !overwrite && inserted < int64(len(beliefs)) {
		return fmt.Errorf("storage: save beliefs: %d of %d rows already present: %w",
			int64(len(beliefs))-inserted, len(beliefs), ErrIntegrityConflict)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit save beliefs: %w", err)
	}
	return nil
}

// SearchBeliefs returns beliefs ordered by event start, filtered by the
// event window, belief-horizon window, belief-time window and sources. A
// TargetResolution coarser than the sensor's native resolution aggregates
// values by averaging over buckets (the download path of the resolution
// reconciler delegates here).
func (db *DB) SearchBeliefs(ctx context.Context, f model.BeliefFilter) ([]model.Belief, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	add("sensor_id = $%d", f.SensorID)
	if !f.EventStart.IsZero() {
		add("event_start >= $%d", f.EventStart)
	}
	if !f.EventEnd.IsZero() {
		add("event_start < $%d", f.EventEnd)
	}
	if f.HorizonAtLeast != nil {
		add("belief_horizon >= $%d", toInterval(*f.HorizonAtLeast))
	}
	if f.HorizonAtMost != nil {
		add("belief_horizon <= $%d", toInterval(*f.HorizonAtMost))
	}
	if f.BeliefTimeAtLeast != nil {
		add("event_start - belief_horizon >= $%d", *f.BeliefTimeAtLeast)
	}
	if f.BeliefTimeAtMost != nil {
		add("event_start - belief_horizon <= $%d", *f.BeliefTimeAtMost)
	}
	if len(f.SourceIDs) > 0 {
		add("source_id = ANY($%d)", f.SourceIDs)
	}
	where := strings.Join(conds, " AND ")

	if f.TargetResolution > 0 {
		return db.searchAggregated(ctx, f, where, args)
	}

	rows, err := db.pool.Query(ctx, `
		SELECT sensor_id, event_start, belief_horizon, event_value, source_id
		FROM beliefs WHERE `+where+`
		ORDER BY event_start, belief_horizon DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: search beliefs: %w", err)
	}
	defer rows.Close()

	return scanBeliefs(rows)
}

// searchAggregated buckets events on the target resolution and averages the
// values, keeping the smallest horizon per bucket and source.
func (db *DB) searchAggregated(ctx context.Context, f model.BeliefFilter, where string, args []any) ([]model.Belief, error) {
	args = append(args, f.TargetResolution.Seconds())
	bucket := fmt.Sprintf(
		"to_timestamp(floor(extract(epoch FROM event_start) / $%d) * $%d) AT TIME ZONE 'UTC'",
		len(args), len(args))

	rows, err := db.pool.Query(ctx, `
		SELECT sensor_id, `+bucket+` AS bucket, min(belief_horizon), avg(event_value), source_id
		FROM beliefs WHERE `+where+`
		GROUP BY sensor_id, bucket, source_id
		ORDER BY bucket`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: search beliefs aggregated: %w", err)
	}
	defer rows.Close()

	return scanBeliefs(rows)
}

func scanBeliefs(rows pgx.Rows) ([]model.Belief, error) {
	var out []model.Belief
	for rows.Next() {
		var (
			b       model.Belief
			horizon pgtype.Interval
			start   time.Time
		)
		if err := rows.Scan(&b.SensorID, &start, &horizon, &b.EventValue, &b.SourceID); err != nil {
			return nil, fmt.Errorf("storage: scan belief: %w", err)
		}
		b.EventStart = start.UTC()
		b.BeliefHorizon = fromInterval(horizon)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: search beliefs: %w", err)
	}
	return out, nil
}
