package storage

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// toInterval converts a duration to a Postgres interval value.
func toInterval(d time.Duration) pgtype.Interval {
	return pgtype.Interval{Microseconds: d.Microseconds(), Valid: true}
}

// fromInterval converts a Postgres interval back to a duration. Durations in
// this schema are always stored as pure microsecond intervals, so month and
// day components only appear if rows were written out-of-band; they are
// converted with the Postgres defaults (30-day months, 24-hour days).
func fromInterval(iv pgtype.Interval) time.Duration {
	d := time.Duration(iv.Microseconds) * time.Microsecond
	d += time.Duration(iv.Days) * 24 * time.Hour
	d += time.Duration(iv.Months) * 30 * 24 * time.Hour
	return d
}
