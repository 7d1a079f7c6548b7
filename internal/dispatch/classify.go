package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// MissingDataError reports that a job depends on upstream data that is not
// there, e.g. unknown prices for the requested window. Retrying before new
// data arrives cannot succeed, so these failures are terminal.
type MissingDataError struct {
	What     string
	SensorID int
	Start    time.Time
	End      time.Time
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("dispatch: missing %s for sensor %d in window [%s, %s)",
		e.What, e.SensorID, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// FailureKind is the outcome of classifying a job failure.
type FailureKind int

const (
	// FailureTerminal failures are logged and surfaced; retrying is pointless.
	FailureTerminal FailureKind = iota
	// FailureRetryable failures come from transient backing-store trouble
	// and are retried up to the configured attempt count.
	FailureRetryable
)

// Classify decides whether a failed job should be retried.
func Classify(err error) FailureKind {
	var missing *MissingDataError
	if errors.As(err, &missing) {
		return FailureTerminal
	}

	// Transient Postgres conflicts.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return FailureRetryable
		}
		return FailureTerminal
	}

	// Transient connectivity trouble with either backing store.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureRetryable
	}
	if errors.Is(err, redis.TxFailedErr) || errors.Is(err, context.DeadlineExceeded) {
		return FailureRetryable
	}

	return FailureTerminal
}

// ErrorTypeName returns the concrete type name of the innermost error, for
// operator triage of terminal failures. Plain string errors report as their
// message-less kind ("errorString"-style names are collapsed to "error").
func ErrorTypeName(err error) string {
	if err == nil {
		return ""
	}
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	name := fmt.Sprintf("%T", inner)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if name == "errorString" || name == "wrapError" {
		return "error"
	}
	return name
}
