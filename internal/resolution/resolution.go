// Package resolution reconciles a client-supplied time-series resolution with
// a sensor's native event resolution.
//
// Uploads at a coarser resolution are upsampled by repetition when the
// implied resolution divides evenly by the sensor's; anything else is
// rejected before any value is saved. Downloads requesting a coarser
// resolution are only validated here — the actual aggregation is delegated
// to the belief store.
//
// Divisibility is checked with true integer modulo over durations; no
// floating-point tolerance is applied.
package resolution

import (
	"fmt"
	"time"

	"github.com/gridflex/gridflex/internal/timing"
)

// UnapplicableError reports a series whose implied resolution cannot be
// mapped onto the sensor's required resolution.
type UnapplicableError struct {
	Implied  time.Duration
	Required time.Duration
}

func (e *UnapplicableError) Error() string {
	return fmt.Sprintf("resolution: implied resolution %s is not a multiple of the required resolution %s",
		timing.FormatDuration(e.Implied), timing.FormatDuration(e.Required))
}

// ConflictError reports a multi-sensor request whose targets disagree on
// their required resolution. It is raised before any upsampling is attempted.
type ConflictError struct {
	SensorA     int
	SensorB     int
	ResolutionA time.Duration
	ResolutionB time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resolution: sensors %d (%s) and %d (%s) require conflicting resolutions",
		e.SensorA, timing.FormatDuration(e.ResolutionA),
		e.SensorB, timing.FormatDuration(e.ResolutionB))
}

// Implied computes the resolution implied by spreading count values over a
// duration. A zero count yields zero.
func Implied(dur time.Duration, count int) time.Duration {
	if count <= 0 {
		return 0
	}
	return dur / time.Duration(count)
}

// Target identifies one sensor of a multi-sensor request.
type Target struct {
	SensorID int
	Required time.Duration
}

// CheckConflicts verifies that all targeted sensors agree on one required
// resolution, returning it. Fail-fast: the first disagreement aborts the
// request before any values are touched.
func CheckConflicts(targets []Target) (time.Duration, error) {
	if len(targets) == 0 {
		return 0, fmt.Errorf("resolution: no target sensors")
	}
	first := targets[0]
	for _, t := range targets[1:] {
		if t.Required != first.Required {
			return 0, &ConflictError{
				SensorA:     first.SensorID,
				SensorB:     t.SensorID,
				ResolutionA: first.Required,
				ResolutionB: t.Required,
			}
		}
	}
	return first.Required, nil
}

// Upsample maps groups of parallel value series sharing one timestamp axis
// onto the required resolution by repeating each value. All groups must have
// the same length. Returns the upsampled groups and the resulting resolution
// (always the required one on success).
//
// When the implied resolution already equals the required one, the input
// groups are returned unchanged (ratio 1).
func Upsample(groups [][]float64, dur, required time.Duration) ([][]float64, time.Duration, error) {
	if len(groups) == 0 || len(groups[0]) == 0 {
		return nil, 0, fmt.Errorf("resolution: no values to upsample")
	}
	if required <= 0 {
		return nil, 0, fmt.Errorf("resolution: required resolution must be positive, got %s", required)
	}
	implied := Implied(dur, len(groups[0]))
	if implied == required {
		return groups, required, nil
	}
	if implied <= 0 || implied%required != 0 {
		return nil, 0, &UnapplicableError{Implied: implied, Required: required}
	}
	ratio := int(implied / required)

	out := make([][]float64, len(groups))
	for g, values := range groups {
		if len(values) != len(groups[0]) {
			return nil, 0, fmt.Errorf("resolution: group %d has %d values, expected %d", g, len(values), len(groups[0]))
		}
		up := make([]float64, 0, len(values)*ratio)
		for _, v := range values {
			for range ratio {
				up = append(up, v)
			}
		}
		out[g] = up
	}
	return out, required, nil
}

// ValidateDownsample checks a client-requested download resolution against
// the sensor's native one. Aggregation itself happens in the belief store;
// this only guards that the request is an integer multiple.
func ValidateDownsample(requested, native time.Duration) error {
	if requested == 0 || requested == native {
		return nil
	}
	if native <= 0 || requested < native || requested%native != 0 {
		return &UnapplicableError{Implied: requested, Required: native}
	}
	return nil
}
