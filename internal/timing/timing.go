// Package timing resolves user-supplied belief timing parameters into
// concrete per-event knowledge: given a value series, a start and a
// resolution, plus an optional horizon and/or prior belief time, it computes
// the event starts and the belief horizon of each event.
//
// The functions here are pure; sensor metadata enters only through the
// knowledge-horizon function the caller supplies.
package timing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sosodev/duration"
)

// ErrMissingTimingParameter is returned when neither a horizon nor a prior
// was supplied, leaving the belief time of the posted values undefined.
var ErrMissingTimingParameter = errors.New("timing: either horizon or prior is required")

// Request carries the timing parameters of a posted value series.
type Request struct {
	Values     []float64
	Start      time.Time
	Resolution time.Duration

	// Horizon is the belief horizon stated by the client, nil if absent.
	// Negative horizons denote ex-post measurements.
	Horizon *time.Duration

	// Prior is the belief time stated by the client, nil if absent.
	Prior *time.Time

	// KnowledgeHorizon is the sensor's knowledge-horizon function. Nil is
	// treated as the zero function (events knowable right after the fact).
	KnowledgeHorizon func(eventStart time.Time) time.Duration
}

// Resolve computes the event starts and per-event belief horizons.
//
// When both horizon and prior are given, the earliest belief wins: the
// belief horizon of event i is max(horizon, start_i - prior - kh(start_i)).
// With only one of the two given, only that rule applies. With neither,
// ErrMissingTimingParameter is returned.
func Resolve(req Request) ([]time.Time, []time.Duration, error) {
	if req.Horizon == nil && req.Prior == nil {
		return nil, nil, ErrMissingTimingParameter
	}
	if req.Resolution <= 0 {
		return nil, nil, fmt.Errorf("timing: resolution must be positive, got %s", req.Resolution)
	}

	starts := make([]time.Time, len(req.Values))
	horizons := make([]time.Duration, len(req.Values))
	for i := range req.Values {
		starts[i] = req.Start.Add(time.Duration(i) * req.Resolution)

		var h time.Duration
		set := false
		if req.Horizon != nil {
			h = *req.Horizon
			set = true
		}
		if req.Prior != nil {
			kh := time.Duration(0)
			if req.KnowledgeHorizon != nil {
				kh = req.KnowledgeHorizon(starts[i])
			}
			fromPrior := starts[i].Sub(*req.Prior) - kh
			if !set || fromPrior > h {
				h = fromPrior
			}
		}
		horizons[i] = h
	}
	return starts, horizons, nil
}

// ParseHorizon parses an ISO 8601 duration such as "PT6H" or "-PT10M" into a
// horizon. The deprecated repeating-interval prefix "R/" marks a rolling
// horizon (anchored per event rather than to the end of the window) and is
// still accepted for legacy clients.
func ParseHorizon(s string) (time.Duration, bool, error) {
	rolling := false
	v := strings.TrimSpace(s)
	if m := rollingPrefixRe.FindString(v); m != "" {
		rolling = true
		v = v[len(m):]
	}
	d, err := ParseDuration(v)
	if err != nil {
		return 0, false, fmt.Errorf("timing: cannot parse horizon %q: %w", s, err)
	}
	return d, rolling, nil
}

// ParseDuration parses an ISO 8601 duration, with an optional leading sign.
func ParseDuration(s string) (time.Duration, error) {
	v := strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(v, "-") {
		neg = true
		v = v[1:]
	}
	d, err := duration.Parse(v)
	if err != nil {
		return 0, err
	}
	td := d.ToTimeDuration()
	if neg {
		td = -td
	}
	return td, nil
}

var rollingPrefixRe = regexp.MustCompile(`^R\d*/`)

// FormatDuration renders a duration in ISO 8601 form using time units only,
// e.g. "PT15M" or "PT48H", matching what API clients post.
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "PT0H"
	}
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := float64(d%time.Minute) / float64(time.Second)

	var b strings.Builder
	b.WriteString(sign)
	b.WriteString("PT")
	if h > 0 {
		fmt.Fprintf(&b, "%dH", h)
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dM", m)
	}
	if s > 0 {
		fmt.Fprintf(&b, "%gS", s)
	}
	return b.String()
}
