// Package model holds the domain types shared across the gridflex subsystems:
// sensors, assets, beliefs, data sources, jobs and the API envelope.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ServerMode controls how strictly ordering and overwrite constraints are
// enforced. Play mode relaxes them for demo environments.
type ServerMode string

const (
	ModeNormal ServerMode = "normal"
	ModePlay   ServerMode = "play"
	ModeDemo   ServerMode = "demo"
)

// Valid reports whether m is one of the known server modes.
func (m ServerMode) Valid() bool {
	switch m {
	case ModeNormal, ModePlay, ModeDemo:
		return true
	}
	return false
}

// Account roles.
const (
	RoleAdmin    = "admin"
	RoleProsumer = "prosumer"
)

// Account is an API user. Authentication exchanges the account's API key for
// a JWT; the hash never leaves the storage layer.
type Account struct {
	ID         int    `json:"id"`
	Email      string `json:"email"`
	Role       string `json:"role"`
	APIKeyHash string `json:"-"`
}

// Sensor is a registered time-series sensor. EventResolution is the native
// resolution every saved belief must align with.
type Sensor struct {
	ID              int           `json:"id"`
	AssetID         int           `json:"asset_id"`
	Name            string        `json:"name"`
	Unit            string        `json:"unit"`
	EventResolution time.Duration `json:"event_resolution"`

	// KnowledgeHorizonFixed is the sensor's fixed knowledge horizon: the
	// earliest possible belief horizon for any event. Zero means the event
	// value is knowable immediately after the fact (a measurement); a
	// positive value models ex-ante publication (e.g. day-ahead prices).
	KnowledgeHorizonFixed time.Duration `json:"knowledge_horizon"`
}

// KnowledgeHorizon returns the earliest possible belief horizon for an event
// starting at eventStart. The sensor metadata contract of the timing resolver.
func (s Sensor) KnowledgeHorizon(eventStart time.Time) time.Duration {
	return s.KnowledgeHorizonFixed
}

// Asset is a flexible device (e.g. a battery) owning one or more sensors.
// LastUDIEventID orders state-of-charge posts: a new UDI event id must be
// strictly greater than the last recorded one.
type Asset struct {
	ID             int     `json:"id"`
	OwnerID        *int    `json:"owner_id,omitempty"`
	Name           string  `json:"name"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	LastUDIEventID *int64  `json:"last_udi_event_id,omitempty"`
}

// Source identifies who asserted a belief.
type Source struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
	Type string    `json:"type"` // "user", "forecaster" or "scheduler"
}

// Belief is a single timestamped assertion of a sensor event value.
// BeliefHorizon is the duration between the event start and the belief time:
// positive for forecasts, zero or negative for measurements.
type Belief struct {
	SensorID      int           `json:"sensor_id"`
	EventStart    time.Time     `json:"event_start"`
	BeliefHorizon time.Duration `json:"belief_horizon"`
	EventValue    float64       `json:"event_value"`
	SourceID      uuid.UUID     `json:"source_id"`
}

// BeliefFilter narrows a belief store search. Zero-valued windows are open.
type BeliefFilter struct {
	SensorID          int
	EventStart        time.Time // inclusive
	EventEnd          time.Time // exclusive
	HorizonAtLeast    *time.Duration
	HorizonAtMost     *time.Duration
	BeliefTimeAtLeast *time.Time
	BeliefTimeAtMost  *time.Time
	SourceIDs         []uuid.UUID
	TargetResolution  time.Duration // 0 = sensor's native resolution
}
