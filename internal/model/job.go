package model

import (
	"time"

	"github.com/google/uuid"
)

// QueueName names one of the two job queues.
type QueueName string

const (
	QueueForecasting QueueName = "forecasting"
	QueueScheduling  QueueName = "scheduling"
)

// JobStatus is the externally visible lifecycle state of a job.
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobStarted  JobStatus = "started"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
)

// JobDescriptor is a fixed-schema description of a forecasting or scheduling
// job. Scheduling job ids are derived deterministically from the triggering
// entity address so that re-triggering overwrites outdated work.
type JobDescriptor struct {
	ID         string        `json:"id"`
	Queue      QueueName     `json:"queue"`
	SensorID   int           `json:"sensor_id"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Resolution time.Duration `json:"resolution"`

	// Horizons enumerates the forecast horizons to compute. Empty for
	// scheduling jobs, which are a single run.
	Horizons []time.Duration `json:"horizons,omitempty"`

	// Scheduling-only fields.
	SOCAtStart *float64    `json:"soc_at_start,omitempty"` // state of charge in MWh
	SOCTargets []SOCTarget `json:"soc_targets,omitempty"`
	UDIEventID *int64      `json:"udi_event_id,omitempty"`

	// SourceID is set by the worker when the job finishes; it identifies the
	// data source under which the job's output beliefs were saved.
	SourceID *uuid.UUID `json:"source_id,omitempty"`

	Status     JobStatus `json:"status"`
	Attempt    int       `json:"attempt"`
	MaxRetries int       `json:"max_retries"`
	LastError  string    `json:"last_error,omitempty"`
	ErrorType  string    `json:"error_type,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SOCTarget is a desired state of charge at a point in time.
type SOCTarget struct {
	Value    float64   `json:"value"`
	Datetime time.Time `json:"datetime"`
}

// EntityKind tags what a job cache key refers to.
type EntityKind string

const (
	EntitySensorKind EntityKind = "sensor"
	EntityAssetKind  EntityKind = "asset"
)
