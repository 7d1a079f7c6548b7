package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrIntegrityConflict is returned when saving beliefs that already exist for
// the same (sensor, event start, horizon, source) key.
var ErrIntegrityConflict = errors.New("storage: belief already exists")

// ErrOutdatedEvent is returned when a posted UDI event id is not strictly
// greater than the asset's last recorded event id.
var ErrOutdatedEvent = errors.New("storage: outdated UDI event id")
