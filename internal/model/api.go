package model

import "time"

// Stable API error codes. Clients match on these, never on messages.
const (
	ErrCodeInvalidRequest          = "INVALID_REQUEST"
	ErrCodeInvalidDomain           = "INVALID_DOMAIN"
	ErrCodeInvalidHorizon          = "INVALID_HORIZON"
	ErrCodeInvalidUnit             = "INVALID_UNIT"
	ErrCodeUnapplicableResolution  = "UNAPPLICABLE_RESOLUTION"
	ErrCodeConflictingResolutions  = "CONFLICTING_RESOLUTIONS"
	ErrCodeOutdatedEvent           = "OUTDATED_EVENT"
	ErrCodeAlreadyReceived         = "ALREADY_RECEIVED"
	ErrCodeUnknownSchedule         = "UNKNOWN_SCHEDULE"
	ErrCodeNotFound                = "NOT_FOUND"
	ErrCodeUnauthorized            = "UNAUTHORIZED"
	ErrCodeRateLimited             = "RATE_LIMITED"
	ErrCodeInternal                = "INTERNAL_ERROR"
)

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a stable code and a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta is attached to every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}
