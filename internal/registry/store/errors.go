package store

import "fmt"

// NotFoundError indicates the resource was not found (or user lacks access).
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates a uniqueness/conflict violation.
type ConflictError struct {
	Message string
	Code    string
	Details map[string]interface{}
}

func (e *ConflictError) Error() string {
	return e.Message
}

// ForbiddenError indicates insufficient access.
type ForbiddenError struct{}

func (e *ForbiddenError) Error() string {
	return "forbidden"
}

// PreconditionFailedError indicates the request is well-formed but the target
// resource is not in a state that allows the operation (e.g. forking at a
// non-HISTORY or non-user entry). Maps to HTTP 422.
type PreconditionFailedError struct {
	Message string
}

func (e *PreconditionFailedError) Error() string {
	return e.Message
}

// PayloadTooLargeError indicates the request body (or an uploaded attachment)
// exceeds the configured size limit. Maps to HTTP 413.
type PayloadTooLargeError struct {
	Message string
}

func (e *PayloadTooLargeError) Error() string {
	return e.Message
}

// SearchTypeUnavailableError indicates the requested searchType has no backend
// configured on this server. Maps to HTTP 501; AvailableTypes lists whichever
// search modes are actually usable so the caller knows what to retry with.
type SearchTypeUnavailableError struct {
	AvailableTypes []string
}

func (e *SearchTypeUnavailableError) Error() string {
	return "search_type_unavailable"
}

// JustificationRequiredError indicates a mutating admin call was made without
// the justification the server is configured to require. Maps to HTTP 400.
type JustificationRequiredError struct{}

func (e *JustificationRequiredError) Error() string {
	return "justification is required"
}
