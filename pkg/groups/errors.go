package groups

import (
	"errors"
	"fmt"
)

// NotAuthenticatedError is returned when the caller principal is missing
// id or email. Always fatal to the call, never retried.
type NotAuthenticatedError struct{}

func (e *NotAuthenticatedError) Error() string {
	return "not authenticated"
}

// NotAuthorizedError is returned when no ownership or grant path exists.
// It carries the denied resource and action for audit.
type NotAuthorizedError struct {
	UserID      string
	RessourceID string
	Service     string
	Action      string
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("not authorized: ressource %s, action %s:%s", e.RessourceID, e.Service, e.Action)
}

// UpdateConflictError is returned for invalid transitions, e.g. an admin
// attempting to change their own role. It carries the subject for
// diagnostics.
type UpdateConflictError struct {
	GroupID string
	Reason  string
}

func (e *UpdateConflictError) Error() string {
	return fmt.Sprintf("update conflict on group %s: %s", e.GroupID, e.Reason)
}

// ValidationError is returned for malformed requests, before any
// transaction is opened.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func invalidf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsNotAuthenticated reports whether err is a NotAuthenticatedError.
func IsNotAuthenticated(err error) bool {
	var target *NotAuthenticatedError
	return errors.As(err, &target)
}

// IsNotAuthorized reports whether err is a NotAuthorizedError.
func IsNotAuthorized(err error) bool {
	var target *NotAuthorizedError
	return errors.As(err, &target)
}

// IsUpdateConflict reports whether err is an UpdateConflictError.
func IsUpdateConflict(err error) bool {
	var target *UpdateConflictError
	return errors.As(err, &target)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
