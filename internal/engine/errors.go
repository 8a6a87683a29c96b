package engine

import (
	"errors"
	"fmt"
)

// Machine lookups merge "does not exist" and "not yours" into one error so
// the API never leaks which machine ids exist.
var ErrNotFoundOrDenied = errors.New("machine not found or access denied")

// ErrAdminRequired guards administrator-only operations.
var ErrAdminRequired = errors.New("administrator privileges required")

// ErrCircularDependency rejects a template application whose reference edge
// would make the template reach back to the department filter.
var ErrCircularDependency = errors.New("template application would create a circular reference")

// ValidationError reports a rejected input field. Validation never clamps;
// the mutation fails as a whole.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ServiceError reports a degraded side effect of an otherwise successful
// mutation: the policy data committed, but a downstream service (enforcement
// sync, notification) failed. It is surfaced alongside the result, never as
// the operation's error.
type ServiceError struct {
	Service  string `json:"service"`
	Message  string `json:"message"`
	Recovery string `json:"recovery,omitempty"`
}

func (e ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Service, e.Message)
}
