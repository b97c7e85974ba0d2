// Package apperr defines the error taxonomy shared by the intake pipeline and its HTTP surface.
//
// Every typed error matches its sentinel through errors.Is, so callers can branch on
// the category without caring about the concrete payload:
//
//	if errors.Is(err, apperr.ErrUpstream) {
//	    // the external processing service answered non-2xx
//	}
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Category sentinels.
var (
	// ErrValidation indicates required input was missing before any network call.
	ErrValidation = errors.New("validation error")

	// ErrUpstream indicates the external processing service failed or answered non-2xx.
	ErrUpstream = errors.New("upstream error")

	// ErrNotFound indicates the requested rows or resource did not exist.
	ErrNotFound = errors.New("not found")

	// ErrConfiguration indicates required environment configuration is absent.
	ErrConfiguration = errors.New("configuration error")

	// ErrConflict indicates the job's state forbids the requested stage.
	ErrConflict = errors.New("conflict")
)

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s is required", e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Missing builds a ValidationError for an absent field.
func Missing(field string) error {
	return &ValidationError{Field: field}
}

// UpstreamError is a failed call to the external processing service.
type UpstreamError struct {
	Stage      string
	StatusCode int
	Body       string
	Cause      error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s failed: status %d: %s", e.Stage, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s failed: status %d", e.Stage, e.StatusCode)
	case e.Cause != nil:
		return fmt.Sprintf("%s failed: %v", e.Stage, e.Cause)
	default:
		return fmt.Sprintf("%s failed", e.Stage)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// NotFoundError reports that nothing matched, optionally after a number of attempts.
type NotFoundError struct {
	Resource string
	Attempts int
}

func (e *NotFoundError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("no %s found after %d attempts", e.Resource, e.Attempts)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConfigurationError lists required configuration keys that are unset.
type ConfigurationError struct {
	Keys []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", strings.Join(e.Keys, ", "))
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// StateError reports a stage the job's recorded state forbids: the job is terminal,
// or Reason names what it already did.
type StateError struct {
	JobID  string
	Status string
	Reason string
}

func (e *StateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("job %s: %s", e.JobID, e.Reason)
	}
	return fmt.Sprintf("job %s is already %s", e.JobID, e.Status)
}

func (e *StateError) Is(target error) bool { return target == ErrConflict }

// IsValidation reports whether any error in err's chain is a validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsUpstream reports whether any error in err's chain is an upstream error.
func IsUpstream(err error) bool { return errors.Is(err, ErrUpstream) }

// IsNotFound reports whether any error in err's chain is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConfiguration reports whether any error in err's chain is a configuration error.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsConflict reports whether any error in err's chain is a state conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsUpstream(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
