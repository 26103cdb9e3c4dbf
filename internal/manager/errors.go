package manager

import (
	"errors"
	"fmt"
)

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct{ servable string }

func (e tooBusyError) Error() string { return "too busy: " + e.servable }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var e tooBusyError
	return errors.As(err, &e)
}

// servableNotFoundError is returned by Lookup when no served version matches.
// cause carries the recorded load or runtime error, if any.
type servableNotFoundError struct {
	name    string
	version int64
	cause   error
}

func (e servableNotFoundError) Error() string {
	s := "servable not found: " + e.name
	if e.version != Latest {
		s = fmt.Sprintf("%s version %d", s, e.version)
	}
	if e.cause != nil {
		s += " (last error: " + e.cause.Error() + ")"
	}
	return s
}

func (e servableNotFoundError) Unwrap() error { return e.cause }

// ErrServableNotFound returns a not-found error for name/version.
func ErrServableNotFound(name string, version int64) error {
	return servableNotFoundError{name: name, version: version}
}

// IsServableNotFound reports whether the error indicates a servable that is not being served.
func IsServableNotFound(err error) bool {
	var e servableNotFoundError
	return errors.As(err, &e)
}

// validationError rejects a malformed directive without any state change.
type validationError struct{ msg string }

func (e validationError) Error() string { return "invalid directive: " + e.msg }

// IsValidation reports whether err rejected a malformed directive.
func IsValidation(err error) bool {
	var e validationError
	return errors.As(err, &e)
}

// loadError wraps a failure of the loading collaborator.
type loadError struct {
	name    string
	version int64
	err     error
}

func (e loadError) Error() string {
	return fmt.Sprintf("load %s version %d: %v", e.name, e.version, e.err)
}

func (e loadError) Unwrap() error { return e.err }

// IsLoadError reports whether err is a recorded load failure.
func IsLoadError(err error) bool {
	var e loadError
	return errors.As(err, &e)
}

// runtimeFailure marks an error from a served resource that makes it unusable.
type runtimeFailure struct{ err error }

func (e runtimeFailure) Error() string { return "runtime failure: " + e.err.Error() }
func (e runtimeFailure) Unwrap() error { return e.err }

// ErrRuntimeFailure wraps err so the manager fails the servable that produced it.
// Resources return it from Generate when they can no longer serve requests.
func ErrRuntimeFailure(err error) error { return runtimeFailure{err: err} }

// IsRuntimeFailure reports whether err was wrapped with ErrRuntimeFailure.
func IsRuntimeFailure(err error) bool {
	var e runtimeFailure
	return errors.As(err, &e)
}

// dependencyUnavailableError signals a missing external dependency (e.g., llama.cpp)
// so the HTTP layer can return 503 Service Unavailable instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}
