package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for the turn loop.
var (
	// ErrModelRateLimited indicates the model backend rejected the request
	// with a rate limit. The conversation stays usable.
	ErrModelRateLimited = errors.New("model rate limited")

	// ErrMalformedToolArguments indicates the model produced tool arguments
	// that are not a JSON object. It is reported to the model as a tool
	// result and never returned from a turn.
	ErrMalformedToolArguments = errors.New("malformed tool arguments")

	// ErrNoProvider indicates no LLM provider is configured.
	ErrNoProvider = errors.New("no provider configured")
)

// ModelError wraps a failure of the model backend.
type ModelError struct {
	Provider   string
	Model      string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *ModelError) Error() string {
	msg := "model request failed"
	if e.Provider != "" {
		msg = e.Provider + " " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying error.
func (e *ModelError) Unwrap() error {
	return e.Err
}

// Is reports rate-limit errors as ErrModelRateLimited.
func (e *ModelError) Is(target error) bool {
	return target == ErrModelRateLimited && e.StatusCode == 429
}

// IsRateLimited reports whether err is a model rate limit.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrModelRateLimited)
}
