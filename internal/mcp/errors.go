package mcp

import (
	"errors"
	"fmt"
)

// ErrConfigNotFound is returned when an operation names an unregistered provider.
var ErrConfigNotFound = errors.New("mcp: provider config not found")

// ProviderError wraps a spawn, handshake or protocol failure of one provider.
type ProviderError struct {
	ProviderID string
	Op         string
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("mcp provider %s: %s: %v", e.ProviderID, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsProviderError reports whether err wraps a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
