package responder

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials means the caller has no usable key for the
	// backend. Retrying will not help.
	ErrInvalidCredentials = errors.New("responder: invalid or missing credentials")

	// ErrEmptyContent means the backend answered with nothing usable.
	ErrEmptyContent = errors.New("responder: empty content")
)

// ProviderError is any other backend failure: transport, non-2xx status,
// malformed payload.
type ProviderError struct {
	Provider string
	Status   int // HTTP status, 0 when the request never completed
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("responder: %s: status %d: %s", e.Provider, e.Status, msg)
	}
	return fmt.Sprintf("responder: %s: %s", e.Provider, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// result classifies err for metrics labels.
func result(err error) string {
	var pe *ProviderError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrEmptyContent):
		return "empty"
	case errors.As(err, &pe) && pe.Status != 0:
		return fmt.Sprintf("status_%d", pe.Status)
	default:
		return "provider_error"
	}
}
