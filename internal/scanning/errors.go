package scanning

import (
	"errors"
	"fmt"
)

// ErrExtractionService marks failures of the external extraction service
// (network, quota, non-2xx responses). These are retryable.
var ErrExtractionService = errors.New("extraction service error")

// ErrUnreadableImage is returned when the upload cannot be converted into an
// image the providers accept. Retrying the same file will not help.
var ErrUnreadableImage = errors.New("unreadable image")

// ServiceError describes a failed call to an extraction provider.
type ServiceError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is reports ServiceError as ErrExtractionService.
func (e *ServiceError) Is(target error) bool {
	return target == ErrExtractionService
}

func serviceError(provider string, status int, err error) error {
	return &ServiceError{Provider: provider, StatusCode: status, Err: err}
}
