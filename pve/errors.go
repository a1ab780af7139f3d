package pve

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors
var (
	// ErrInvalidConfig indicates invalid client configuration
	ErrInvalidConfig = errors.New("invalid pve client configuration")
	// ErrTransport indicates the request never produced an HTTP response
	ErrTransport = errors.New("pve transport failure")
	// ErrUnauthorized indicates the server rejected the credentials or ticket
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnexpectedStatus matches any APIError whose status is neither 200 nor 401,
	// from Login or from Response.Err
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrInvalidResponse indicates a response body could not be understood
	ErrInvalidResponse = errors.New("invalid response from pve API")
)

// APIError represents a PVE API error
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("pve API error: status %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is match APIError against the classification sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.IsUnauthorized()
	case ErrUnexpectedStatus:
		return !e.IsUnauthorized() && e.StatusCode != http.StatusOK
	}
	return false
}

// IsNotFound checks if the error indicates a not found response
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsUnauthorized checks if the error indicates an authentication failure
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

func transportError(op, url string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrTransport, op, url, err)
}
