package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL is returned when the ticker request URL cannot be built.
	ErrInvalidURL = errors.New("invalid ticker URL")

	// ErrInvalidResponse is returned when the body is not the expected {symbol, price} shape.
	ErrInvalidResponse = errors.New("invalid ticker response")

	// ErrInvalidPrice is returned when the price field is not a finite decimal number.
	ErrInvalidPrice = errors.New("invalid price format")

	// ErrInvalidSymbol is returned when a custom symbol is malformed or collides with a built-in.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)

// ServerError is returned for any non-2xx ticker response.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: status %d", e.StatusCode)
}

// NetworkError represents a transport failure (DNS, timeout, refused, TLS).
type NetworkError struct {
	Op  string // Operation that failed (e.g., "request", "read")
	Err error  // Underlying error
}

func (e *NetworkError) Error() string {
	return "network error: " + e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError wraps a transport failure
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err}
}

// ConfigError represents a configuration or settings validation error
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ErrorKind returns a short classification of a fetch error for logs and the UI feed.
func ErrorKind(err error) string {
	var serverErr *ServerError
	var netErr *NetworkError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidURL):
		return "invalid_url"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(err, ErrInvalidPrice):
		return "invalid_price"
	case errors.As(err, &serverErr):
		return "server"
	case errors.As(err, &netErr):
		return "network"
	default:
		return "unknown"
	}
}
