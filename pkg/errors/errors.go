// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the SunStrong data logger.
//
// Every failure a poll tick can hit falls into one of a few kinds:
//
//   - AuthError: the vendor rejected or expired the session credentials
//   - TransientError: network failure, timeout or server-side error
//   - ParseError: the vendor response did not have the expected shape
//   - ConfigError: a required setting is missing or invalid (startup only)
//   - SinkError: an output adapter failed to persist a reading
//
// Use errors.As (or the Is* helpers) to inspect them, and Kind to get a
// short label for structured log fields.
//
// # Example Usage
//
//	reading, err := client.FetchCurrentPower(ctx)
//	if errors.IsAuthError(err) && client.CanRefresh() {
//	    err = client.RefreshToken(ctx)
//	}
//
//	logger.Error().Err(err).Str("error_kind", errors.Kind(err)).Msg("Tick failed")
package errors

import (
	"errors"
	"fmt"
)

// AuthError represents credentials rejected or expired by the vendor API.
type AuthError struct {
	Op         string // Operation being performed (e.g., "fetch current power", "refresh token")
	StatusCode int    // HTTP status code, 0 when the rejection came from the response body
	Err        error  // Underlying error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("auth %s (status=%d): %v", e.Op, e.StatusCode, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("auth %s failed", e.Op)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError creates a new auth error.
func NewAuthError(op string, statusCode int, err error) *AuthError {
	return &AuthError{Op: op, StatusCode: statusCode, Err: err}
}

// IsAuthError checks if an error is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// TransientError represents a network, timeout or server-side failure.
// The tick is abandoned and the next one may succeed.
type TransientError struct {
	Op         string // Operation being performed
	StatusCode int    // HTTP status code, 0 for transport failures
	Err        error  // Underlying error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient %s (status=%d): %v", e.Op, e.StatusCode, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("transient %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transient %s failed", e.Op)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a new transient error.
func NewTransientError(op string, statusCode int, err error) *TransientError {
	return &TransientError{Op: op, StatusCode: statusCode, Err: err}
}

// IsTransientError checks if an error is a TransientError.
func IsTransientError(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ParseError represents a response whose shape was not recognized.
type ParseError struct {
	Op  string // Operation being performed
	Err error  // Underlying error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("parse %s failed", e.Op)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new parse error.
func NewParseError(op string, err error) *ParseError {
	return &ParseError{Op: op, Err: err}
}

// IsParseError checks if an error is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, may be redacted for sensitive fields)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// SinkError represents a failure of an output adapter.
type SinkError struct {
	Sink string // Sink name (e.g., "gcs", "postgres", "graphite")
	Op   string // Operation being performed (e.g., "write", "upload", "close")
	Err  error  // Underlying error
}

func (e *SinkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sink %s %s: %v", e.Sink, e.Op, e.Err)
	}
	return fmt.Sprintf("sink %s %s failed", e.Sink, e.Op)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// NewSinkError creates a new sink error.
func NewSinkError(sink string, op string, err error) *SinkError {
	return &SinkError{Sink: sink, Op: op, Err: err}
}

// IsSinkError checks if an error is a SinkError.
func IsSinkError(err error) bool {
	var se *SinkError
	return errors.As(err, &se)
}

// NotificationError represents an error sending notifications.
type NotificationError struct {
	Type string // Notification type (e.g., "slack", "email")
	Err  error  // Underlying error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notification %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("notification %s failed", e.Type)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// NewNotificationError creates a new notification error.
func NewNotificationError(notifType string, err error) *NotificationError {
	return &NotificationError{Type: notifType, Err: err}
}

// IsNotificationError checks if an error is a NotificationError.
func IsNotificationError(err error) bool {
	var ne *NotificationError
	return errors.As(err, &ne)
}

// Kind returns a short label for the error's category, for log fields.
// The outermost sink wrapper wins over whatever the sink's client returned.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsSinkError(err):
		return "sink"
	case IsAuthError(err):
		return "auth"
	case IsParseError(err):
		return "parse"
	case IsTransientError(err):
		return "transient"
	case IsConfigError(err):
		return "config"
	case IsNotificationError(err):
		return "notification"
	default:
		return "unknown"
	}
}

// Sentinel errors for common conditions
var (
	// ErrMissingCredentials indicates neither a token nor username/password were supplied
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrRefreshNotConfigured indicates a token refresh was requested without username/password
	ErrRefreshNotConfigured = errors.New("token refresh not configured")

	// ErrRefreshRateLimited indicates a refresh was attempted too soon after the previous one
	ErrRefreshRateLimited = errors.New("token refresh rate limited")

	// ErrCircuitBreakerOpen indicates the circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrObjectNotFound indicates an object storage key does not exist
	ErrObjectNotFound = errors.New("object not found")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("operation timeout")
)
