package cdc

import (
	"errors"
	"fmt"
)

// Standard pipeline errors
var (
	// ErrOperationNotSupported is returned when an operation is not supported by the adapter
	ErrOperationNotSupported = errors.New("operation not supported by this adapter")

	// ErrConnectionClosed is returned when attempting to use a closed connection
	ErrConnectionClosed = errors.New("connection is closed")

	// ErrConnectionFailed is returned when a connection attempt fails
	ErrConnectionFailed = errors.New("connection failed")

	// ErrInvalidConfiguration is returned when the configuration is invalid
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrAdapterNotFound is returned when an adapter is not registered
	ErrAdapterNotFound = errors.New("adapter not found")

	// ErrPublisherNotFound is returned when a publisher is not registered
	ErrPublisherNotFound = errors.New("publisher not found")

	// ErrAuthenticationFailed is returned when authentication fails
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrAdapterStopped is returned when an adapter is asked to stream after Stop
	ErrAdapterStopped = errors.New("adapter is stopped")

	// ErrTimeout is returned when an operation exceeds its deadline
	ErrTimeout = errors.New("operation timed out")

	// ErrDuplicateEvent marks an event already delivered under its idempotency key
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrChecksumMismatch is returned when a transactional group fails checksum validation
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrCapacityExceeded is returned when admission control denies a request
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrTransactionNotFound is returned when a transactional group does not exist
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrTransactionNotActive is returned when events are added to a non-active group
	ErrTransactionNotActive = errors.New("transaction is not active")

	// ErrTransactionLimit is returned when the concurrent transaction bound is reached
	ErrTransactionLimit = errors.New("transaction limit reached")

	// ErrDeliveryFailed is returned when delivery exhausts its retry budget
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrStoreUnavailable is returned when a state store cannot be reached
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Error wraps pipeline errors with the source and operation that produced
// them. This provides a consistent error structure across adapters,
// publishers and stores.
type Error struct {
	Source  string
	Op      string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) > 0 {
		return fmt.Sprintf("[%s] %s: %v (context: %v)", e.Source, e.Op, e.Cause, e.Context)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Source, e.Op, e.Cause)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Cause, target)
}

// NewError creates a new Error.
func NewError(source, op string, cause error) *Error {
	return &Error{
		Source:  source,
		Op:      op,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context to an Error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WrapError wraps an error with source and operation context.
// If the error is already an *Error, it returns it as-is.
func WrapError(source, op string, err error) error {
	if err == nil {
		return nil
	}

	// Don't double-wrap
	var pipeErr *Error
	if errors.As(err, &pipeErr) {
		return err
	}

	return NewError(source, op, err)
}

// UnsupportedOperationError is returned when an adapter cannot perform an
// operation.
type UnsupportedOperationError struct {
	Adapter   string
	Operation string
	Reason    string
}

// Error implements the error interface.
func (e *UnsupportedOperationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s does not support %s: %s", e.Adapter, e.Operation, e.Reason)
	}
	return fmt.Sprintf("%s does not support %s", e.Adapter, e.Operation)
}

// Is checks if the error is ErrOperationNotSupported.
func (e *UnsupportedOperationError) Is(target error) bool {
	return errors.Is(target, ErrOperationNotSupported)
}

// NewUnsupportedOperationError creates a new UnsupportedOperationError.
func NewUnsupportedOperationError(adapter, operation, reason string) *UnsupportedOperationError {
	return &UnsupportedOperationError{
		Adapter:   adapter,
		Operation: operation,
		Reason:    reason,
	}
}

// ConnectionError is returned when a connection error occurs.
type ConnectionError struct {
	Source   string
	Endpoint string
	Cause    error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s at %s: %v", e.Source, e.Endpoint, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is ErrConnectionFailed.
func (e *ConnectionError) Is(target error) bool {
	if errors.Is(target, ErrConnectionFailed) {
		return true
	}
	return errors.Is(e.Cause, target)
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(source, endpoint string, cause error) *ConnectionError {
	return &ConnectionError{
		Source:   source,
		Endpoint: endpoint,
		Cause:    cause,
	}
}

// ConfigurationError is returned when configuration is invalid. Field names
// the offending option using its YAML path.
type ConfigurationError struct {
	Component string
	Field     string
	Reason    string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid configuration for %s: field '%s': %s", e.Component, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid configuration for %s: %s", e.Component, e.Reason)
}

// Is checks if the error is ErrInvalidConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return errors.Is(target, ErrInvalidConfiguration)
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(component, field, reason string) *ConfigurationError {
	return &ConfigurationError{
		Component: component,
		Field:     field,
		Reason:    reason,
	}
}

// ValidationError marks a unit of work (event or group) that failed a
// content invariant. Terminal for the unit, non-fatal for the pipeline.
type ValidationError struct {
	Unit   string
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation failed for %s: %s: %v", e.Unit, e.Reason, e.Cause)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Unit, e.Reason)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new ValidationError.
func NewValidationError(unit, reason string, cause error) *ValidationError {
	return &ValidationError{
		Unit:   unit,
		Reason: reason,
		Cause:  cause,
	}
}

// IsUnsupported checks if an error indicates an unsupported operation.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrOperationNotSupported)
}

// IsConnectionError checks if an error is a connection error.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

// IsConfigurationError checks if an error is a configuration error.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration)
}

// IsAuthenticationError checks if an error is an authentication error.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}

// IsValidationError checks if an error is terminal for its unit of work.
func IsValidationError(err error) bool {
	var valErr *ValidationError
	return errors.As(err, &valErr) || errors.Is(err, ErrChecksumMismatch)
}

// IsDuplicate checks if an error marks an already-delivered event.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateEvent)
}

// IsTransient reports whether an error is worth retrying. Configuration,
// validation and authentication errors are not; everything else is assumed
// to be a transient I/O condition.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsConfigurationError(err) || IsValidationError(err) || IsAuthenticationError(err) || IsUnsupported(err) {
		return false
	}
	return true
}
