package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/swirl/pkg/inventory"
)

// ErrorClass represents the classification of an error for propagation and
// reporting.
type ErrorClass string

const (
	// ErrorClassConnection indicates a host could not be connected. Host-scoped.
	ErrorClassConnection ErrorClass = "connection"

	// ErrorClassFact indicates a fact could not be loaded. Host-scoped.
	ErrorClassFact ErrorClass = "fact"

	// ErrorClassPlanning indicates an operation failed while compiling for a
	// host. Host-scoped.
	ErrorClassPlanning ErrorClass = "planning"

	// ErrorClassExecution indicates a command failed on a host. Host-scoped.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassUsage indicates an engine API was called incorrectly. Fatal.
	ErrorClassUsage ErrorClass = "usage"

	// ErrorClassCircuitBreaker indicates too many hosts failed. Fatal.
	ErrorClassCircuitBreaker ErrorClass = "circuit_breaker"

	// ErrorClassCancelled indicates the run was cancelled. Fatal.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// HostScoped reports whether errors of this class only affect one host.
func (c ErrorClass) HostScoped() bool {
	switch c {
	case ErrorClassConnection, ErrorClassFact, ErrorClassPlanning, ErrorClassExecution:
		return true
	default:
		return false
	}
}

var (
	// ErrNoHostsRemaining is raised when every targeted host has failed.
	ErrNoHostsRemaining = errors.New("no hosts remaining")

	// ErrNoCompilingContext is raised when operations are added to a state
	// that has already been frozen for execution.
	ErrNoCompilingContext = errors.New("operation added outside a compiling context")

	// ErrNestedOperation is raised when an operation adds another operation
	// while it is being compiled. Use OpContext.Include instead.
	ErrNestedOperation = inventory.ErrNestedOperation
)

// EngineError is a classified failure. The class decides whether it fails
// one host or the whole run; Code narrows it for callers and metrics.
type EngineError struct {
	Class     ErrorClass     `json:"class"`
	Message   string         `json:"message"`
	Code      string         `json:"code,omitempty"`
	Host      string         `json:"host,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Err       error          `json:"-"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)

	var where []string
	if e.Host != "" {
		where = append(where, "host="+e.Host)
	}
	if e.Operation != "" {
		where = append(where, "operation="+e.Operation)
	}
	if len(where) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(where, ", "))
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, err error) *EngineError {
	return newError(ErrorClassConnection, message, err)
}

// NewFactError creates a new fact error.
func NewFactError(message string, err error) *EngineError {
	return newError(ErrorClassFact, message, err)
}

// NewPlanningError creates a new planning error.
func NewPlanningError(message string, err error) *EngineError {
	return newError(ErrorClassPlanning, message, err)
}

// NewExecutionError creates a new execution error.
func NewExecutionError(message string, err error) *EngineError {
	return newError(ErrorClassExecution, message, err)
}

// NewUsageError creates a new usage error.
func NewUsageError(message string, err error) *EngineError {
	return newError(ErrorClassUsage, message, err).WithCode(ErrCodeUsage)
}

// NewCircuitBreakerError creates a new circuit breaker error.
func NewCircuitBreakerError(message string, err error) *EngineError {
	return newError(ErrorClassCircuitBreaker, message, err)
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string, err error) *EngineError {
	return newError(ErrorClassCancelled, message, err).WithCode(ErrCodeCancelled)
}

// WithHost adds host context to an error.
func (e *EngineError) WithHost(host string) *EngineError {
	e.Host = host
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsUsage returns true if the error is a usage error.
func IsUsage(err error) bool {
	return hasClass(err, ErrorClassUsage)
}

// IsCircuitBreaker returns true if the error tripped the fail-percent breaker.
func IsCircuitBreaker(err error) bool {
	return hasClass(err, ErrorClassCircuitBreaker)
}

// IsCancelled returns true if the run was cancelled.
func IsCancelled(err error) bool {
	return hasClass(err, ErrorClassCancelled)
}

// IsHostScoped returns true if the error only affects a single host.
func IsHostScoped(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class.HostScoped()
	}
	return false
}

// Common error codes.
const (
	ErrCodeUsage          = "USAGE_ERROR"
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeExitCode       = "EXIT_CODE"
	ErrCodeTransport      = "TRANSPORT_ERROR"
	ErrCodePanic          = "PANIC"
	ErrCodeFailPercent    = "FAIL_PERCENT_EXCEEDED"
	ErrCodeNoHosts        = "NO_HOSTS_REMAINING"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeNotConnected   = "NOT_CONNECTED"
	ErrCodeConnectorSetup = "CONNECTOR_SETUP"
)
