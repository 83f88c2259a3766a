package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/mediagraph-go/graph/breaker"
	"github.com/dshills/mediagraph-go/graph/bridge"
	"github.com/dshills/mediagraph-go/graph/router"
	"github.com/dshills/mediagraph-go/graph/schema"
)

// Error codes classify failures so the decider can tell retryable
// faults from permanent ones.
const (
	CodeConfig       = "config"
	CodeValidation   = "validation"
	CodeTool         = "tool"
	CodeProvider     = "provider"
	CodeShortCircuit = "short_circuit"
	CodeCritical     = "critical"
	CodeCancelled    = "cancelled"
	CodeNotFound     = "not_found"
	CodeMaxSteps     = "max_steps"
)

// Error is a coded orchestrator error.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a coded error wrapping an optional cause.
func NewError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Classify maps an arbitrary error to an orchestrator error code.
// Validation and cancellation are permanent; tool, provider, and
// short-circuit failures are candidates for retry.
func Classify(err error) string {
	var vErr *schema.ValidationError
	var fbErr *router.AllFallbacksFailedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &vErr):
		return CodeValidation
	case errors.Is(err, breaker.ErrShortCircuit):
		return CodeShortCircuit
	case errors.As(err, &fbErr):
		return CodeProvider
	case errors.Is(err, bridge.ErrTimeout):
		return CodeTool
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	default:
		return CodeTool
	}
}

// Retryable reports whether a failure with the given code may be
// attempted again.
func Retryable(code string) bool {
	switch code {
	case CodeTool, CodeProvider, CodeShortCircuit:
		return true
	}
	return false
}
