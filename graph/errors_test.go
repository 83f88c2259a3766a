package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dshills/mediagraph-go/graph/breaker"
	"github.com/dshills/mediagraph-go/graph/bridge"
	"github.com/dshills/mediagraph-go/graph/router"
	"github.com/dshills/mediagraph-go/graph/schema"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"validation", &schema.ValidationError{Tool: "sd_generate", Detail: "prompt required"}, CodeValidation},
		{"wrapped validation", fmt.Errorf("step: %w", &schema.ValidationError{Tool: "x"}), CodeValidation},
		{"short circuit", fmt.Errorf("call: %w", breaker.ErrShortCircuit), CodeShortCircuit},
		{"provider", &router.AllFallbacksFailedError{Role: "planner"}, CodeProvider},
		{"timeout", fmt.Errorf("%w after 5s", bridge.ErrTimeout), CodeTool},
		{"cancelled", context.Canceled, CodeCancelled},
		{"unknown", errors.New("boom"), CodeTool},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	for _, code := range []string{CodeTool, CodeProvider, CodeShortCircuit} {
		if !Retryable(code) {
			t.Errorf("%s should be retryable", code)
		}
	}
	for _, code := range []string{CodeValidation, CodeCancelled, CodeConfig, CodeCritical, ""} {
		if Retryable(code) {
			t.Errorf("%s should not be retryable", code)
		}
	}
}

func TestCodedErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(CodeTool, "write failed", cause)
	if !errors.Is(err, cause) {
		t.Error("cause should unwrap")
	}
	if err.Error() == "" || errors.Unwrap(err) != cause {
		t.Errorf("unexpected error shape: %v", err)
	}

	bare := NewError(CodeConfig, "bad setting", nil)
	if errors.Unwrap(bare) != nil {
		t.Error("nil cause should unwrap to nil")
	}
}
