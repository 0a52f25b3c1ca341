package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError_Nil(t *testing.T) {
	if result := ClassifyError(nil, "openai", "gpt-4o"); result != nil {
		t.Errorf("expected nil for nil error, got %+v", result)
	}
}

func TestClassifyError_ContextCanceled(t *testing.T) {
	// User-initiated abort is not a provider failure.
	if result := ClassifyError(context.Canceled, "openai", "gpt-4o"); result != nil {
		t.Errorf("expected nil for context.Canceled, got %+v", result)
	}
}

func TestClassifyError_ContextDeadlineExceeded(t *testing.T) {
	result := ClassifyError(context.DeadlineExceeded, "openai", "gpt-4o")
	if result == nil {
		t.Fatal("expected non-nil for deadline exceeded")
	}
	if result.Reason != FailoverTimeout {
		t.Errorf("reason = %q, want timeout", result.Reason)
	}
}

func TestClassifyError_StatusCodes(t *testing.T) {
	tests := []struct {
		status int
		reason FailoverReason
	}{
		{401, FailoverAuth},
		{403, FailoverAuth},
		{402, FailoverBilling},
		{408, FailoverTimeout},
		{429, FailoverRateLimit},
		{400, FailoverFormat},
		{500, FailoverTimeout},
		{503, FailoverTimeout},
		{529, FailoverTimeout},
	}

	for _, tt := range tests {
		err := fmt.Errorf("API error: status: %d something went wrong", tt.status)
		result := ClassifyError(err, "test", "model")
		if result == nil {
			t.Errorf("status %d: expected non-nil", tt.status)
			continue
		}
		if result.Reason != tt.reason {
			t.Errorf("status %d: reason = %q, want %q", tt.status, result.Reason, tt.reason)
		}
		if result.Status != tt.status {
			t.Errorf("status %d: extracted status = %d", tt.status, result.Status)
		}
	}
}

func TestClassifyError_MessagePatterns(t *testing.T) {
	tests := []struct {
		msg    string
		reason FailoverReason
	}{
		{"rate limit exceeded, slow down", FailoverRateLimit},
		{"request timed out waiting for upstream", FailoverTimeout},
		{"invalid api key provided", FailoverAuth},
		{"insufficient credits remaining", FailoverBilling},
		{"malformed request body", FailoverFormat},
	}
	for _, tt := range tests {
		result := ClassifyError(errors.New(tt.msg), "test", "model")
		if result == nil || result.Reason != tt.reason {
			t.Errorf("%q: got %+v, want reason %q", tt.msg, result, tt.reason)
		}
	}
}

func TestClassifyError_UnclassifiableIsNil(t *testing.T) {
	if result := ClassifyError(errors.New("something odd happened"), "test", "model"); result != nil {
		t.Errorf("expected nil for unclassifiable error, got %+v", result)
	}
}

func TestFailoverError_IsRetriable(t *testing.T) {
	retriable := []FailoverReason{FailoverRateLimit, FailoverTimeout}
	for _, r := range retriable {
		if !(&FailoverError{Reason: r}).IsRetriable() {
			t.Errorf("%s should be retriable", r)
		}
	}
	fixed := []FailoverReason{FailoverAuth, FailoverBilling, FailoverFormat, FailoverUnknown}
	for _, r := range fixed {
		if (&FailoverError{Reason: r}).IsRetriable() {
			t.Errorf("%s should not be retriable", r)
		}
	}
}

func TestFailoverError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	fe := &FailoverError{Reason: FailoverTimeout, Provider: "openai", Model: "gpt-4o", Wrapped: inner}
	if !errors.Is(fe, inner) {
		t.Error("wrapped error not reachable via errors.Is")
	}
}
