package providers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FailoverReason classifies why a provider call failed.
type FailoverReason string

const (
	FailoverRateLimit FailoverReason = "rate_limit"
	FailoverTimeout   FailoverReason = "timeout"
	FailoverAuth      FailoverReason = "auth"
	FailoverBilling   FailoverReason = "billing"
	FailoverFormat    FailoverReason = "format"
	FailoverUnknown   FailoverReason = "unknown"
)

// FailoverError wraps a provider error with its classification.
type FailoverError struct {
	Reason   FailoverReason
	Provider string
	Model    string
	Status   int
	Wrapped  error
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("provider %s model %s failed (%s, status=%d): %v",
		e.Provider, e.Model, e.Reason, e.Status, e.Wrapped)
}

func (e *FailoverError) Unwrap() error { return e.Wrapped }

// IsRetriable reports whether a retry with backoff can reasonably succeed.
// Auth, billing and request-format problems will not fix themselves; they
// fail immediately into the fallback path.
func (e *FailoverError) IsRetriable() bool {
	switch e.Reason {
	case FailoverRateLimit, FailoverTimeout:
		return true
	default:
		return false
	}
}

var statusPattern = regexp.MustCompile(`(?i)(?:status[:\s]+|HTTP/\d\.\d\s+)(\d{3})`)

func extractHTTPStatus(msg string) int {
	m := statusPattern.FindStringSubmatch(msg)
	if len(m) < 2 {
		return 0
	}
	status, err := strconv.Atoi(m[1])
	if err != nil || status < 100 || status > 599 {
		return 0
	}
	return status
}

var (
	rateLimitPatterns = []string{
		"rate limit", "rate_limit", "too many requests", "quota",
		"resource has been exhausted", "resource_exhausted",
		"usage limit", "overloaded",
	}
	timeoutPatterns = []string{
		"timeout", "timed out", "deadline exceeded",
		"connection reset", "connection refused", "server error",
	}
	authPatterns = []string{
		"api key", "api_key", "invalid token", "authentication",
		"unauthorized", "forbidden", "access denied", "expired",
		"no credentials",
	}
	billingPatterns = []string{
		"payment required", "insufficient credits", "credit balance",
		"billing", "insufficient balance",
	}
	formatPatterns = []string{
		"invalid request", "should match pattern", "must be valid",
		"malformed", "bad request",
	}
)

// ClassifyError maps a provider error onto a FailoverError. Returns nil for
// nil errors, user-initiated cancellation, and errors it cannot classify.
func ClassifyError(err error, provider, model string) *FailoverError {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}

	fe := &FailoverError{Provider: provider, Model: model, Wrapped: err}

	if errors.Is(err, context.DeadlineExceeded) {
		fe.Reason = FailoverTimeout
		return fe
	}

	msg := strings.ToLower(err.Error())
	fe.Status = extractHTTPStatus(msg)

	switch fe.Status {
	case 401, 403:
		fe.Reason = FailoverAuth
		return fe
	case 402:
		fe.Reason = FailoverBilling
		return fe
	case 408, 429:
		if fe.Status == 429 {
			fe.Reason = FailoverRateLimit
		} else {
			fe.Reason = FailoverTimeout
		}
		return fe
	case 400:
		fe.Reason = FailoverFormat
		return fe
	}
	if fe.Status >= 500 && fe.Status <= 599 {
		fe.Reason = FailoverTimeout
		return fe
	}

	for _, p := range rateLimitPatterns {
		if strings.Contains(msg, p) {
			fe.Reason = FailoverRateLimit
			return fe
		}
	}
	for _, p := range billingPatterns {
		if strings.Contains(msg, p) {
			fe.Reason = FailoverBilling
			return fe
		}
	}
	for _, p := range authPatterns {
		if strings.Contains(msg, p) {
			fe.Reason = FailoverAuth
			return fe
		}
	}
	for _, p := range timeoutPatterns {
		if strings.Contains(msg, p) {
			fe.Reason = FailoverTimeout
			return fe
		}
	}
	for _, p := range formatPatterns {
		if strings.Contains(msg, p) {
			fe.Reason = FailoverFormat
			return fe
		}
	}

	return nil
}
