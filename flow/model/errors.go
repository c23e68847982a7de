package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ProviderError is a structured failure from an AI provider call.
//
// Code is a stable machine-readable classification:
//   - "invalid_api_key": authentication failed, permanent
//   - "rate_limited": provider throttled the call, retryable
//   - "quota_exceeded": billing or quota problem, permanent
//   - "timeout": the call was cancelled or timed out, retryable
//   - "api_error": anything else the provider reported
type ProviderError struct {
	Provider  string
	Code      string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Code)
}

// ClassifyError converts a raw SDK error into a ProviderError.
//
// Providers do not share error types, so classification falls back to
// status-code and keyword matching on the error text, the same way each
// SDK's errors surface them.
func ClassifyError(provider string, err error) *ProviderError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{
			Provider:  provider,
			Code:      "timeout",
			Message:   "request cancelled or timed out",
			Retryable: true,
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401"),
		strings.Contains(msg, "403"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "api_key"),
		strings.Contains(msg, "api key"):
		return &ProviderError{
			Provider: provider,
			Code:     "invalid_api_key",
			Message:  "API key is invalid or expired",
		}
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"):
		return &ProviderError{
			Provider:  provider,
			Code:      "rate_limited",
			Message:   "API rate limit exceeded",
			Retryable: true,
		}
	case strings.Contains(msg, "quota"),
		strings.Contains(msg, "billing"):
		return &ProviderError{
			Provider: provider,
			Code:     "quota_exceeded",
			Message:  "API quota exceeded",
		}
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline"):
		return &ProviderError{
			Provider:  provider,
			Code:      "timeout",
			Message:   "request timed out",
			Retryable: true,
		}
	default:
		return &ProviderError{
			Provider: provider,
			Code:     "api_error",
			Message:  err.Error(),
		}
	}
}
