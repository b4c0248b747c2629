package providers

import (
	"context"
	"errors"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/toolchat/internal/agent"
)

// StatusCode extracts the HTTP status of a model backend failure, or 0 when
// the error did not come from an HTTP response.
func StatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) {
		return anthErr.StatusCode
	}
	return 0
}

// IsRetryable reports whether a failed request may succeed if repeated.
// Rate limits, server errors and timeouts are retryable; cancellation is not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	status := StatusCode(err)
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= http.StatusInternalServerError
}

// wrapError converts a backend failure into an agent.ModelError so callers
// can test for rate limits without knowing the SDK.
func wrapError(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	var modelErr *agent.ModelError
	if errors.As(err, &modelErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &agent.ModelError{
		Provider:   provider,
		Model:      model,
		StatusCode: StatusCode(err),
		Err:        err,
	}
}
