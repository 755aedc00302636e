package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nugget/mcpterm/internal/httpkit"
)

// ProviderError reports a failed completion request. Retryable is set
// for rate limits, overload, server errors, and network failures that
// were not caused by the caller cancelling.
type ProviderError struct {
	Provider   string
	StatusCode int // zero when no HTTP response was received
	Body       string
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s API error %d", e.Provider, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
	}
	return e.Provider + " request failed"
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a ProviderError marked retryable.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable
}

// statusError builds a ProviderError from a non-success response.
func statusError(provider string, resp *http.Response) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Body:       httpkit.ReadErrorBody(resp.Body, 4096),
		Retryable:  httpkit.IsRetryableStatus(resp.StatusCode),
	}
}

// requestError builds a ProviderError from a failed round trip.
func requestError(ctx context.Context, provider string, err error) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Err:       err,
		Retryable: ctx.Err() == nil,
	}
}
