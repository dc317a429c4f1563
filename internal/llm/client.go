package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
)

// Client is the interface that all model backends must implement.
type Client interface {
	// Generate sends a completion request and returns the full response.
	Generate(ctx context.Context, req Request) (*Response, error)

	// GenerateStream sends a streaming request. If cb is non-nil, text
	// fragments are delivered to it as they arrive. The returned
	// Response carries the accumulated text and final usage counts.
	GenerateStream(ctx context.Context, req Request, cb StreamCallback) (*Response, error)

	// Ping checks if the backend is reachable. Used by the router's
	// recovery prober.
	Ping(ctx context.Context) error
}

// APIError is a non-2xx response from a backend's HTTP API. It
// preserves enough detail for classification without leaking
// provider-specific response structures upstream.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// ClassifyError maps a failed call's error to an ErrorKind. The
// mapping is shared across backends: HTTP status codes dominate, with
// transport-level timeouts detected via the context and net packages.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return KindRateLimited
		case http.StatusUnauthorized, http.StatusForbidden:
			return KindAuthError
		case http.StatusPaymentRequired:
			return KindQuotaExhausted
		}
		if apiErr.StatusCode >= 500 {
			return KindServerError
		}
		// Some providers signal quota exhaustion inside a 400-class
		// body rather than via status code.
		lower := strings.ToLower(apiErr.Body)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "credit balance") {
			return KindQuotaExhausted
		}
	}

	return KindUnknown
}
