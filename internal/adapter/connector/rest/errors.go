package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/railzwaylabs/dirsync/internal/domain/connector"
)

// APIError is a non-2xx response.
type APIError struct {
	Status int    `json:"status"`
	Code   string `json:"code"`
	Body   string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: %d %s: %s", e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: %d: %s", e.Status, e.Body)
}

func isServerFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusRequestTimeout || apiErr.Status == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// classify maps a request error to a connector failure kind. Transport
// errors and an open breaker are transient.
func classify(err error) connector.FailureKind {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return connector.FailureTransient
	}
	switch {
	case apiErr.Status == http.StatusConflict:
		return connector.FailureConflict
	case isServerFailure(err):
		return connector.FailureTransient
	default:
		return connector.FailurePermanent
	}
}
