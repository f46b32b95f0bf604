package remote

import (
	"errors"
	"fmt"
	"net/http"

	"productshot/internal/errs"
)

// Error is a non-2xx response from the backend.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("remote status=%d code=%s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote status=%d: %s", e.Status, e.Message)
}

// Unwrap maps the response onto the shared sentinel errors.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return sentinelForStatus(e.Status)
}

func sentinelForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return errs.ErrUnauthorized
	case status == http.StatusNotFound:
		return errs.ErrNotFound
	case status == http.StatusConflict:
		return errs.ErrConflict
	case status == http.StatusPaymentRequired:
		return errs.ErrQuotaExhausted
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return errs.ErrTransport
	case status >= 400:
		return errs.ErrInvalidInput
	default:
		return errs.ErrTransport
	}
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Status
	}
	return 0
}
