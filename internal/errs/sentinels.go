// Package errs contains the sentinel errors shared by the backend and the
// client engine so that failures keep a stable meaning across layers.
package errs

import "errors"

var (
	// ErrStorageUnavailable indicates the on-device store cannot be used
	// (read-only media, quota exceeded, private mode). Callers continue
	// without a local cache.
	ErrStorageUnavailable = errors.New("local storage unavailable")

	// ErrTransport indicates a network or remote-side failure.
	ErrTransport = errors.New("transport failure")

	// ErrConflict indicates a uniqueness violation, e.g. a duplicate favorite.
	ErrConflict = errors.New("conflict")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates a missing or expired session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrQuotaExhausted indicates no generation credits are left.
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrInvalidInput indicates a request rejected by validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrGenerationFailed indicates the server reported a failed generation.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrExpired indicates the client stopped waiting for a generation.
	ErrExpired = errors.New("generation expired")
)

// IsRetryable reports whether err is worth retrying for idempotent reads.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
