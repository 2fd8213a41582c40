// Package caserr defines the error taxonomy shared by the local store, the
// remote client and the façade.
package caserr

import "errors"

var (
	// ErrNotFound means the content is absent from the tier that was asked.
	ErrNotFound = errors.New("buildcas: not found")

	// ErrCorruption means bytes failed digest verification.
	ErrCorruption = errors.New("buildcas: content does not match digest")

	// ErrTransient marks a retryable remote failure (network, timeout, busy).
	ErrTransient = errors.New("buildcas: transient remote error")

	// ErrRemoteUnavailable is returned once the retry policy gives up.
	ErrRemoteUnavailable = errors.New("buildcas: remote unavailable")

	// ErrFatalProtocol marks a remote failure that must not be retried
	// (authentication, malformed request, unsupported batch size).
	ErrFatalProtocol = errors.New("buildcas: fatal protocol error")

	// ErrQuotaExceeded means the local store cannot make room.
	ErrQuotaExceeded = errors.New("buildcas: local store quota exceeded")

	// ErrInvalidDigest means a digest is not a lowercase SHA-256 hex hash
	// with a non-negative size.
	ErrInvalidDigest = errors.New("buildcas: invalid digest")

	ErrNoRemote           = errors.New("buildcas: no remote configured")
	ErrShardCountMismatch = errors.New("buildcas: shard count does not match store")
	ErrTreeTooDeep        = errors.New("buildcas: tree exceeds maximum depth")
	ErrInvalidTree        = errors.New("buildcas: invalid tree")
)

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrTransient, err: err}
}

// Fatal wraps err so that errors.Is(err, ErrFatalProtocol) holds.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrFatalProtocol, err: err}
}

// NotFound wraps err so that errors.Is(err, ErrNotFound) holds.
func NotFound(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrNotFound, err: err}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

type classified struct {
	kind error
	err  error
}

func (c *classified) Error() string { return c.kind.Error() + ": " + c.err.Error() }

func (c *classified) Unwrap() []error { return []error{c.kind, c.err} }
