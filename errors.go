package buildcas

import (
	"errors"
	"fmt"

	"github.com/aweris/buildcas/internal/caserr"
	"github.com/aweris/buildcas/internal/digest"
)

var (
	ErrNotFound          = caserr.ErrNotFound
	ErrCorruption        = caserr.ErrCorruption
	ErrTransient         = caserr.ErrTransient
	ErrRemoteUnavailable = caserr.ErrRemoteUnavailable
	ErrFatalProtocol     = caserr.ErrFatalProtocol
	ErrQuotaExceeded     = caserr.ErrQuotaExceeded
	ErrNoRemote          = caserr.ErrNoRemote
	ErrTreeTooDeep       = caserr.ErrTreeTooDeep
	ErrInvalidTree       = caserr.ErrInvalidTree
	ErrInvalidDigest     = caserr.ErrInvalidDigest
)

// Tier names the storage tier that produced an error.
type Tier string

const (
	TierLocal  Tier = "local"
	TierRemote Tier = "remote"
)

// Error is the error returned by Store operations. Use errors.Is against the
// exported sentinels to classify it.
type Error struct {
	Op     string
	Tier   Tier
	Digest digest.Digest
	Err    error
}

func (e *Error) Error() string {
	if e.Digest.IsZero() {
		return fmt.Sprintf("buildcas: %s (%s): %v", e.Op, e.Tier, e.Err)
	}
	return fmt.Sprintf("buildcas: %s %s (%s): %v", e.Op, e.Digest, e.Tier, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrap attaches op, tier and digest to err. Errors that already carry a tier
// are returned unchanged so the innermost tier wins.
func wrap(op string, tier Tier, d digest.Digest, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Op: op, Tier: tier, Digest: d, Err: err}
}

// TierOf returns the tier recorded in err, or "" when err did not come from
// a Store.
func TierOf(err error) Tier {
	var e *Error
	if errors.As(err, &e) {
		return e.Tier
	}
	return ""
}
