package dispatch

import (
	"errors"
	"fmt"

	"github.com/fastyrai/turingagents/pkg/serrors"
)

// ErrorKind classifies a handler or submission failure for the retry policy.
// Classification is explicit rather than derived from error types so that
// handlers written against external SDKs can tag their failures precisely.
type ErrorKind string

const (
	// KindValidation marks malformed input; never retried.
	KindValidation ErrorKind = "validation"
	// KindTransient marks network or dependency failures; retried with
	// exponential backoff.
	KindTransient ErrorKind = "transient"
	// KindRateLimited marks downstream capacity pushback; retried with a
	// fixed backoff and demoted priority.
	KindRateLimited ErrorKind = "rate_limited"
)

var (
	ErrThrottled = serrors.NewError("DISPATCH_THROTTLED", "submission dropped by backpressure admission control", "")
	ErrRateLimit = serrors.NewError("DISPATCH_RATE_LIMITED", "downstream signaled rate limiting", "")
)

// ClassifiedError attaches an ErrorKind to a handler failure.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with an explicit kind.
func Classify(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: err}
}

// KindOf extracts the classification from err. Unclassified errors default to
// transient, the safe assumption under at-least-once delivery.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, ErrRateLimit) {
		return KindRateLimited
	}
	return KindTransient
}
