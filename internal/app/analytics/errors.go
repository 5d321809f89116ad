package analytics

import (
	"errors"
	"fmt"

	"github.com/reybrally/erp-analytics/internal/domain/event"
)

var (
	ErrNotFound            = errors.New("read model not found")
	ErrMalformedEvent      = event.ErrMalformed
	ErrTransientDelivery   = errors.New("transient delivery failure")
	ErrPersistence         = errors.New("read model persistence failed")
	ErrStoreUnavailable    = errors.New("read model store unavailable")
	ErrDegradedResult      = errors.New("analytics temporarily unavailable")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrUnknownDomain       = errors.New("unknown domain")
	ErrTimeout             = errors.New("timeout")
)

// Kind classifies an error by what a caller can do about it.
type Kind string

const (
	KindPermanent Kind = "permanent"
	KindTransient Kind = "transient"
	KindConflict  Kind = "conflict"
	KindNotFound  Kind = "not_found"
	KindDegraded  Kind = "degraded"
)

// Error decorates a sentinel with the operation and key it happened on.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns nil for a nil err. The kind is derived from the wrapped
// sentinel.
func Wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kindOf(err), Op: op, Key: key, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or derives
// one from the sentinels it wraps.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e.Kind != "" {
		return e.Kind
	}
	return kindOf(err)
}

func kindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrMalformedEvent), errors.Is(err, ErrUnknownDomain):
		return KindPermanent
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrDegradedResult):
		return KindDegraded
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConflict
	default:
		return KindTransient
	}
}

// IsRetryable reports whether redelivering the same event can succeed.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrMalformedEvent), errors.Is(err, ErrUnknownDomain):
		return false
	default:
		return true
	}
}
