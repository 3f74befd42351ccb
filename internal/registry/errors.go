package registry

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("instance not found")
	ErrConflict          = errors.New("recompute already in flight")
	ErrTimeout           = errors.New("operation timed out")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrInvalidState      = errors.New("invalid state")
)

// Kind classifies registry errors for callers that translate them into
// transport responses or metric labels.
type Kind string

const (
	KindNone              Kind = ""
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindTimeout           Kind = "timeout"
	KindResourceExhausted Kind = "resource_exhausted"
	KindInvalid           Kind = "invalid"
	KindCanceled          Kind = "canceled"
	KindInternal          Kind = "internal"
)

// KindOf returns the Kind of err, or KindNone for a nil error.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrInvalidState):
		return KindInvalid
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}

func notFound(op, id string) error {
	return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
}

// ctxError converts a context failure into the registry taxonomy.
func ctxError(op, id string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", op, id, ErrTimeout)
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}
