package queue

import (
	"errors"

	"github.com/livinlefevreloca/ingestd/internal/db"
)

// Standard errors
var (
	ErrUnknownKind      = errors.New("queue: unknown job kind")
	ErrMalformedPayload = errors.New("queue: malformed payload")
	ErrUnauthorized     = errors.New("queue: unauthorized")
	ErrInvalidRequest   = errors.New("queue: invalid enqueue request")
	ErrLostOwnership    = errors.New("queue: job no longer owned by worker")
)

// Class tells the runner whether a failed job may be attempted again
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

type classifiedError struct {
	err   error
	class Class
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks err as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTransient}
}

// Permanent marks err as not retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassPermanent}
}

// Classify decides whether err is transient or permanent. An explicit
// Transient/Permanent mark wins; the outermost mark wins when nested.
// A database lock conflict is transient even next to a permanent cause, since
// the conflicting write never landed. Timeouts and unrecognized errors are
// transient too, so only the attempt budget bounds them.
func Classify(err error) Class {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}

	if db.IsBusy(err) {
		return ClassTransient
	}

	if errors.Is(err, ErrUnknownKind) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrUnauthorized) {
		return ClassPermanent
	}

	return ClassTransient
}

// IsPermanent reports whether err classifies as permanent
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == ClassPermanent
}
