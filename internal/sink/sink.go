// Package sink writes batches of telemetry payloads to a remote
// hierarchical key-value store.
package sink

import (
	"context"
	"errors"
	"fmt"
)

// Payload is the JSON object stored at one path.
type Payload map[string]any

// Sink performs one bulk write per call. Writing the same path twice
// overwrites it.
type Sink interface {
	Write(ctx context.Context, updates map[string]Payload) error
	Close() error
}

// DialFunc opens a new sink session.
type DialFunc func(ctx context.Context) (Sink, error)

type Kind int

const (
	KindTransient Kind = iota
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	default:
		return "transient"
	}
}

var (
	ErrAuth      = errors.New("sink authentication failed")
	ErrTransient = errors.New("sink temporarily unavailable")
)

// Error is a classified sink failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sink %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrTransient:
		return e.Kind == KindTransient
	}
	return false
}

func AuthError(op string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

func TransientError(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Classify reports the kind of err. Unclassified errors are transient.
func Classify(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}
