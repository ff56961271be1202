package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/taskup/outbox/pkg/operation"
)

//go:generate mockgen -source=remote.go -destination=mock_remote.go -package=remote

// API applies a single operation against the backend.
type API interface {
	String() string
	Execute(ctx context.Context, verb operation.Verb, endpoint string, payload json.RawMessage) error
}

type Kind int

const (
	// Transport failures never produced a response, the operation may be
	// retried.
	Transport Kind = iota
	// Application failures carry a response from the server.
	Application
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Application:
		return "application"
	default:
		panic("invalid kind")
	}
}

type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func NewTransportError(err error) *Error {
	return &Error{Kind: Transport, Err: err}
}

func NewApplicationError(statusCode int, err error) *Error {
	return &Error{Kind: Application, StatusCode: statusCode, Err: err}
}

func (e *Error) Error() string {
	switch e.Kind {
	case Application:
		if e.Err == nil {
			return fmt.Sprintf("application error: status %d", e.StatusCode)
		}
		return fmt.Sprintf("application error: status %d: %v", e.StatusCode, e.Err)
	default:
		if e.Err == nil {
			return "transport error"
		}
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ServerError reports whether the server answered with a 5xx status.
func (e *Error) ServerError() bool {
	return e.Kind == Application && e.StatusCode >= 500 && e.StatusCode <= 599
}

// Classify maps an error returned by Execute to an *Error. Errors that are
// not already classified are treated as transport failures. Classify
// returns nil for a nil error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	return NewTransportError(err)
}

type idempotencyKey struct{}

// WithIdempotencyKey attaches a key that an API implementation forwards to
// the server so that replays of the same operation can be deduplicated.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

func IdempotencyKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKey{}).(string)
	return key, ok && key != ""
}
