package constants

import "errors"

var (
	ErrIDInUse            = errors.New("id already in use")
	ErrTimeout            = errors.New("timeout")
	ErrNoBaseURL          = errors.New("base url not set")
	ErrNoMarshaler        = errors.New("marshaler is not set")
	ErrNoUnmarshaler      = errors.New("unmarshaler is not set")
	ErrNotConnected       = errors.New("connection is not open")
	ErrUnavailable        = errors.New("server is not available")
	ErrActorClosed        = errors.New("connection actor is closed")
	ErrDuplicateRequest   = errors.New("request with the same id is already in flight")
	ErrStaleResponse      = errors.New("response does not match the outstanding request")
	ErrInvalidCursor      = errors.New("invalid cursor")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrMethodNotAvailable = errors.New("method not available on this connection")
	ErrInvalidStream      = errors.New("unknown stream")
)
