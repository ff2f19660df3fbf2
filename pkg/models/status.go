package models

import "fmt"

// Status is the outcome of processing one mutation. The set is closed.
type Status int

const (
	StatusOK                  Status = 200
	StatusCreated             Status = 201
	StatusBadRequest          Status = 400
	StatusUnauthorized        Status = 401
	StatusForbidden           Status = 403
	StatusNotFound            Status = 404
	StatusConflict            Status = 409
	StatusInternalServerError Status = 500
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusCreated:
		return "CREATED"
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusUnauthorized:
		return "UNAUTHORIZED"
	case StatusForbidden:
		return "FORBIDDEN"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusConflict:
		return "CONFLICT"
	case StatusInternalServerError:
		return "INTERNAL_SERVER_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) IsSuccess() bool {
	return s == StatusOK || s == StatusCreated
}

// IsRetryable reports whether resubmitting the unmodified mutation may
// succeed. NOT_FOUND can be a race with a concurrent create or delete,
// CONFLICT means the server ran out of re-merge attempts under contention,
// and INTERNAL_SERVER_ERROR is transient.
func (s Status) IsRetryable() bool {
	return s == StatusNotFound || s == StatusConflict || s == StatusInternalServerError
}

// IsDenial reports an authorization failure that retrying cannot change.
func (s Status) IsDenial() bool {
	return s == StatusUnauthorized || s == StatusForbidden
}

// MutationResult pairs a mutation id with its status.
type MutationResult struct {
	ID     MutationID `json:"id" cbor:"id"`
	Status Status     `json:"status" cbor:"status"`
}
