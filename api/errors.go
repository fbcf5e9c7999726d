package api

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEnvelope is returned when wire data is not a valid envelope.
	ErrMalformedEnvelope = errors.New("wantq: malformed envelope")
	// ErrMissingField is returned when a required envelope field is absent.
	ErrMissingField = errors.New("wantq: missing field")
	// ErrUnknownIdentifier is returned when a response references a want that
	// is not pending.
	ErrUnknownIdentifier = errors.New("wantq: unknown identifier")
	// ErrDuplicateIdentifier signals an identifier collision in the pending
	// want table. It should be unreachable.
	ErrDuplicateIdentifier = errors.New("wantq: duplicate identifier")
)

// FieldError names the envelope field that was missing.
type FieldError struct {
	Field string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("wantq: missing field %q", e.Field)
}

// Is reports ErrMissingField so callers can match with errors.Is.
func (e *FieldError) Is(target error) bool {
	return target == ErrMissingField
}

// ProtocolError is a failure reported by the server in a failure envelope.
type ProtocolError struct {
	// Message is the server-supplied error text, verbatim.
	Message string
	// Status is the HTTP status code for request/response calls. It is zero
	// for failures received on the persistent connection.
	Status int
}

func (e *ProtocolError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("wantq: %s (status %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("wantq: %s", e.Message)
}
