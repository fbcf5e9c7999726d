package api

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// emptyPayload is substituted when a success envelope omits its payload.
var emptyPayload = json.RawMessage(`{}`)

// Envelope is the success/failure wrapper around every protocol message.
// Exactly one of message and payload is meaningful, gated by Success.
type Envelope struct {
	// Success reports whether the server accepted the request.
	Success bool

	message string
	payload json.RawMessage
}

// NewSuccess builds a success envelope. A nil payload becomes an empty object.
func NewSuccess(payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Success: true, payload: emptyPayload}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		if len(bytes.TrimSpace(raw)) == 0 {
			raw = emptyPayload
		}
		return Envelope{Success: true, payload: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("wantq: encode payload: %w", err)
	}
	return Envelope{Success: true, payload: data}, nil
}

// NewFailure builds a failure envelope carrying message.
func NewFailure(message string) Envelope {
	return Envelope{Success: false, message: message}
}

// Message returns the error text of a failure envelope. Calling it on a
// success envelope is a programming error and panics.
func (e Envelope) Message() string {
	if e.Success {
		panic("wantq: attempted to access the message of a success envelope")
	}
	return e.message
}

// Payload returns the raw payload of a success envelope. Calling it on a
// failure envelope is a programming error and panics.
func (e Envelope) Payload() json.RawMessage {
	if !e.Success {
		panic("wantq: attempted to access the payload of a failure envelope")
	}
	if len(e.payload) == 0 {
		return emptyPayload
	}
	return e.payload
}

// RequireSuccess returns the payload, or a *ProtocolError carrying the server
// message when the envelope reports failure.
func (e Envelope) RequireSuccess() (json.RawMessage, error) {
	if !e.Success {
		return nil, &ProtocolError{Message: e.message}
	}
	return e.Payload(), nil
}

// DecodePayload applies RequireSuccess and unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	payload, err := e.RequireSuccess()
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformedEnvelope, err)
	}
	return nil
}

type wireEnvelope struct {
	Success bool            `json:"success"`
	Message *string         `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the envelope in its wire form.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if !e.Success {
		msg := e.message
		return json.Marshal(wireEnvelope{Success: false, Message: &msg})
	}
	return json.Marshal(wireEnvelope{Success: true, Payload: e.Payload()})
}

// DecodeEnvelope parses and validates a wire envelope.
//
// It fails with ErrMalformedEnvelope when data is not a JSON object or a field
// has the wrong type, and with ErrMissingField (as *FieldError) when success is
// absent or a failure envelope has no message. An omitted payload decodes as an
// empty object.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformedEnvelope)
	}
	rawSuccess, ok := fields["success"]
	if !ok || isNull(rawSuccess) {
		return Envelope{}, &FieldError{Field: "success"}
	}
	var success bool
	if err := json.Unmarshal(rawSuccess, &success); err != nil {
		return Envelope{}, fmt.Errorf("%w: success: %v", ErrMalformedEnvelope, err)
	}
	if !success {
		rawMessage, ok := fields["message"]
		if !ok || isNull(rawMessage) {
			return Envelope{}, &FieldError{Field: "message"}
		}
		var message string
		if err := json.Unmarshal(rawMessage, &message); err != nil {
			return Envelope{}, fmt.Errorf("%w: message: %v", ErrMalformedEnvelope, err)
		}
		return NewFailure(message), nil
	}
	payload, ok := fields["payload"]
	if !ok {
		payload = emptyPayload
	}
	return Envelope{Success: true, payload: payload}, nil
}

// EncodeWant serializes a want request.
func EncodeWant(queue, identifier string, key *string) []byte {
	data, err := json.Marshal(WantRequest{Queue: queue, Identifier: identifier, Key: key})
	if err != nil {
		// Plain strings always marshal.
		panic(fmt.Sprintf("wantq: encode want: %v", err))
	}
	return data
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
