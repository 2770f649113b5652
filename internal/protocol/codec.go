package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeError reports a payload that is not a well-formed message envelope.
type DecodeError struct {
	// Reason describes the parse failure.
	Reason string
	// RequestID is the request id recovered from the payload, if any.
	RequestID *string
}

// Error implements error.
func (e *DecodeError) Error() string {
	return "decoding message: " + e.Reason
}

// Encode serialises m as a compact JSON object.
//
// Precondition: m must be non-nil.
// Postcondition: Returns UTF-8 JSON or a non-nil error.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encoding message: nil message")
	}
	if len(m.Parameters) > 0 && !m.Parameters.IsObject() {
		return nil, fmt.Errorf("encoding message: parameters must be a JSON object, got %s", preview(m.Parameters))
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return b, nil
}

// Decode parses a payload into a Message. Unknown fields are ignored and field
// names match case-insensitively.
//
// Postcondition: Returns a Message, or a *DecodeError whose RequestID is set
// when the payload still carries a string RequestId.
func Decode(b []byte) (*Message, error) {
	if len(b) == 0 {
		return nil, &DecodeError{Reason: "empty payload"}
	}
	if !isObject(b) {
		return nil, &DecodeError{Reason: fmt.Sprintf("expected JSON object, got %s", preview(b))}
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &DecodeError{Reason: err.Error(), RequestID: recoverRequestID(b)}
	}
	return &m, nil
}

// recoverRequestID recovers a string RequestId from an object whose other
// fields failed to decode.
func recoverRequestID(b []byte) *string {
	var partial struct {
		RequestId json.RawMessage
	}
	if err := json.Unmarshal(b, &partial); err != nil || len(partial.RequestId) == 0 {
		return nil
	}
	var id string
	if err := json.Unmarshal(partial.RequestId, &id); err != nil {
		return nil
	}
	return &id
}
