package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Params is the raw JSON object carried in Message.Parameters.
//
// A nil Params is absent on the wire. Non-object values received from a peer
// are kept verbatim so that handlers can decide how to treat them.
type Params []byte

var jsonNull = []byte("null")

// NewParams marshals v into Params.
//
// Precondition: v must marshal to a JSON object.
// Postcondition: Returns non-empty Params or a non-nil error.
func NewParams(v any) (Params, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling parameters: %w", err)
	}
	if !isObject(b) {
		return nil, fmt.Errorf("parameters must be a JSON object, got %s", preview(b))
	}
	return Params(b), nil
}

// MustParams is NewParams for static values; it panics on error.
func MustParams(v any) Params {
	p, err := NewParams(v)
	if err != nil {
		panic(err)
	}
	return p
}

// IsZero reports whether the parameters are absent.
func (p Params) IsZero() bool {
	return len(p) == 0 || bytes.Equal(bytes.TrimSpace(p), jsonNull)
}

// IsObject reports whether the parameters hold a JSON object.
func (p Params) IsObject() bool {
	return isObject(p)
}

// Decode unmarshals the parameters into v.
//
// Postcondition: Returns an error when the parameters are absent or not a JSON object.
func (p Params) Decode(v any) error {
	if p.IsZero() {
		return errors.New("parameters missing")
	}
	if !p.IsObject() {
		return fmt.Errorf("parameters must be a JSON object, got %s", preview(p))
	}
	if err := json.Unmarshal(p, v); err != nil {
		return fmt.Errorf("decoding parameters: %w", err)
	}
	return nil
}

// String returns the string value stored under key.
//
// Postcondition: ok is false when the parameters are not an object, the key is
// missing, or its value is not a JSON string.
func (p Params) String(key string) (value string, ok bool) {
	raw, ok := p.field(key)
	if !ok {
		return "", false
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	return value, true
}

// Map decodes the parameters into a generic map, or nil when they are not an object.
func (p Params) Map() map[string]any {
	if !p.IsObject() {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return nil
	}
	return m
}

func (p Params) field(key string) (json.RawMessage, bool) {
	if !p.IsObject() {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(p, &fields); err != nil {
		return nil, false
	}
	raw, ok := fields[key]
	return raw, ok
}

// MarshalJSON implements json.Marshaler.
func (p Params) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return jsonNull, nil
	}
	return p, nil
}

// UnmarshalJSON implements json.Unmarshaler; a JSON null yields nil Params.
func (p *Params) UnmarshalJSON(b []byte) error {
	if p == nil {
		return errors.New("protocol.Params: UnmarshalJSON on nil pointer")
	}
	if bytes.Equal(bytes.TrimSpace(b), jsonNull) {
		*p = nil
		return nil
	}
	*p = append((*p)[:0], b...)
	return nil
}

func isObject(b []byte) bool {
	t := bytes.TrimLeft(b, " \t\r\n")
	return len(t) > 0 && t[0] == '{'
}

func preview(b []byte) string {
	const max = 32
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// GreetParams are the parameters of the greet command.
type GreetParams struct {
	Auth *string `json:"auth,omitempty"`
}

// GreetReply are the response parameters of the greet command.
type GreetReply struct {
	ClientId  int    `json:"ClientId"`
	IpAddress string `json:"IpAddress"`
	SessionId string `json:"SessionId"`
}

// AddParams are the parameters of the add command.
type AddParams struct {
	A int `json:"a"`
	B int `json:"b"`
}

// AddReply are the response parameters of the add command.
type AddReply struct {
	Result int `json:"result"`
}
