package connection

import (
	"encoding/json"
	"errors"
)

// ErrNotJSON is returned by Payload.Decode for raw payloads.
var ErrNotJSON = errors.New("payload is not json")

// Payload is either a parsed JSON value or the raw string when the data
// did not parse.
type Payload struct {
	raw    string
	value  any
	isJSON bool
}

// ParsePayload parses data as JSON, falling back to the raw string.
func ParsePayload(data string) Payload {
	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return Payload{raw: data}
	}
	return Payload{raw: data, value: v, isJSON: true}
}

// RawPayload wraps data without parsing.
func RawPayload(data string) Payload {
	return Payload{raw: data}
}

// JSON returns the parsed value.
func (p Payload) JSON() (any, bool) {
	return p.value, p.isJSON
}

// IsJSON reports whether the payload parsed as JSON.
func (p Payload) IsJSON() bool {
	return p.isJSON
}

// Raw returns the payload text as received.
func (p Payload) Raw() string {
	return p.raw
}

// Decode unmarshals a JSON payload into v.
func (p Payload) Decode(v any) error {
	if !p.isJSON {
		return ErrNotJSON
	}
	return json.Unmarshal([]byte(p.raw), v)
}

// MarshalJSON emits JSON payloads verbatim and raw payloads as strings.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.isJSON {
		return []byte(p.raw), nil
	}
	return json.Marshal(p.raw)
}

// isHeartbeat reports whether the payload is an object with "type":"heartbeat".
func (p Payload) isHeartbeat() bool {
	obj, ok := p.value.(map[string]any)
	if !ok {
		return false
	}
	t, _ := obj["type"].(string)
	return t == HeartbeatEventType
}
