package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Envelope is the unit every message is wrapped in before transmission.
type Envelope struct {
	Type      string          `json:"type"`      // Routing key
	Payload   json.RawMessage `json:"payload"`   // Application-defined, not interpreted
	Timestamp int64           `json:"timestamp"` // Producer send time (epoch milliseconds)
}

// Time returns the producer timestamp as a time.Time.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Reason classifies why an inbound frame was rejected.
type Reason string

const (
	ReasonMalformed        Reason = "malformed"
	ReasonMissingType      Reason = "missing_type"
	ReasonBadType          Reason = "bad_type"
	ReasonMissingPayload   Reason = "missing_payload"
	ReasonMissingTimestamp Reason = "missing_timestamp"
	ReasonBadTimestamp     Reason = "bad_timestamp"
)

// DecodeError reports a frame that failed structural validation.
type DecodeError struct {
	Reason Reason
	Err    error // Underlying parse error, if any
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode envelope: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// wireEnvelope is the outbound shape. Payload is left as any so callers can
// pass structs, maps or pre-encoded json.RawMessage.
type wireEnvelope struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Encode serializes a message into a wire frame stamped with ts.
func Encode(msgType string, payload any, ts time.Time) ([]byte, error) {
	data, err := json.Marshal(wireEnvelope{
		Type:      msgType,
		Payload:   payload,
		Timestamp: ts.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope %q: %w", msgType, err)
	}
	return data, nil
}

// Decode parses and validates a raw frame. Unknown top-level fields are ignored.
func Decode(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, &DecodeError{Reason: ReasonMalformed, Err: err}
	}

	rawType, ok := fields["type"]
	if !ok {
		return Envelope{}, &DecodeError{Reason: ReasonMissingType}
	}
	rawType = bytes.TrimSpace(rawType)
	if len(rawType) == 0 || rawType[0] != '"' {
		return Envelope{}, &DecodeError{Reason: ReasonBadType}
	}
	var msgType string
	if err := json.Unmarshal(rawType, &msgType); err != nil {
		return Envelope{}, &DecodeError{Reason: ReasonBadType, Err: err}
	}

	// A literal null payload is present; only an absent key is rejected.
	payload, ok := fields["payload"]
	if !ok {
		return Envelope{}, &DecodeError{Reason: ReasonMissingPayload}
	}

	rawTS, ok := fields["timestamp"]
	if !ok {
		return Envelope{}, &DecodeError{Reason: ReasonMissingTimestamp}
	}
	ts, err := parseTimestamp(bytes.TrimSpace(rawTS))
	if err != nil {
		return Envelope{}, &DecodeError{Reason: ReasonBadTimestamp, Err: err}
	}

	return Envelope{
		Type:      msgType,
		Payload:   payload,
		Timestamp: ts,
	}, nil
}

// parseTimestamp accepts any JSON number that fits in an int64.
// Fractional milliseconds are truncated.
func parseTimestamp(raw []byte) (int64, error) {
	if len(raw) == 0 || !(raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9')) {
		return 0, fmt.Errorf("timestamp is not a number: %s", raw)
	}
	s := string(raw)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("timestamp out of range: %s", s)
	}
	return int64(f), nil
}
