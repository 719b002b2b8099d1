package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a stream message.
type Kind int

const (
	KindDelta Kind = iota + 1
	KindSnapshot
	KindHeartbeat
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindDelta:
		return "delta"
	case KindSnapshot:
		return "snapshot"
	case KindHeartbeat:
		return "heartbeat"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Wire type names.
const (
	typeStateChange = "state_change"
	typeSnapshot    = "snapshot"
	typeHeartbeat   = "heartbeat"
	typeError       = "error"
)

// envelope is the JSON form of every frame sent by the device.
type envelope struct {
	Type     string          `json:"type"`
	Seq      uint64          `json:"seq,omitempty"`
	Changes  json.RawMessage `json:"changes,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Error    *RemoteError    `json:"error,omitempty"`
}

// Message is one decoded frame. Payload carries the changed fields for
// deltas and the full state for snapshots.
type Message struct {
	Kind       Kind
	Seq        uint64
	ReceivedAt time.Time
	Payload    json.RawMessage
	Err        *RemoteError
}

// RemoteError is a stream-level error reported by the device.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("device stream error %s: %s", e.Code, e.Message)
}

// decode parses one frame. ok is false for frame types this client does not
// understand; those are skipped.
func decode(data []byte, at time.Time) (Message, bool, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, false, err
	}
	m := Message{Seq: env.Seq, ReceivedAt: at}
	switch env.Type {
	case typeStateChange:
		m.Kind = KindDelta
		m.Payload = env.Changes
	case typeSnapshot:
		m.Kind = KindSnapshot
		m.Payload = env.Snapshot
	case typeHeartbeat:
		m.Kind = KindHeartbeat
	case typeError:
		m.Kind = KindError
		m.Err = env.Error
		if m.Err == nil {
			m.Err = &RemoteError{Code: "unknown"}
		}
	default:
		return Message{}, false, nil
	}
	return m, true, nil
}

// Encode builds the wire form of a message. Device simulators and tests use
// it to produce frames.
func Encode(m Message) ([]byte, error) {
	env := envelope{Seq: m.Seq}
	switch m.Kind {
	case KindDelta:
		env.Type = typeStateChange
		env.Changes = m.Payload
	case KindSnapshot:
		env.Type = typeSnapshot
		env.Snapshot = m.Payload
	case KindHeartbeat:
		env.Type = typeHeartbeat
	case KindError:
		env.Type = typeError
		env.Error = m.Err
	default:
		return nil, fmt.Errorf("encode: unknown kind %d", m.Kind)
	}
	return json.Marshal(env)
}
