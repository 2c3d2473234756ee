package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ControlType names a message on the control connection.
type ControlType string

const (
	ControlConnect      ControlType = "connect"
	ControlConnectAck   ControlType = "connect_ack"
	ControlHeartbeat    ControlType = "heartbeat"
	ControlHeartbeatAck ControlType = "heartbeat_ack"
	ControlKey          ControlType = "key"
	ControlUnkey        ControlType = "unkey"
	ControlToneEvent    ControlType = "tone_event"
	ControlError        ControlType = "error"
)

// Connect opens a control session. Credential is an opaque token the
// server validates; ChannelIDs registers every channel this bridge serves.
type Connect struct {
	AgencyID   string   `json:"agency_id"`
	UserName   string   `json:"user_name"`
	Credential string   `json:"credential"`
	ChannelIDs []string `json:"channel_ids"`
	Time       int64    `json:"time"`
}

// ConnectAck completes the handshake. UDPHost/UDPPort locate the bulk
// audio endpoint and KeySalt feeds session key derivation.
type ConnectAck struct {
	SessionID string `json:"session_id"`
	UDPHost   string `json:"udp_host"`
	UDPPort   int    `json:"udp_port"`
	KeySalt   string `json:"key_salt"`
}

// Heartbeat is a liveness probe; the server answers with a HeartbeatAck
// echoing the same sequence.
type Heartbeat struct {
	Seq uint64 `json:"seq"`
}

// HeartbeatAck acknowledges a Heartbeat.
type HeartbeatAck struct {
	Seq uint64 `json:"seq"`
}

// Key reports (or commands) the start of a transmit-enabled period on a
// channel.
type Key struct {
	ChannelID string `json:"channel_id"`
	Time      int64  `json:"time"`
}

// Unkey reports (or commands) the end of a transmit-enabled period.
type Unkey struct {
	ChannelID string `json:"channel_id"`
	Time      int64  `json:"time"`
}

// ToneEvent reports a detected tone signature on a channel.
type ToneEvent struct {
	ChannelID string  `json:"channel_id"`
	ProfileID string  `json:"profile_id"`
	ToneA     float64 `json:"tone_a_hz"`
	ToneB     float64 `json:"tone_b_hz,omitempty"`
	Time      int64   `json:"time"`
}

// ErrorMessage carries a server-reported failure.
type ErrorMessage struct {
	Code int    `json:"code"`
	Text string `json:"text"`
}

// envelope is the outer JSON frame on the control connection.
type envelope struct {
	Type ControlType     `json:"type"`
	Body json.RawMessage `json:"body"`
}

// ErrUnknownControl is returned by DecodeControl for message types this
// build does not understand. Callers should drop such messages rather than
// tear down the session.
var ErrUnknownControl = errors.New("wire: unknown control message type")

// EncodeControl wraps a control message struct in its envelope and
// marshals it for the control connection.
func EncodeControl(msg any) ([]byte, error) {
	var typ ControlType
	switch msg.(type) {
	case *Connect, Connect:
		typ = ControlConnect
	case *ConnectAck, ConnectAck:
		typ = ControlConnectAck
	case *Heartbeat, Heartbeat:
		typ = ControlHeartbeat
	case *HeartbeatAck, HeartbeatAck:
		typ = ControlHeartbeatAck
	case *Key, Key:
		typ = ControlKey
	case *Unkey, Unkey:
		typ = ControlUnkey
	case *ToneEvent, ToneEvent:
		typ = ControlToneEvent
	case *ErrorMessage, ErrorMessage:
		typ = ControlError
	default:
		return nil, fmt.Errorf("wire: cannot encode control message %T", msg)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s body: %w", typ, err)
	}
	return json.Marshal(envelope{Type: typ, Body: body})
}

// DecodeControl unmarshals one control connection frame and returns the
// typed message it contains.
func DecodeControl(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: decode control envelope: %w", err)
	}

	var msg any
	switch env.Type {
	case ControlConnect:
		msg = &Connect{}
	case ControlConnectAck:
		msg = &ConnectAck{}
	case ControlHeartbeat:
		msg = &Heartbeat{}
	case ControlHeartbeatAck:
		msg = &HeartbeatAck{}
	case ControlKey:
		msg = &Key{}
	case ControlUnkey:
		msg = &Unkey{}
	case ControlToneEvent:
		msg = &ToneEvent{}
	case ControlError:
		msg = &ErrorMessage{}
	default:
		return nil, ErrUnknownControl
	}

	if err := json.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("wire: decode %s body: %w", env.Type, err)
	}
	return msg, nil
}
