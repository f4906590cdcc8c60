package hostbridge

import (
	"encoding/json"
	"time"
)

// Message types exchanged with the embedding host.
const (
	TypeReady       = "ready"
	TypeStateChange = "state-change"
	TypeError       = "error"

	TypeCallStart = "call.start"
	TypeCallEnd   = "call.end"
)

// Envelope is the top-level wrapper for all bridge messages.
type Envelope struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"clientId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventReady is the payload for ready events.
type EventReady struct {
	ClientID string `json:"clientId"`
	Replayed int    `json:"replayed"`
}

func newEnvelope(typ string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: typ, Timestamp: time.Now().UnixMilli(), Payload: raw})
}
