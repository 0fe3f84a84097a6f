package domain

import (
	"encoding/json"
	"time"
)

// Control emissions share the connection with mapped events but carry their
// own fixed names.
const (
	ControlEventBatch          = "event_batch"
	ControlBackpressureWarning = "backpressure_warning"
	ControlReplayComplete      = "replay_complete"
	ControlResyncRequired      = "resync_required"
)

// WireEvent is the client-facing shape of a mapped domain event. Replayed and
// EventID are only set when the event is redelivered from the log.
type WireEvent struct {
	Type      string          `json:"type"`
	TenantID  string          `json:"tenantId"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Replayed  bool            `json:"replayed,omitempty"`
	EventID   string          `json:"eventId,omitempty"`
}

type BatchPayload struct {
	TenantID  string      `json:"tenantId"`
	Events    []WireEvent `json:"events"`
	Count     int         `json:"count"`
	Timestamp time.Time   `json:"timestamp"`
}

type BackpressureWarning struct {
	TenantID      string    `json:"tenantId"`
	DroppedCount  int       `json:"droppedCount"`
	MaxBufferSize int       `json:"maxBufferSize"`
	Timestamp     time.Time `json:"timestamp"`
}

type ReplayComplete struct {
	ReplayedCount   int    `json:"replayedCount"`
	LastEventID     string `json:"lastEventId"`
	ProtocolVersion int    `json:"protocolVersion"`
}

type ResyncRequired struct {
	Reason          string `json:"reason"`
	LastEventID     string `json:"lastEventId"`
	ReplayTTLMs     int64  `json:"replayTtlMs"`
	ProtocolVersion int    `json:"protocolVersion"`
}
