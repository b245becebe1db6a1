// Package mqtt publishes charger telemetry and receives remote commands.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sweeney/evse-controller/internal/pilot"
)

// Topics are the per-device MQTT topics.
type Topics struct {
	Events string // pilot transitions
	System string // startup, heartbeat, shutdown, LWT
	Cmd    string // inbound commands
	Reply  string // command replies
}

// NewTopics derives the topic set for a device id.
func NewTopics(deviceID string) Topics {
	base := fmt.Sprintf("evse/%s", deviceID)
	return Topics{
		Events: base + "/events",
		System: base + "/system",
		Cmd:    base + "/cmd",
		Reply:  base + "/reply",
	}
}

// Publisher publishes charger events.
type Publisher interface {
	// Publish sends a pilot transition. Errors are reported, never fatal.
	Publish(t pilot.Transition) error

	// PublishSystem sends a lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// CommandHandler executes a raw command and returns the raw reply.
type CommandHandler func(payload []byte) []byte

// SystemEvent is a lifecycle event (STARTUP, HEARTBEAT, SHUTDOWN, RECONNECTED).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // SIGTERM, SIGINT, MQTT_DISCONNECT
	RawPayload []byte // full status snapshot; returned as-is when set
	Retained   bool
}

// Payload is the events topic message.
type Payload struct {
	EVSE TransitionPayload `json:"evse"`
}

// TransitionPayload describes one pilot state change.
type TransitionPayload struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	From      string `json:"from"`
	To        string `json:"to"`
	Level     string `json:"level"`
	Trans     string `json:"trans"`
}

// FormatPayload encodes a transition.
func FormatPayload(t pilot.Transition) ([]byte, error) {
	return json.Marshal(Payload{
		EVSE: TransitionPayload{
			Timestamp: t.Time.UTC().Format(time.RFC3339),
			Event:     "TRANSITION",
			From:      t.From.String(),
			To:        t.To.String(),
			Level:     t.Level.String(),
			Trans:     t.Trans.String(),
		},
	})
}

// SystemPayload is used for events without a status snapshot (LWT, RECONNECTED).
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload encodes a system event, preferring RawPayload.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}
