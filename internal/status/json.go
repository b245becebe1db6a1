package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/evse-controller/internal/meter"
	"github.com/sweeney/evse-controller/internal/pilot"
	"github.com/sweeney/evse-controller/internal/trans"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string              `json:"event,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	Device        string              `json:"device"`
	Ready         bool                `json:"ready"`
	Pilot         pilot.Status        `json:"pilot"`
	Trans         trans.Snapshot      `json:"trans"`
	Meter         meter.Reading       `json:"meter"`
	Capacity      pilot.CapacityState `json:"capacity"`
	Transitions   int                 `json:"transitions"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	StartTime     string              `json:"start_time"`
	Timestamp     string              `json:"timestamp"`
	MQTT          MQTTStatus          `json:"mqtt"`
	Network       *NetworkJSON        `json:"network,omitempty"`
	Config        ConfigJSON          `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Backend     string `json:"backend"`
	TickMs      int64  `json:"tick_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPAddr    string `json:"http_addr"`
}

// Build converts a snapshot to its JSON form.
func Build(snap Snapshot) StatusInner {
	inner := StatusInner{
		Device:        snap.Config.DeviceID,
		Ready:         snap.Ready,
		Pilot:         snap.Pilot,
		Trans:         snap.Trans,
		Meter:         snap.Meter,
		Capacity:      snap.Capacity,
		Transitions:   snap.Transitions,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			Backend:     snap.Config.Backend,
			TickMs:      snap.Config.TickMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
		},
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return inner
}

// FormatJSON returns the indented JSON status for the web endpoint.
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: Build(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := Build(snap)
	inner.Event = event
	inner.Reason = reason
	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
