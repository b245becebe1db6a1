// Package status provides a thread-safe status tracker for the charger
// daemon. It is read by the HTTP handlers, the websocket push and the
// heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/evse-controller/internal/meter"
	"github.com/sweeney/evse-controller/internal/pilot"
	"github.com/sweeney/evse-controller/internal/trans"
)

// NetworkInfo contains network state.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	DeviceID    string
	Backend     string
	TickMs      int64
	HeartbeatMs int64
	Broker      string
	HTTPAddr    string
}

// Snapshot is a point-in-time view of daemon state.
type Snapshot struct {
	Pilot         pilot.Status
	Trans         trans.Snapshot
	Meter         meter.Reading
	Capacity      pilot.CapacityState
	Transitions   int
	Ready         bool // at least one tick has completed
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// Update records the latest controller state. Called after every tick.
func (t *Tracker) Update(p pilot.Status, tr trans.Snapshot, r meter.Reading, c pilot.CapacityState) {
	t.mu.Lock()
	t.snap.Pilot = p
	t.snap.Trans = tr
	t.snap.Meter = r
	t.snap.Capacity = c
	t.snap.Ready = true
	t.mu.Unlock()
}

// CountTransition bumps the pilot transition counter.
func (t *Tracker) CountTransition() {
	t.mu.Lock()
	t.snap.Transitions++
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a copy of the daemon state with Now set to the moment
// of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	if s.Network != nil {
		n := *s.Network
		s.Network = &n
	}
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}
