package main

import (
	"context"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/sweeney/evse-controller/internal/meter"
	"github.com/sweeney/evse-controller/internal/mqtt"
	"github.com/sweeney/evse-controller/internal/pilot"
	"github.com/sweeney/evse-controller/internal/status"
	"github.com/sweeney/evse-controller/internal/trans"
)

// controller is everything the main loop touches.
type controller struct {
	machine    *pilot.Machine
	trans      *trans.Transaction
	meter      *meter.Meter
	capacity   *pilot.Negotiator
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus // may be nil
	tracker    *status.Tracker
	reload     func() error
	now        func() time.Time
}

// runLoop steps the pilot machine on every tick and owns the lifecycle
// events. It returns nil on SIGINT, SIGTERM or ctx cancellation, leaving the
// contactor open.
func runLoop(ctx context.Context, c controller, tick, heartbeat <-chan time.Time, sig <-chan os.Signal) error {
	for {
		select {
		case <-ctx.Done():
			c.machine.Shutdown()
			return nil

		case s := <-sig:
			if s == syscall.SIGHUP {
				if err := c.reload(); err != nil {
					log.Printf("reload failed, keeping current config: %v", err)
				}
				continue
			}
			log.Printf("received %v, shutting down", s)
			c.machine.Shutdown()
			c.refresh()
			name := signalName(s)
			event := mqtt.SystemEvent{
				Timestamp:  c.now(),
				Event:      "SHUTDOWN",
				Reason:     name,
				Retained:   true,
				RawPayload: status.FormatStatusEvent(c.tracker.Snapshot(), "SHUTDOWN", name),
			}
			if err := c.publisher.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case <-tick:
			if tr := c.machine.Step(ctx); tr != nil {
				c.tracker.CountTransition()
				if err := c.publisher.Publish(*tr); err != nil {
					log.Printf("publish error: %v", err)
				}
			}
			c.refresh()

		case <-heartbeat:
			if net := readNetworkInfo(); net != nil {
				c.tracker.SetNetwork(net)
			}
			c.refresh()
			snap := c.tracker.Snapshot()
			log.Printf("heartbeat: uptime=%v pilot=%s trans=%s total=%.1fA energy=%.3fkWh",
				snap.Uptime().Truncate(time.Second), snap.Pilot.State, snap.Trans.State, snap.Meter.Total, snap.Meter.EnergyKWh)
			event := mqtt.SystemEvent{
				Timestamp:  c.now(),
				Event:      "HEARTBEAT",
				RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
			}
			if err := c.publisher.PublishSystem(event); err != nil {
				log.Printf("heartbeat publish error: %v", err)
			}
		}
	}
}

// refresh copies the controller state into the tracker.
func (c controller) refresh() {
	c.tracker.Update(c.machine.Snapshot(), c.trans.Snapshot(), c.meter.Snapshot(), c.capacity.State())
	if c.mqttStatus != nil {
		c.tracker.SetMQTTConnected(c.mqttStatus.IsConnected())
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
