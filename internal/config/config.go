// Package config loads the charger configuration from a YAML file and holds
// the live copy that the metering and pilot tasks reload on request.
package config

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/evse-controller/internal/mathx"
)

// Power and current limits enforced on every load.
const (
	ChargeCurrentMin = 6   // A
	ChargeCurrentMax = 63  // A
	ChargeVoltageMin = 85  // V
	ChargeVoltageMax = 250 // V
)

// Config is the root of the YAML file.
type Config struct {
	Device   Device   `yaml:"device"`
	Power    Power    `yaml:"power"`
	Rates    Rates    `yaml:"rates"`
	OpMode   OpMode   `yaml:"op_mode"`
	MQTT     MQTT     `yaml:"mqtt"`
	HTTP     HTTP     `yaml:"http"`
	Hardware Hardware `yaml:"hardware"`
}

// Device identifies the charger on the network.
type Device struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
}

// Power is the electrical configuration consumed by the metering engine and
// the capacity negotiator.
type Power struct {
	ChargeVoltage    float64 `yaml:"charge_voltage"`     // V line-neutral
	ChargeCurrentMax int     `yaml:"charge_current_max"` // A
	CTAmpsPerVolt    float64 `yaml:"ct_amps_per_volt"`
	Managed          bool    `yaml:"managed"`
	SiteLimit        int     `yaml:"site_limit"` // A shared by managed chargers; 0 means no site limit
	ThreePhase       bool    `yaml:"three_phase"`
}

// Rates drives bill computation.
type Rates struct {
	EnergyKWh       float64 `yaml:"energy_kwh"`
	ParkingHour     float64 `yaml:"parking_hr"`
	ParkPenaltyMin  float64 `yaml:"park_penalty_min"`
	FreeParkingMins int     `yaml:"free_parking_min"`
}

// OpMode holds operating switches.
type OpMode struct {
	OpenAndFree bool `yaml:"open_and_free"` // no authorization, no billing
}

// MQTT configures telemetry and remote commands.
type MQTT struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
}

// HTTP configures the status server.
type HTTP struct {
	Addr string `yaml:"addr"`
}

// Hardware selects and configures the I/O backend.
type Hardware struct {
	Backend    string `yaml:"backend"` // "sim" or "serial"
	SerialPort string `yaml:"serial_port"`
	SerialBaud int    `yaml:"serial_baud"`
	GPIOChip   string `yaml:"gpio_chip"`
	Pins       Pins   `yaml:"pins"`
}

// Pins are BCM line offsets on GPIOChip.
type Pins struct {
	EmergencyStop int `yaml:"emergency_stop"`
	Cover         int `yaml:"cover"`
	OverTemp      int `yaml:"over_temp"`
	CableOK       int `yaml:"cable_ok"`
	Contactor     int `yaml:"contactor"`
	CableLock     int `yaml:"cable_lock"`
}

// Default returns the factory configuration.
func Default() Config {
	return Config{
		Device: Device{ID: "evse-01", Label: "EVSE"},
		Power: Power{
			ChargeVoltage:    220,
			ChargeCurrentMax: 8,
			CTAmpsPerVolt:    50,
		},
		Rates: Rates{
			EnergyKWh:       1,
			ParkingHour:     0,
			ParkPenaltyMin:  0,
			FreeParkingMins: 15,
		},
		MQTT: MQTT{Broker: "tcp://127.0.0.1:1883", ClientID: "evse-controller"},
		HTTP: HTTP{Addr: ":8080"},
		Hardware: Hardware{
			Backend:    "sim",
			SerialPort: "/dev/ttyAMA0",
			SerialBaud: 115200,
			GPIOChip:   "gpiochip0",
			Pins: Pins{
				EmergencyStop: 17,
				Cover:         27,
				OverTemp:      22,
				CableOK:       5,
				Contactor:     23,
				CableLock:     24,
			},
		},
	}
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Validate checks every range-limited field and reports all violations.
func (c Config) Validate() error {
	var errs []error
	p := c.Power
	if !mathx.Between(p.ChargeCurrentMax, ChargeCurrentMin, ChargeCurrentMax) {
		errs = append(errs, fmt.Errorf("power.charge_current_max %d out of range [%d, %d]",
			p.ChargeCurrentMax, ChargeCurrentMin, ChargeCurrentMax))
	}
	if !mathx.Between(p.ChargeVoltage, ChargeVoltageMin, ChargeVoltageMax) {
		errs = append(errs, fmt.Errorf("power.charge_voltage %g out of range [%d, %d]",
			p.ChargeVoltage, ChargeVoltageMin, ChargeVoltageMax))
	}
	if p.SiteLimit < 0 {
		errs = append(errs, fmt.Errorf("power.site_limit %d must not be negative", p.SiteLimit))
	}
	if p.CTAmpsPerVolt <= 0 {
		errs = append(errs, fmt.Errorf("power.ct_amps_per_volt must be positive, got %g", p.CTAmpsPerVolt))
	}
	r := c.Rates
	if r.EnergyKWh < 0 || r.ParkingHour < 0 || r.ParkPenaltyMin < 0 || r.FreeParkingMins < 0 {
		errs = append(errs, errors.New("rates must not be negative"))
	}
	switch c.Hardware.Backend {
	case "sim", "serial":
	default:
		errs = append(errs, fmt.Errorf("hardware.backend %q: want sim or serial", c.Hardware.Backend))
	}
	if c.Device.ID == "" {
		errs = append(errs, errors.New("device.id is required"))
	}
	return errors.Join(errs...)
}

// SinglePhaseCurrentMax is the per-phase ceiling used by overcurrent checks.
func (p Power) SinglePhaseCurrentMax() int {
	if p.ThreePhase {
		return p.ChargeCurrentMax / 3
	}
	return p.ChargeCurrentMax
}

// Store holds the live configuration. Readers get a copy.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  Config
}

// NewStore wraps cfg. path may be empty, in which case Reload fails.
func NewStore(path string, cfg Config) *Store {
	return &Store{path: path, cfg: cfg}
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Power returns the current power section. It satisfies the metering
// engine's and the pilot machine's config source.
func (s *Store) Power() Power {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Power
}

// Rates returns the current billing rates.
func (s *Store) Rates() Rates {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Rates
}

// OpenAndFree reports whether the charger runs without authorization.
func (s *Store) OpenAndFree() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.OpMode.OpenAndFree
}

// Reload re-reads the backing file. The previous configuration is kept if
// the new one fails to load or validate.
func (s *Store) Reload() error {
	if s.path == "" {
		return errors.New("config: no file to reload")
	}
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// UpdateRates replaces the billing rates.
func (s *Store) UpdateRates(r Rates) error {
	if r.EnergyKWh < 0 || r.ParkingHour < 0 || r.ParkPenaltyMin < 0 || r.FreeParkingMins < 0 {
		return errors.New("rates must not be negative")
	}
	s.mu.Lock()
	s.cfg.Rates = r
	s.mu.Unlock()
	return nil
}
