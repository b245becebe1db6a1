package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	data := []byte(`
device:
  id: bay-3
power:
  charge_current_max: 32
  managed: true
rates:
  energy_kwh: 0.45
op_mode:
  open_and_free: true
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Device.ID != "bay-3" {
		t.Errorf("Device.ID: got %q, want bay-3", cfg.Device.ID)
	}
	if cfg.Power.ChargeCurrentMax != 32 {
		t.Errorf("ChargeCurrentMax: got %d, want 32", cfg.Power.ChargeCurrentMax)
	}
	if !cfg.Power.Managed {
		t.Error("expected Managed=true")
	}
	// untouched fields keep defaults
	if cfg.Power.ChargeVoltage != 220 {
		t.Errorf("ChargeVoltage: got %g, want default 220", cfg.Power.ChargeVoltage)
	}
	if cfg.Rates.EnergyKWh != 0.45 {
		t.Errorf("Rates.EnergyKWh: got %g, want 0.45", cfg.Rates.EnergyKWh)
	}
	if !cfg.OpMode.OpenAndFree {
		t.Error("expected OpenAndFree=true")
	}
}

func TestParseRejectsOutOfRange(t *testing.T) {
	data := []byte(`
power:
  charge_current_max: 80
  charge_voltage: 300
hardware:
  backend: can
`)
	_, err := Parse(data)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"charge_current_max", "charge_voltage", "backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("power: [")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSinglePhaseCurrentMax(t *testing.T) {
	p := Power{ChargeCurrentMax: 32}
	if got := p.SinglePhaseCurrentMax(); got != 32 {
		t.Errorf("single phase: got %d, want 32", got)
	}
	p.ThreePhase = true
	if got := p.SinglePhaseCurrentMax(); got != 10 {
		t.Errorf("three phase: got %d, want 10", got)
	}
}

func TestStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evse.yaml")
	if err := os.WriteFile(path, []byte("power:\n  charge_current_max: 16\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := NewStore(path, cfg)
	if got := s.Power().ChargeCurrentMax; got != 16 {
		t.Fatalf("ChargeCurrentMax: got %d, want 16", got)
	}

	if err := os.WriteFile(path, []byte("power:\n  charge_current_max: 24\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := s.Power().ChargeCurrentMax; got != 24 {
		t.Errorf("after reload: got %d, want 24", got)
	}

	// a bad file leaves the old config in place
	if err := os.WriteFile(path, []byte("power:\n  charge_current_max: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err == nil {
		t.Error("expected reload error for invalid file")
	}
	if got := s.Power().ChargeCurrentMax; got != 24 {
		t.Errorf("after failed reload: got %d, want 24", got)
	}
}

func TestStoreReloadWithoutPath(t *testing.T) {
	s := NewStore("", Default())
	if err := s.Reload(); err == nil {
		t.Error("expected error without path")
	}
}

func TestStoreUpdateRates(t *testing.T) {
	s := NewStore("", Default())
	if err := s.UpdateRates(Rates{EnergyKWh: 0.3, FreeParkingMins: 10}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.Rates().EnergyKWh; got != 0.3 {
		t.Errorf("EnergyKWh: got %g, want 0.3", got)
	}
	if err := s.UpdateRates(Rates{EnergyKWh: -1}); err == nil {
		t.Error("expected error for negative rate")
	}
}
