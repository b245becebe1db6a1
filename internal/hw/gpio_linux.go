//go:build linux

package hw

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"

	"github.com/sweeney/evse-controller/internal/config"
)

// GPIOBoard reads the safety inputs and drives the relay outputs through the
// Linux GPIO character device.
type GPIOBoard struct {
	chip    *gpiocdev.Chip
	inputs  map[string]*gpiocdev.Line
	outputs map[string]*gpiocdev.Line
}

// NewGPIOBoard requests every line in cfg on the named chip. Inputs are
// active-low with pull-up; outputs start de-energised.
func NewGPIOBoard(cfg config.Hardware) (*GPIOBoard, error) {
	chip, err := gpiocdev.NewChip(cfg.GPIOChip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", cfg.GPIOChip, err)
	}
	b := &GPIOBoard{
		chip:    chip,
		inputs:  make(map[string]*gpiocdev.Line),
		outputs: make(map[string]*gpiocdev.Line),
	}

	in := []struct {
		name string
		pin  int
	}{
		{"estop", cfg.Pins.EmergencyStop},
		{"cover", cfg.Pins.Cover},
		{"overtemp", cfg.Pins.OverTemp},
		{"cable", cfg.Pins.CableOK},
	}
	for _, l := range in {
		line, err := chip.RequestLine(l.pin, gpiocdev.AsInput, gpiocdev.WithPullUp)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("request %s pin %d: %w", l.name, l.pin, err)
		}
		b.inputs[l.name] = line
	}

	out := []struct {
		name string
		pin  int
	}{
		{"contactor", cfg.Pins.Contactor},
		{"lock", cfg.Pins.CableLock},
	}
	for _, l := range out {
		line, err := chip.RequestLine(l.pin, gpiocdev.AsOutput(0))
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("request %s pin %d: %w", l.name, l.pin, err)
		}
		b.outputs[l.name] = line
	}
	return b, nil
}

func (b *GPIOBoard) active(name string) (bool, error) {
	v, err := b.inputs[name].Value()
	if err != nil {
		return false, fmt.Errorf("read %s pin: %w", name, err)
	}
	return v == 0, nil
}

// ReadInputs samples all safety inputs.
func (b *GPIOBoard) ReadInputs() (Inputs, error) {
	var in Inputs
	var err error
	if in.EmergencyStop, err = b.active("estop"); err != nil {
		return Inputs{}, err
	}
	if in.CoverOpen, err = b.active("cover"); err != nil {
		return Inputs{}, err
	}
	if in.OverTemp, err = b.active("overtemp"); err != nil {
		return Inputs{}, err
	}
	if in.CableOK, err = b.active("cable"); err != nil {
		return Inputs{}, err
	}
	return in, nil
}

func (b *GPIOBoard) set(name string, on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := b.outputs[name].SetValue(v); err != nil {
		return fmt.Errorf("set %s pin: %w", name, err)
	}
	return nil
}

// SetContactor energises or releases the mains relay.
func (b *GPIOBoard) SetContactor(on bool) error { return b.set("contactor", on) }

// SetCableLock drives the cable-lock solenoid.
func (b *GPIOBoard) SetCableLock(locked bool) error { return b.set("lock", locked) }

// Close drops the outputs and returns every line to a pulled input before
// releasing the chip.
func (b *GPIOBoard) Close() error {
	var errs []error
	for name, line := range b.outputs {
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("release %s pin: %w", name, err))
		}
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s pin: %w", name, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s pin: %w", name, err))
		}
	}
	for name, line := range b.inputs {
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s pin: %w", name, err))
		}
	}
	if b.chip != nil {
		if err := b.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
