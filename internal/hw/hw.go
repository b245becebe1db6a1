// Package hw defines the charger's hardware boundary: safety inputs, relay
// outputs and the pilot/CT analog front end.
package hw

import (
	"context"
	"fmt"
)

// MeasureMode selects where in the PWM period the pilot ADC is triggered.
type MeasureMode int

const (
	ModeDC    MeasureMode = iota // steady output, sample anywhere
	ModePeak                     // positive half of the PWM period
	ModeCrest                    // negative half, detects the EV diode
)

func (m MeasureMode) String() string {
	switch m {
	case ModeDC:
		return "DC"
	case ModePeak:
		return "PEAK"
	case ModeCrest:
		return "CREST"
	default:
		return fmt.Sprintf("MeasureMode(%d)", int(m))
	}
}

// Inputs are the safety sensors read once per pilot tick.
type Inputs struct {
	EmergencyStop bool `json:"emergency_stop"`
	CoverOpen     bool `json:"cover_open"`
	OverTemp      bool `json:"over_temp"`
	CableOK       bool `json:"cable_ok"`
}

// Panic reports whether an emergency condition is asserted.
func (in Inputs) Panic() bool {
	return in.EmergencyStop || in.CoverOpen
}

// InputReader reads the safety sensors.
type InputReader interface {
	ReadInputs() (Inputs, error)
}

// Outputs drives the mains contactor and the cable-lock solenoid.
type Outputs interface {
	SetContactor(on bool) error
	SetCableLock(locked bool) error
}

// FrontEnd is the analog side of the board: the pilot PWM generator, the
// triggered pilot ADC and the CT sampler.
type FrontEnd interface {
	SetDutyCycle(duty float64) error
	// Sample triggers a pilot measurement and returns the raw ADC codes.
	// It returns ctx.Err() if the trigger does not complete in time.
	Sample(ctx context.Context, mode MeasureMode) ([]uint16, error)
	// Blocks delivers interleaved three-phase CT blocks.
	Blocks() <-chan []uint16
}

// ADC conversion used by both the front end and the simulator.
const (
	adcFullScale = 4095
	adcVref      = 3.3
	pilotOffset  = 1.7434
	pilotGain    = 9.6525
	pilotTrim    = 0.12
)

// CodeToVolts converts a pilot ADC code to pilot-line volts.
func CodeToVolts(code float64) float64 {
	v := code * adcVref / adcFullScale
	return (v-pilotOffset)*pilotGain + pilotTrim
}

// VoltsToCode is the inverse of CodeToVolts, clamped to the ADC range.
func VoltsToCode(volts float64) uint16 {
	v := ((volts-pilotTrim)/pilotGain + pilotOffset) * adcFullScale / adcVref
	switch {
	case v < 0:
		return 0
	case v > adcFullScale:
		return adcFullScale
	}
	return uint16(v + 0.5)
}
