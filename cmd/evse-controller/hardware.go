package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/sweeney/evse-controller/internal/config"
	"github.com/sweeney/evse-controller/internal/hw"
	"github.com/sweeney/evse-controller/internal/meter"
	"github.com/sweeney/evse-controller/internal/pilot"
)

// backend bundles the I/O the controller runs on.
type backend struct {
	board    pilot.Board
	frontEnd hw.FrontEnd
	sim      *hw.Simulator // nil unless the sim backend is selected
	close    func() error
}

// serialBoard drives the safety I/O over GPIO and the pilot PWM over the
// analog co-processor.
type serialBoard struct {
	*hw.GPIOBoard
	fe *hw.SerialFrontEnd
}

func (b serialBoard) SetDutyCycle(duty float64) error {
	return b.fe.SetDutyCycle(duty)
}

func openBackend(cfg config.Config) (*backend, error) {
	switch cfg.Hardware.Backend {
	case "sim":
		sim := hw.NewSimulator(cfg.Power.CTAmpsPerVolt, cfg.Power.ThreePhase)
		log.Printf("hw: simulator backend")
		return &backend{board: sim, frontEnd: sim, sim: sim, close: func() error { return nil }}, nil

	case "serial":
		gpio, err := hw.NewGPIOBoard(cfg.Hardware)
		if err != nil {
			return nil, fmt.Errorf("init gpio: %w", err)
		}
		fe, err := hw.OpenSerial(cfg.Hardware.SerialPort, cfg.Hardware.SerialBaud, meter.BlockLen)
		if err != nil {
			gpio.Close()
			return nil, fmt.Errorf("init front end: %w", err)
		}
		log.Printf("hw: gpio %s, front end %s @ %d", cfg.Hardware.GPIOChip, cfg.Hardware.SerialPort, cfg.Hardware.SerialBaud)
		return &backend{
			board:    serialBoard{GPIOBoard: gpio, fe: fe},
			frontEnd: fe,
			close: func() error {
				return errors.Join(fe.Close(), gpio.Close())
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Hardware.Backend)
	}
}

// openInputs opens only what is needed to read the safety inputs.
func openInputs(cfg config.Config) (hw.InputReader, func() error, error) {
	if cfg.Hardware.Backend == "sim" {
		return hw.NewSimulator(cfg.Power.CTAmpsPerVolt, cfg.Power.ThreePhase), func() error { return nil }, nil
	}
	gpio, err := hw.NewGPIOBoard(cfg.Hardware)
	if err != nil {
		return nil, nil, fmt.Errorf("init gpio: %w", err)
	}
	return gpio, gpio.Close, nil
}
