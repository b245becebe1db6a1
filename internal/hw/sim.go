package hw

import (
	"context"
	"math"
	"sync"
	"time"
)

// Simulator emulates the whole board in software: the vehicle side of the
// pilot line, the safety inputs, the relays and a CT load that follows the
// advertised current while the contactor is closed.
type Simulator struct {
	mu sync.Mutex

	evVolts      float64 // vehicle-side level: 12, 9, 6, or 0 for no pilot
	diodeMissing bool
	stall        bool // Sample blocks until ctx expires

	duty      float64
	contactor bool
	locked    bool
	inputs    Inputs

	demand      float64 // A the vehicle would draw
	threePhase  bool
	ampsPerVolt float64
	n           int // CT sample clock

	blocks chan []uint16
}

// NewSimulator returns a simulator with a healthy, unplugged charger.
// ampsPerVolt must match the metering calibration for the synthetic load to
// read back correctly.
func NewSimulator(ampsPerVolt float64, threePhase bool) *Simulator {
	return &Simulator{
		evVolts:     12,
		duty:        1,
		inputs:      Inputs{CableOK: true},
		demand:      32,
		threePhase:  threePhase,
		ampsPerVolt: ampsPerVolt,
		blocks:      make(chan []uint16, 1),
	}
}

// SetPilot sets the vehicle-side pilot level in volts (12, 9, 6 or 0).
func (s *Simulator) SetPilot(volts float64) {
	s.mu.Lock()
	s.evVolts = volts
	s.mu.Unlock()
}

// Pilot returns the vehicle-side level.
func (s *Simulator) Pilot() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evVolts
}

// SetDiodeMissing removes the vehicle's pilot diode.
func (s *Simulator) SetDiodeMissing(missing bool) {
	s.mu.Lock()
	s.diodeMissing = missing
	s.mu.Unlock()
}

// SetStall makes every measurement hang until its deadline.
func (s *Simulator) SetStall(stall bool) {
	s.mu.Lock()
	s.stall = stall
	s.mu.Unlock()
}

// SetInputs replaces all safety inputs.
func (s *Simulator) SetInputs(in Inputs) {
	s.mu.Lock()
	s.inputs = in
	s.mu.Unlock()
}

// SetOverTemp toggles the temperature sensor.
func (s *Simulator) SetOverTemp(hot bool) {
	s.mu.Lock()
	s.inputs.OverTemp = hot
	s.mu.Unlock()
}

// SetEmergencyStop toggles the emergency stop.
func (s *Simulator) SetEmergencyStop(on bool) {
	s.mu.Lock()
	s.inputs.EmergencyStop = on
	s.mu.Unlock()
}

// SetDemand sets how many amperes the vehicle wants per phase.
func (s *Simulator) SetDemand(amps float64) {
	s.mu.Lock()
	s.demand = amps
	s.mu.Unlock()
}

// ReadInputs implements InputReader.
func (s *Simulator) ReadInputs() (Inputs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs, nil
}

// SetContactor implements Outputs.
func (s *Simulator) SetContactor(on bool) error {
	s.mu.Lock()
	s.contactor = on
	s.mu.Unlock()
	return nil
}

// SetCableLock implements Outputs.
func (s *Simulator) SetCableLock(locked bool) error {
	s.mu.Lock()
	s.locked = locked
	s.mu.Unlock()
	return nil
}

// Contactor reports the relay position.
func (s *Simulator) Contactor() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contactor
}

// CableLocked reports the solenoid position.
func (s *Simulator) CableLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// SetDutyCycle implements FrontEnd.
func (s *Simulator) SetDutyCycle(duty float64) error {
	s.mu.Lock()
	s.duty = duty
	s.mu.Unlock()
	return nil
}

// DutyCycle returns the programmed PWM duty.
func (s *Simulator) DutyCycle() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duty
}

// Sample implements FrontEnd.
func (s *Simulator) Sample(ctx context.Context, mode MeasureMode) ([]uint16, error) {
	s.mu.Lock()
	stall := s.stall
	volts := s.lineVolts(mode)
	s.mu.Unlock()

	if stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	code := VoltsToCode(volts)
	return []uint16{code, code, code, code}, nil
}

// lineVolts is what the ADC would see at the trigger point.
func (s *Simulator) lineVolts(mode MeasureMode) float64 {
	switch {
	case s.duty <= 0:
		return -12
	case s.duty >= 1:
		return s.evVolts
	case mode == ModeCrest:
		if s.diodeMissing || s.evVolts == 0 {
			return s.evVolts
		}
		return -12
	default:
		return s.evVolts
	}
}

// Blocks implements FrontEnd.
func (s *Simulator) Blocks() <-chan []uint16 {
	return s.blocks
}

// offered decodes the advertised current from the duty cycle.
func offered(duty float64) float64 {
	switch {
	case duty <= 0 || duty >= 1:
		return 0
	case duty <= 0.85:
		return duty * 100 * 0.6
	default:
		return (duty*100 - 64) * 2.5
	}
}

// NextBlock synthesises one CT block.
func (s *Simulator) NextBlock(blockLen int) []uint16 {
	s.mu.Lock()
	amps := 0.0
	if s.contactor && s.evVolts == 6 {
		amps = math.Min(s.demand, offered(s.duty))
	}
	three := s.threePhase
	apv := s.ampsPerVolt
	start := s.n
	s.n += blockLen / 3
	s.mu.Unlock()

	peak := amps * math.Sqrt2 * adcFullScale / (adcVref * apv)
	b := make([]uint16, blockLen)
	for i := 0; i < blockLen/3; i++ {
		x := 2048 + peak*math.Sin(2*math.Pi*50*float64(start+i)/1000)
		code := uint16(math.Round(math.Max(0, math.Min(adcFullScale, x))))
		b[i*3] = code
		if three {
			b[i*3+1] = code
			b[i*3+2] = code
		} else {
			b[i*3+1] = 2048
			b[i*3+2] = 2048
		}
	}
	return b
}

// Run emits a CT block every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context, interval time.Duration, blockLen int) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			b := s.NextBlock(blockLen)
			select {
			case s.blocks <- b:
			default:
			}
		}
	}
}
