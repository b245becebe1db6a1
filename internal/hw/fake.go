package hw

import (
	"context"
	"sync"
)

// FakeBoard is a test double covering inputs, outputs and the pilot front
// end. Measurements return Codes[mode], or block until the deadline when
// Stall or Stalled[mode] is set.
type FakeBoard struct {
	mu sync.Mutex

	In       Inputs
	InputErr error

	Contactor    bool
	Locked       bool
	ContactorLog []bool
	OutputErr    error

	Duty    float64
	DutyLog []float64

	Codes     map[MeasureMode]uint16
	SampleErr error
	Stall     bool
	Stalled   map[MeasureMode]bool
	Samples   []MeasureMode
}

// NewFakeBoard returns a board with a healthy cable and no pilot codes set.
func NewFakeBoard() *FakeBoard {
	return &FakeBoard{
		In:    Inputs{CableOK: true},
		Duty:  1,
		Codes: make(map[MeasureMode]uint16),
	}
}

// SetInputs replaces the inputs.
func (f *FakeBoard) SetInputs(in Inputs) {
	f.mu.Lock()
	f.In = in
	f.mu.Unlock()
}

// SetVolts makes every measurement in mode read the given pilot volts.
func (f *FakeBoard) SetVolts(mode MeasureMode, volts float64) {
	f.mu.Lock()
	f.Codes[mode] = VoltsToCode(volts)
	f.mu.Unlock()
}

func (f *FakeBoard) ReadInputs() (Inputs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.In, f.InputErr
}

func (f *FakeBoard) SetContactor(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OutputErr != nil {
		return f.OutputErr
	}
	f.Contactor = on
	f.ContactorLog = append(f.ContactorLog, on)
	return nil
}

func (f *FakeBoard) SetCableLock(locked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OutputErr != nil {
		return f.OutputErr
	}
	f.Locked = locked
	return nil
}

func (f *FakeBoard) SetDutyCycle(duty float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Duty = duty
	f.DutyLog = append(f.DutyLog, duty)
	return nil
}

func (f *FakeBoard) Sample(ctx context.Context, mode MeasureMode) ([]uint16, error) {
	f.mu.Lock()
	f.Samples = append(f.Samples, mode)
	stall, err := f.Stall || f.Stalled[mode], f.SampleErr
	code, ok := f.Codes[mode]
	f.mu.Unlock()

	if stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		code = 0
	}
	return []uint16{code, code}, nil
}

// Blocks returns nil; the fake never produces CT data.
func (f *FakeBoard) Blocks() <-chan []uint16 {
	return nil
}

// ContactorState returns the relay position.
func (f *FakeBoard) ContactorState() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Contactor
}

// ContactorHistory returns every contactor command in order.
func (f *FakeBoard) ContactorHistory() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.ContactorLog...)
}

// LastDuty returns the last programmed duty.
func (f *FakeBoard) LastDuty() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Duty
}

// Reset clears the call logs.
func (f *FakeBoard) Reset() {
	f.mu.Lock()
	f.ContactorLog = nil
	f.DutyLog = nil
	f.Samples = nil
	f.mu.Unlock()
}
