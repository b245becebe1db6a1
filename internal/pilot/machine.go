// Package pilot runs the SAE-J1772 control-pilot state machine: it
// classifies the pilot voltage, negotiates the offered current and is the
// only component that drives the mains contactor.
package pilot

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweeney/evse-controller/internal/config"
	"github.com/sweeney/evse-controller/internal/hw"
	"github.com/sweeney/evse-controller/internal/mathx"
	"github.com/sweeney/evse-controller/internal/meter"
	"github.com/sweeney/evse-controller/internal/trans"
)

// Timing.
const (
	TickPeriod     = 50 * time.Millisecond
	SettleDelay    = 20 * time.Millisecond
	DwellTime      = 2800 * time.Millisecond
	StopDwell      = 3010 * time.Millisecond
	OverCurrentFor = 5 * time.Second
	DigitalPulseLo = 200 * time.Millisecond
	DigitalPulseHi = 3000 * time.Millisecond
)

// Board is the hardware the machine drives.
type Board interface {
	hw.InputReader
	hw.Outputs
	SetDutyCycle(duty float64) error
}

// LevelReader classifies the pilot line for the duty being driven.
type LevelReader interface {
	Read(ctx context.Context, duty float64) Level
}

// Transactions is the session state machine as seen from the pilot.
type Transactions interface {
	State() trans.State
	SetState(to trans.State, paid float64) bool
	IsCreditOut() bool
	PaidStateDelayTick()
	DelayRunning() bool
}

// Currents reads the latest metered phase currents.
type Currents interface {
	Currents() ([meter.Phases]float64, float64)
}

// PowerSource supplies the capacity configuration.
type PowerSource interface {
	Power() config.Power
}

// Options wires a Machine.
type Options struct {
	Board      Board
	Levels     LevelReader
	Trans      Transactions
	Meter      Currents
	Power      PowerSource
	Negotiator *Negotiator

	Now        func() time.Time
	Sleep      func(time.Duration)
	Settle     time.Duration // 0 uses SettleDelay; negative disables
	TickPeriod time.Duration // 0 uses TickPeriod
}

// Transition records a state change.
type Transition struct {
	Time  time.Time   `json:"time"`
	From  State       `json:"from"`
	To    State       `json:"to"`
	Level Level       `json:"-"`
	Trans trans.State `json:"trans"`
}

// Status is the published view of the machine.
type Status struct {
	State       State     `json:"state"`
	EnteredFrom State     `json:"entered_from"`
	Level       string    `json:"level"`
	Duty        float64   `json:"duty"`
	Contactor   bool      `json:"contactor"`
	CableLocked bool      `json:"cable_locked"`
	EVWithoutS2 bool      `json:"ev_without_s2"`
	Inputs      hw.Inputs `json:"inputs"`
}

// Machine is the pilot controller. Step must be called from one goroutine;
// the accessors are safe from any goroutine.
type Machine struct {
	board  Board
	levels LevelReader
	tr     Transactions
	meter  Currents
	power  PowerSource
	neg    *Negotiator
	now    func() time.Time
	sleep  func(time.Duration)
	settle time.Duration

	ticksPerSecond int

	// published
	mu  sync.RWMutex
	pub Status

	reload   atomic.Bool
	errReset atomic.Bool

	// owned by the tick goroutine
	state       State
	enteredFrom State
	inputs      hw.Inputs
	trState     trans.State
	level       Level
	duty        float64
	contactorOn bool
	locked      bool
	evWithoutS2 bool
	offerReq    int
	chargeMax   int
	singleMax   int
	ticks       int

	draw           meter.DrawDetector
	chargeStarted  bool
	chargeStopped  bool
	pulseBegin     time.Time
	pulseEnd       time.Time
	pulseCompleted bool

	dwell9 Timer
	dwell6 Timer
	stop   Timer
	over   Timer
}

// New builds a Machine starting in Vdc12.
func New(opts Options) *Machine {
	m := &Machine{
		board:  opts.Board,
		levels: opts.Levels,
		tr:     opts.Trans,
		meter:  opts.Meter,
		power:  opts.Power,
		neg:    opts.Negotiator,
		now:    opts.Now,
		sleep:  opts.Sleep,
		settle: opts.Settle,
		duty:   1,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.sleep == nil {
		m.sleep = time.Sleep
	}
	if m.settle == 0 {
		m.settle = SettleDelay
	}
	period := opts.TickPeriod
	if period <= 0 {
		period = TickPeriod
	}
	m.ticksPerSecond = max(1, int(time.Second/period))
	if m.neg == nil {
		m.neg = NewNegotiator(0, false, nil)
	}
	m.dwell9 = newTimer(m.now)
	m.dwell6 = newTimer(m.now)
	m.stop = newTimer(m.now)
	m.over = newTimer(m.now)
	m.loadVars()
	m.publish()
	return m
}

func (m *Machine) loadVars() {
	p := m.power.Power()
	m.chargeMax = min(p.ChargeCurrentMax, ChargeCurrentMax)
	m.singleMax = min(p.SinglePhaseCurrentMax(), m.chargeMax)
	m.neg.Load(m.chargeMax, p.Managed)
	log.Printf("pilot: capacity max=%dA single-phase=%dA managed=%v", m.chargeMax, m.singleMax, p.Managed)
}

// RequestReload asks the machine to reload capacity settings at the end of
// the next tick.
func (m *Machine) RequestReload() { m.reload.Store(true) }

// RequestErrorReset asks the machine to leave Error at the end of the next
// tick. It has no effect in any other state.
func (m *Machine) RequestErrorReset() { m.errReset.Store(true) }

// Step runs one control tick and returns the transition taken, if any.
func (m *Machine) Step(ctx context.Context) *Transition {
	in, err := m.board.ReadInputs()
	if err != nil {
		log.Printf("pilot: read inputs: %v", err)
		in = hw.Inputs{EmergencyStop: true}
	}
	m.inputs = in
	m.publishInputs()

	m.trState = m.tr.State()
	m.action()

	from := m.state
	next := m.next(ctx)
	m.enteredFrom = from
	m.state = next
	if next != from && (next == Error || next == Panic) {
		m.energyOff()
	}

	var tr *Transition
	if next != from {
		log.Printf("pilot: %s -> %s (level %s, trans %s)", from, next, m.level, m.trState)
		tr = &Transition{Time: m.now(), From: from, To: next, Level: m.level, Trans: m.trState}
	}

	if m.reload.Swap(false) {
		m.loadVars()
	} else if m.errReset.Swap(false) {
		if m.state == Error {
			log.Printf("pilot: error reset")
			m.enteredFrom = Error
			m.state = Vdc12
			tr = &Transition{Time: m.now(), From: from, To: Vdc12, Level: m.level, Trans: m.trState}
		}
	}
	m.publish()

	m.ticks++
	if m.ticks >= m.ticksPerSecond {
		m.ticks = 0
		if m.trState == trans.Charging && m.tr.IsCreditOut() {
			log.Printf("pilot: credit exhausted")
			m.tr.SetState(trans.Parking, 0)
		}
		m.tr.PaidStateDelayTick()
	}
	return tr
}

// Run steps the machine on every tick until ctx is done, then cuts the
// energy output.
func (m *Machine) Run(ctx context.Context, tick <-chan time.Time, onTransition func(Transition)) error {
	defer m.Shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			if tr := m.Step(ctx); tr != nil && onTransition != nil {
				onTransition(*tr)
			}
		}
	}
}

// Shutdown opens the contactor and releases the cable.
func (m *Machine) Shutdown() {
	m.energyOff()
	m.setDuty(1)
	m.setLock(false)
	m.publish()
}

func (m *Machine) entered() bool {
	return m.enteredFrom != m.state
}

func (m *Machine) action() {
	switch m.state {
	case Vdc12:
		m.setDuty(1)
		m.energyOff()
		m.wait()
		m.setLock(false)

	case Vdc9:
		m.setDuty(1)
		m.energyOff()
		m.wait()
		if m.entered() {
			m.dwell9.Arm(DwellTime)
		}

	case Vdc6:
		m.energyOff()
		m.setDuty(1)
		m.wait()
		if m.entered() {
			m.dwell6.Arm(DwellTime)
		}

	case Vac6:
		m.actionVac6()

	case Vac9:
		m.energyOff()
		m.evWithoutS2 = false
		m.setDuty(DutyCycle(m.neg.Offer(RequestMax, m.conditions())))
		m.wait()

	case Vac12:
		m.energyOff()
		m.setDuty(1)
		m.wait()

	case Stopped:
		m.setDuty(1)
		m.wait()
		if m.entered() {
			m.stop.Arm(StopDwell)
		}

	case Error, Panic:
		m.energyOff()
		m.setDuty(0)
		m.wait()
		m.setLock(false)
		m.forceTransFault()

	case DigitalInterface:
		m.energyOff()
		m.setDuty(1)
		m.setLock(false)
	}
}

func (m *Machine) actionVac6() {
	if m.enteredFrom == Vdc6 {
		// the vehicle has no S2 switch; hold the contactor off a while longer
		m.dwell6.Arm(DwellTime)
	}
	if m.entered() {
		m.draw.Reset()
		m.chargeStarted = false
		m.chargeStopped = false
		m.over.Cancel()
		m.offerReq = m.chargeMax
	}
	offered := m.neg.Offer(m.offerReq, m.conditions())
	m.offerReq = offered
	m.setDuty(DutyCycle(offered))
	m.wait()

	phases, total := m.meter.Currents()
	if m.trState == trans.Charging && (m.dwell6.Expired() || !m.evWithoutS2) {
		m.energyOn()
		if m.draw.IsDrawing(total) {
			m.chargeStarted = true
			m.chargeStopped = false
		} else if m.chargeStarted && offered > 0 {
			m.chargeStopped = true
		}
	}

	// Each phase overwrites the flag, so only the last phase's verdict
	// decides whether the aggregate is checked.
	over := false
	for _, a := range phases {
		over = IsOverCurrent(a, m.singleMax)
		if over && m.offerReq > m.singleMax {
			m.offerReq = m.singleMax
			m.neg.Clamp(m.singleMax)
		}
	}
	if !over {
		over = IsOverCurrent(total, m.offerReq)
	}

	if !over {
		m.over.Cancel()
	} else if !m.over.Running() && !m.over.Expired() {
		log.Printf("pilot: overcurrent %.1fA against offer %dA", total, m.offerReq)
		m.over.Arm(OverCurrentFor)
	}
}

// IsOverCurrent applies the tolerance band for an offered current: 2 A
// absolute up to 20 A, 10% above.
func IsOverCurrent(current float64, offer int) bool {
	if current <= 20 {
		return (offer == 0 && current >= 1) || current > float64(offer+2)
	}
	return current > float64(offer)*1.1
}

func (m *Machine) read(ctx context.Context) Level {
	m.level = m.levels.Read(ctx, m.duty)
	return m.level
}

func (m *Machine) next(ctx context.Context) State {
	switch m.state {
	case Error:
		return Error
	case Panic:
		if m.inputs.Panic() {
			return Panic
		}
		return Stopped
	}
	if m.inputs.Panic() {
		return Panic
	}

	switch m.state {
	case Vdc12:
		switch m.read(ctx) {
		case LevelVdc12:
			m.tr.SetState(trans.Idle, 0)
			return Vdc12
		case LevelVdc9:
			m.evWithoutS2 = false
			m.tr.SetState(trans.Handshake, 0)
			m.setLock(true)
			return Vdc9
		case LevelVdc6:
			m.evWithoutS2 = true
			m.tr.SetState(trans.Handshake, 0)
			m.setLock(true)
			return Vdc6
		case LevelTimedOut:
			// nothing plugged in yet; not a fault
			return Vdc12
		}
		return Error

	case Vdc9:
		switch m.read(ctx) {
		case LevelVdc12:
			m.pulseCompleted = false
			return Vdc12
		case LevelVdc9:
			if m.pulseCompleted {
				m.pulseCompleted = false
				w := m.pulseEnd.Sub(m.pulseBegin)
				if mathx.Between(w, DigitalPulseLo, DigitalPulseHi) {
					return DigitalInterface
				}
			}
			if m.dwell9.Expired() {
				return Vac9
			}
			return Vdc9
		case LevelVdc6:
			m.pulseBegin = m.now()
			m.pulseCompleted = false
			return Vdc6
		}
		m.pulseCompleted = false
		return Error

	case Vdc6:
		switch m.read(ctx) {
		case LevelVdc12:
			return Vdc12
		case LevelVdc9:
			m.pulseEnd = m.now()
			m.pulseCompleted = true
			return Vdc9
		case LevelVdc6:
			if m.dwell6.Expired() && m.neg.Offer(RequestMax, m.conditions()) > 0 {
				m.tr.SetState(trans.Authen, 0)
				return Vac6
			}
			return Vdc6
		}
		return Error

	case Vac6:
		if !m.inputs.CableOK {
			if m.contactorOn {
				return Error
			}
			return Stopped
		}
		if m.over.Expired() || (m.chargeStopped && m.evWithoutS2) ||
			(m.trState != trans.Authen && m.trState != trans.Charging) {
			return Stopped
		}
		switch m.read(ctx) {
		case LevelVdc12, LevelVac12:
			if m.contactorOn && !m.evWithoutS2 {
				return Error
			}
			return Stopped
		case LevelVdc9, LevelVac9:
			return Stopped
		case LevelVdc6:
			return Vac6
		case LevelVac6:
			m.tr.SetState(trans.Authen, 0)
			return Vac6
		}
		return Error

	case Vac9:
		if !m.inputs.CableOK {
			return Vdc9
		}
		switch m.read(ctx) {
		case LevelVdc12, LevelVac12:
			return Vac12
		case LevelVdc9, LevelVac9:
			return Vac9
		case LevelVdc6, LevelVac6:
			m.tr.SetState(trans.Authen, 0)
			return Vac6
		}
		return Error

	case Vac12:
		switch m.read(ctx) {
		case LevelVdc12:
			return Vdc12
		case LevelVdc9:
			return Vdc9
		case LevelVdc6:
			return Vdc6
		}
		return Error

	case Stopped:
		switch m.read(ctx) {
		case LevelVdc12:
			m.energyOff()
			m.tr.SetState(trans.Billing, 0)
			return Vdc12
		case LevelVdc9:
			m.energyOff()
			m.tr.SetState(trans.Parking, 0)
			return Stopped
		case LevelVdc6:
			if m.stop.Expired() {
				m.energyOff()
				m.tr.SetState(trans.Parking, 0)
			}
			return Stopped
		}
		m.energyOff()
		m.tr.SetState(trans.Parking, 0)
		return Error

	case DigitalInterface:
		switch m.read(ctx) {
		case LevelVdc12:
			return Vdc12
		case LevelVdc9, LevelVdc6:
			return DigitalInterface
		}
		return Error
	}
	return Error
}

// forceTransFault settles the session when the pilot faults.
func (m *Machine) forceTransFault() {
	switch {
	case m.trState <= trans.Authen || m.trState == trans.Paid:
		m.tr.SetState(trans.Idle, 0)
	case m.trState == trans.Charging || m.trState == trans.Parking:
		m.tr.SetState(trans.Billing, 0)
	}
}

func (m *Machine) conditions() OfferConditions {
	return OfferConditions{
		HardwareOK:   m.inputs.CableOK && !m.inputs.Panic(),
		DelayRunning: m.tr.DelayRunning(),
		OverTemp:     m.inputs.OverTemp,
		EVWithoutS2:  m.evWithoutS2,
	}
}

func (m *Machine) wait() {
	if m.settle > 0 {
		m.sleep(m.settle)
	}
}

func (m *Machine) setDuty(d float64) {
	if err := m.board.SetDutyCycle(d); err != nil {
		log.Printf("pilot: set duty %.4f: %v", d, err)
		return
	}
	m.duty = d
}

func (m *Machine) setContactor(on bool) {
	if err := m.board.SetContactor(on); err != nil {
		log.Printf("pilot: set contactor %v: %v", on, err)
		return
	}
	if on != m.contactorOn {
		log.Printf("pilot: contactor %v", onOff(on))
	}
	m.contactorOn = on
}

func (m *Machine) setLock(locked bool) {
	if locked == m.locked {
		return
	}
	if err := m.board.SetCableLock(locked); err != nil {
		log.Printf("pilot: set cable lock %v: %v", locked, err)
		return
	}
	m.locked = locked
}

// energyOff opens the contactor and gives back the reservation.
func (m *Machine) energyOff() {
	m.setContactor(false)
	m.neg.Release()
}

// energyOn closes the contactor, but only for a charging session holding
// a reservation.
func (m *Machine) energyOn() {
	if m.neg.Reserved() > 0 && m.trState == trans.Charging {
		m.setContactor(true)
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func (m *Machine) publishInputs() {
	m.mu.Lock()
	m.pub.Inputs = m.inputs
	m.mu.Unlock()
}

func (m *Machine) publish() {
	m.mu.Lock()
	m.pub = Status{
		State:       m.state,
		EnteredFrom: m.enteredFrom,
		Level:       m.level.String(),
		Duty:        m.duty,
		Contactor:   m.contactorOn,
		CableLocked: m.locked,
		EVWithoutS2: m.evWithoutS2,
		Inputs:      m.inputs,
	}
	m.mu.Unlock()
}

// Snapshot copies the published status.
func (m *Machine) Snapshot() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pub
}

// State returns the current pilot state.
func (m *Machine) State() State {
	return m.Snapshot().State
}

// IsCharging reports whether the contactor is closed.
func (m *Machine) IsCharging() bool {
	return m.Snapshot().Contactor
}

// IsChargingReady reports whether a vehicle could charge right now.
func (m *Machine) IsChargingReady() bool {
	s := m.Snapshot()
	return !s.Inputs.CoverOpen && !s.Inputs.OverTemp && (s.State == Vac6 || s.State == Vac9)
}

// IsFatalError reports whether the machine is latched in Error.
func (m *Machine) IsFatalError() bool { return m.State() == Error }

// IsPanic reports whether an emergency condition holds the machine.
func (m *Machine) IsPanic() bool { return m.State() == Panic }

// IsDigitalNeeded reports whether the vehicle asked for digital communication.
func (m *Machine) IsDigitalNeeded() bool { return m.State() == DigitalInterface }

// IsHardwareOK reports cable OK and no panic condition on the last read.
func (m *Machine) IsHardwareOK() bool {
	in := m.Snapshot().Inputs
	return in.CableOK && !in.Panic()
}
