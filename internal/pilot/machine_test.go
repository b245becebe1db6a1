package pilot

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sweeney/evse-controller/internal/config"
	"github.com/sweeney/evse-controller/internal/hw"
	"github.com/sweeney/evse-controller/internal/meter"
	"github.com/sweeney/evse-controller/internal/trans"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type scriptedLevels struct {
	mu    sync.Mutex
	level Level
}

// Read reports the scripted vehicle level as the classifier would see it
// for the duty being driven: steady output reads DC, PWM reads AC.
func (s *scriptedLevels) Read(ctx context.Context, duty float64) Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	if duty <= 0 {
		return LevelVdcNeg12
	}
	return fold(s.level, duty < 1)
}

func fold(l Level, ac bool) Level {
	pairs := [][2]Level{
		{LevelVdc12, LevelVac12},
		{LevelVdc9, LevelVac9},
		{LevelVdc6, LevelVac6},
		{LevelVdcNeg12, LevelVacNeg12},
	}
	for _, p := range pairs {
		if l == p[0] || l == p[1] {
			if ac {
				return p[1]
			}
			return p[0]
		}
	}
	return l
}

func (s *scriptedLevels) set(l Level) {
	s.mu.Lock()
	s.level = l
	s.mu.Unlock()
}

type fakeCurrents struct {
	mu     sync.Mutex
	phases [meter.Phases]float64
}

func (f *fakeCurrents) Currents() ([meter.Phases]float64, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phases, f.phases[0] + f.phases[1] + f.phases[2]
}

func (f *fakeCurrents) set(p0, p1, p2 float64) {
	f.mu.Lock()
	f.phases = [meter.Phases]float64{p0, p1, p2}
	f.mu.Unlock()
}

type fakeEnergy struct{ kWh float64 }

func (e *fakeEnergy) Reset()             { e.kWh = 0 }
func (e *fakeEnergy) EnergyKWh() float64 { return e.kWh }

type fakeConfig struct {
	mu    sync.Mutex
	power config.Power
	rates config.Rates
	free  bool
}

func (c *fakeConfig) Power() config.Power {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.power
}

func (c *fakeConfig) Rates() config.Rates { return c.rates }
func (c *fakeConfig) OpenAndFree() bool   { return c.free }

type harness struct {
	m        *Machine
	board    *hw.FakeBoard
	levels   *scriptedLevels
	tr       *trans.Transaction
	clock    *fakeClock
	currents *fakeCurrents
	energy   *fakeEnergy
	cfg      *fakeConfig
}

func newHarness(t *testing.T, power config.Power) *harness {
	t.Helper()
	h := &harness{
		board:    hw.NewFakeBoard(),
		levels:   &scriptedLevels{level: LevelVdc12},
		clock:    &fakeClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)},
		currents: &fakeCurrents{},
		energy:   &fakeEnergy{},
		cfg: &fakeConfig{
			power: power,
			rates: config.Rates{EnergyKWh: 1},
		},
	}
	h.tr = trans.New(trans.Options{
		Meter:    h.energy,
		Settings: h.cfg,
		Now:      h.clock.Now,
	})
	h.m = New(Options{
		Board:      h.board,
		Levels:     h.levels,
		Trans:      h.tr,
		Meter:      h.currents,
		Power:      h.cfg,
		Negotiator: NewNegotiator(power.ChargeCurrentMax, false, nil),
		Now:        h.clock.Now,
		Settle:     -1,
	})
	h.tr.SetHealth(h.m.IsHardwareOK)
	return h
}

func defaultPower() config.Power {
	return config.Power{ChargeVoltage: 220, ChargeCurrentMax: 32, CTAmpsPerVolt: 50}
}

func (h *harness) step() *Transition {
	tr := h.m.Step(context.Background())
	h.clock.Advance(TickPeriod)
	return tr
}

func (h *harness) stepFor(d time.Duration) {
	for end := h.clock.Now().Add(d); h.clock.Now().Before(end); {
		h.step()
	}
}

func (h *harness) expect(t *testing.T, want State) {
	t.Helper()
	if got := h.m.State(); got != want {
		t.Fatalf("pilot state: got %s, want %s", got, want)
	}
}

func (h *harness) expectTrans(t *testing.T, want trans.State) {
	t.Helper()
	if got := h.tr.State(); got != want {
		t.Fatalf("trans state: got %s, want %s", got, want)
	}
}

func (h *harness) contactorEverOn() bool {
	for _, on := range h.board.ContactorHistory() {
		if on {
			return true
		}
	}
	return false
}

// toVac6 plugs in a vehicle with an S2 switch and walks the handshake up to
// Vac6/Authen.
func (h *harness) toVac6(t *testing.T) {
	t.Helper()
	h.step()
	h.expect(t, Vdc12)

	h.levels.set(LevelVdc9)
	h.step()
	h.expect(t, Vdc9)
	h.expectTrans(t, trans.Handshake)

	h.levels.set(LevelVdc6)
	h.step()
	h.expect(t, Vdc6)

	h.stepFor(DwellTime - 2*TickPeriod)
	h.expect(t, Vdc6)
	h.stepFor(4 * TickPeriod)
	h.expect(t, Vac6)
	h.expectTrans(t, trans.Authen)
	h.levels.set(LevelVac6)
}

// toCharging continues from toVac6 until the contactor closes.
func (h *harness) toCharging(t *testing.T) {
	t.Helper()
	h.toVac6(t)
	h.step()
	h.tr.Authen(100, 0)
	h.step()
	h.expectTrans(t, trans.Charging)
	h.step()
	if !h.m.IsCharging() {
		t.Fatal("expected contactor on")
	}
}

func TestHandshakeToCharging(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.toVac6(t)

	if !h.board.Locked {
		t.Error("cable should be locked after handshake")
	}

	// unauthorized: stays in Authen with PWM offering 32 A
	for i := 0; i < 10; i++ {
		h.step()
	}
	h.expect(t, Vac6)
	h.expectTrans(t, trans.Authen)
	if d := h.board.LastDuty(); d != DutyCycle(32) {
		t.Errorf("duty: got %.4f, want %.4f", d, DutyCycle(32))
	}
	if h.contactorEverOn() {
		t.Fatal("contactor closed before authorization")
	}

	h.tr.Authen(100, 0)
	h.step()
	h.expectTrans(t, trans.Charging)
	if h.contactorEverOn() {
		t.Fatal("contactor closed in the tick that authorized")
	}

	h.step()
	if !h.board.ContactorState() || !h.m.IsCharging() {
		t.Fatal("expected contactor on once charging")
	}
	if !h.m.IsChargingReady() {
		t.Error("expected charging ready in Vac6")
	}
}

func TestNoS2VehicleWaitsBeforeContactor(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.tr.Authen(100, 0)
	h.step()

	// straight from 12 V to 6 V: no S2 switch
	h.levels.set(LevelVdc6)
	h.step()
	h.expect(t, Vdc6)
	if !h.m.Snapshot().EVWithoutS2 {
		t.Fatal("expected EVWithoutS2")
	}
	h.stepFor(DwellTime + 2*TickPeriod)
	h.expect(t, Vac6)
	h.levels.set(LevelVac6)

	h.step()
	h.step()
	h.expectTrans(t, trans.Charging)
	if d := h.board.LastDuty(); d != DutyCycle(EVNoS2CurrentMax) {
		t.Errorf("duty: got %.4f, want the 8 A offer %.4f", d, DutyCycle(EVNoS2CurrentMax))
	}

	h.stepFor(DwellTime - 10*TickPeriod)
	if h.contactorEverOn() {
		t.Fatal("contactor closed during the no-S2 dwell")
	}
	h.stepFor(12 * TickPeriod)
	if !h.m.IsCharging() {
		t.Error("expected contactor on after the no-S2 dwell")
	}
}

func TestPanicWhileCharging(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.toCharging(t)

	h.board.SetInputs(hw.Inputs{EmergencyStop: true, CableOK: true})
	tr := h.step()
	h.expect(t, Panic)
	if tr == nil || tr.From != Vac6 || tr.To != Panic {
		t.Errorf("transition: got %+v", tr)
	}
	if h.board.ContactorState() || h.m.IsCharging() {
		t.Fatal("contactor must open on the panic transition")
	}
	if !h.m.IsPanic() {
		t.Error("IsPanic should be true")
	}

	h.step()
	h.expectTrans(t, trans.Billing)
	if d := h.board.LastDuty(); d != 0 {
		t.Errorf("duty in panic: got %g, want 0", d)
	}
	if h.board.Locked {
		t.Error("cable should be released in panic")
	}

	// stays in Panic while asserted
	h.stepFor(time.Second)
	h.expect(t, Panic)

	h.board.SetInputs(hw.Inputs{CableOK: true})
	h.step()
	h.expect(t, Stopped)
}

func TestPanicBeforeCharging(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.toVac6(t)
	h.step()

	h.board.SetInputs(hw.Inputs{CoverOpen: true, CableOK: true})
	h.step()
	h.expect(t, Panic)
	h.step()
	h.expectTrans(t, trans.Idle)
	if h.contactorEverOn() {
		t.Error("contactor should never have closed")
	}
}

func TestOverCurrentStopsAfterTimeout(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.toCharging(t)

	// 40 A against a 32 A offer
	h.currents.set(40, 0, 0)
	h.stepFor(OverCurrentFor - 5*TickPeriod)
	h.expect(t, Vac6)

	h.stepFor(10 * TickPeriod)
	h.expect(t, Stopped)
}

func TestOverCurrentClearedCancelsTimer(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.toCharging(t)

	h.currents.set(40, 0, 0)
	h.stepFor(3 * time.Second)
	h.currents.set(30, 0, 0)
	h.step()
	h.currents.set(40, 0, 0)
	h.stepFor(3 * time.Second)
	h.expect(t, Vac6)
}

func TestOverCurrentClampsToSinglePhaseMax(t *testing.T) {
	p := defaultPower()
	p.ChargeCurrentMax = 30
	p.ThreePhase = true // 10 A per phase
	h := newHarness(t, p)
	h.toCharging(t)
	if d := h.board.LastDuty(); d != DutyCycle(30) {
		t.Fatalf("duty: got %.4f, want %.4f", d, DutyCycle(30))
	}

	// only the first phase is over; later phases overwrite the flag but the
	// clamp has already happened
	h.currents.set(13, 0, 0)
	h.step()
	h.step()
	if d := h.board.LastDuty(); d != DutyCycle(10) {
		t.Errorf("duty after clamp: got %.4f, want %.4f", d, DutyCycle(10))
	}
	if got := h.m.neg.State().Offered; got != 10 {
		t.Errorf("offered: got %d, want 10", got)
	}
}

func TestIsOverCurrent(t *testing.T) {
	tests := []struct {
		current float64
		offer   int
		want    bool
	}{
		{18, 16, false},
		{18.1, 16, true},
		{19, 16, true},
		{0.9, 0, false},
		{1, 0, true},
		{20, 18, false},
		{20, 17, true},
		{22, 20, false},
		{22.1, 20, true},
		{35.2, 32, false},
		{35.3, 32, true},
	}
	for _, tt := range tests {
		if got := IsOverCurrent(tt.current, tt.offer); got != tt.want {
			t.Errorf("IsOverCurrent(%g, %d): got %v, want %v", tt.current, tt.offer, got, tt.want)
		}
	}
}

func TestVehicleUnplugsDuringCharge(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.toCharging(t)

	// vehicle goes to 9 V: charge complete
	h.levels.set(LevelVac9)
	h.step()
	h.expect(t, Stopped)

	h.levels.set(LevelVdc9)
	h.step()
	h.expectTrans(t, trans.Parking)
	if h.m.IsCharging() {
		t.Error("contactor should open once the vehicle reads 9 V")
	}

	h.levels.set(LevelVdc12)
	h.step()
	h.expect(t, Vdc12)
	h.expectTrans(t, trans.Billing)
}

func TestUnplugUnderLoadIsError(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.toCharging(t)

	h.levels.set(LevelVac12)
	h.step()
	h.expect(t, Error)
	if h.m.IsCharging() {
		t.Error("contactor must open on error")
	}
	if !h.m.IsFatalError() {
		t.Error("IsFatalError should be true")
	}
	h.step()
	h.expectTrans(t, trans.Billing)

	// latched until reset
	h.levels.set(LevelVdc12)
	h.stepFor(time.Second)
	h.expect(t, Error)

	h.m.RequestErrorReset()
	h.step()
	h.expect(t, Vdc12)
}

func TestErrorResetIgnoredOutsideError(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.levels.set(LevelVdc9)
	h.step()
	h.m.RequestErrorReset()
	h.step()
	h.expect(t, Vdc9)
}

func TestReloadTakesPrecedenceOverReset(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.levels.set(LevelError)
	h.step()
	h.expect(t, Error)

	h.cfg.mu.Lock()
	h.cfg.power.ChargeCurrentMax = 16
	h.cfg.mu.Unlock()
	h.m.RequestReload()
	h.m.RequestErrorReset()

	h.step()
	h.expect(t, Error)
	if got := h.m.neg.ConfiguredMax(); got != 16 {
		t.Errorf("configured max: got %d, want 16", got)
	}
	h.step()
	h.expect(t, Vdc12)
}

func TestTimedOutBeforePlugInIsNotFault(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.levels.set(LevelTimedOut)
	h.stepFor(time.Second)
	h.expect(t, Vdc12)
}

func TestDigitalInterfacePulse(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.levels.set(LevelVdc9)
	h.step()
	h.expect(t, Vdc9)

	h.levels.set(LevelVdc6)
	h.step()
	h.expect(t, Vdc6)
	h.stepFor(500 * time.Millisecond)

	h.levels.set(LevelVdc9)
	h.step()
	h.expect(t, Vdc9)
	h.step()
	h.expect(t, DigitalInterface)
	if !h.m.IsDigitalNeeded() {
		t.Error("IsDigitalNeeded should be true")
	}

	h.levels.set(LevelVdc12)
	h.step()
	h.expect(t, Vdc12)
}

func TestShortPulseIsNotDigital(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.levels.set(LevelVdc9)
	h.step()
	h.levels.set(LevelVdc6)
	h.step() // pulse begins
	h.levels.set(LevelVdc9)
	h.step() // 100 ms later it ends
	h.step()
	h.expect(t, Vdc9)
}

func TestVdc9DwellToVac9(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.levels.set(LevelVdc9)
	h.step()
	h.stepFor(DwellTime + 2*TickPeriod)
	h.expect(t, Vac9)

	h.levels.set(LevelVac9)
	h.step()
	if d := h.board.LastDuty(); d != DutyCycle(32) {
		t.Errorf("duty in Vac9: got %.4f, want %.4f", d, DutyCycle(32))
	}
	if !h.m.IsChargingReady() {
		t.Error("expected charging ready in Vac9")
	}

	h.levels.set(LevelVac6)
	h.step()
	h.expect(t, Vac6)
	h.expectTrans(t, trans.Authen)
}

func TestVac9UnplugGoesThroughVac12(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.levels.set(LevelVdc9)
	h.step()
	h.stepFor(DwellTime + 2*TickPeriod)
	h.expect(t, Vac9)

	h.levels.set(LevelVac12)
	h.step()
	h.expect(t, Vac12)
	h.levels.set(LevelVdc12)
	h.step()
	h.expect(t, Vdc12)
}

func TestOverTempWithholdsOffer(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.board.SetInputs(hw.Inputs{CableOK: true, OverTemp: true})
	h.levels.set(LevelVdc9)
	h.step()
	h.levels.set(LevelVdc6)
	h.step()
	h.stepFor(2 * DwellTime)
	h.expect(t, Vdc6)
	if h.m.IsChargingReady() {
		t.Error("over temperature must not be charging ready")
	}
}

func TestCreditExhaustionParksSession(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.toCharging(t)
	h.tr.Authen(0.5, 0) // lower the credit mid-session
	h.energy.kWh = 2

	h.stepFor(time.Second + TickPeriod)
	h.expectTrans(t, trans.Parking)
	h.step()
	h.expect(t, Stopped)
}

func TestStoppedHoldsContactorForDwell(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.toCharging(t)
	h.levels.set(LevelVdc9)
	h.step()
	h.expect(t, Stopped)

	h.levels.set(LevelVdc6)
	h.stepFor(StopDwell - 4*TickPeriod)
	if !h.m.IsCharging() {
		t.Error("contactor should stay closed during the stop dwell")
	}
	h.stepFor(6 * TickPeriod)
	if h.m.IsCharging() {
		t.Error("contactor should open after the stop dwell")
	}
	h.expectTrans(t, trans.Parking)
}

func TestInputReadFailureIsPanic(t *testing.T) {
	h := newHarness(t, defaultPower())
	h.board.InputErr = context.Canceled
	h.step()
	h.expect(t, Panic)
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, defaultPower())
	tick := make(chan time.Time)
	ctx, cancel := context.WithCancel(context.Background())
	var got []Transition
	var mu sync.Mutex
	done := make(chan error, 1)
	go func() {
		done <- h.m.Run(ctx, tick, func(tr Transition) {
			mu.Lock()
			got = append(got, tr)
			mu.Unlock()
		})
	}()

	tick <- time.Now()
	h.levels.set(LevelVdc9)
	tick <- time.Now()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].To != Vdc9 {
		t.Errorf("transitions: got %+v", got)
	}
	if h.board.Locked {
		t.Error("cable lock should be released on shutdown")
	}
}
