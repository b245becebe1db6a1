package meter

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"github.com/sweeney/evse-controller/internal/config"
)

type fakePower struct {
	mu sync.Mutex
	p  config.Power
}

func (f *fakePower) Power() config.Power {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.p
}

func (f *fakePower) set(p config.Power) {
	f.mu.Lock()
	f.p = p
	f.mu.Unlock()
}

func newTestEngine() (*Engine, *Meter, *fakePower) {
	src := &fakePower{p: config.Power{ChargeVoltage: 220, CTAmpsPerVolt: 50}}
	m := NewMeter()
	return NewEngine(m, src), m, src
}

// sineBlock builds an interleaved block with a 50 Hz sine of the given
// peak amplitude on each phase, riding on a 2048 bias.
func sineBlock(start int, amp [Phases]float64) []uint16 {
	b := make([]uint16, BlockLen)
	for i := 0; i < SamplesPerPhase; i++ {
		t := float64(start+i) / SampleRate
		for p := 0; p < Phases; p++ {
			v := 2048 + amp[p]*math.Sin(2*math.Pi*50*t)
			b[i*Phases+p] = uint16(math.Round(v))
		}
	}
	return b
}

func settle(e *Engine, amp [Phases]float64, blocks int) int {
	n := 0
	for i := 0; i < blocks; i++ {
		e.Process(sineBlock(n, amp))
		n += SamplesPerPhase
	}
	return n
}

func TestProcessSineRMS(t *testing.T) {
	e, m, _ := newTestEngine()
	settle(e, [Phases]float64{1000, 500, 0}, 24)

	phases, total := m.Currents()
	// 1000/sqrt2 codes * 3.3 * 50 / 4095
	want0 := 1000 / math.Sqrt2 * 3.3 * 50 / 4095
	want1 := want0 / 2
	if math.Abs(phases[0]-want0) > 0.6 {
		t.Errorf("phase 0: got %.1f A, want ~%.1f A", phases[0], want0)
	}
	if math.Abs(phases[1]-want1) > 0.4 {
		t.Errorf("phase 1: got %.1f A, want ~%.1f A", phases[1], want1)
	}
	if phases[2] > 0.1 {
		t.Errorf("phase 2: got %.1f A, want 0", phases[2])
	}
	if sum := phases[0] + phases[1] + phases[2]; math.Abs(sum-total) > 1e-9 {
		t.Errorf("total %.3f != sum of phases %.3f", total, sum)
	}
}

func TestProcessRemovesDCOffset(t *testing.T) {
	e, m, _ := newTestEngine()
	settle(e, [Phases]float64{}, 40)
	_, total := m.Currents()
	if total != 0 {
		t.Errorf("constant input: got total %.1f A, want 0", total)
	}
}

func TestProcessTruncatesToOneDecimal(t *testing.T) {
	e, m, _ := newTestEngine()
	settle(e, [Phases]float64{777, 333, 123}, 24)
	phases, _ := m.Currents()
	for p, a := range phases {
		scaled := a * 10
		if math.Abs(scaled-math.Round(scaled)) > 1e-9 {
			t.Errorf("phase %d: %.6f has more than one decimal", p, a)
		}
	}
}

func TestProcessEnergyAccumulates(t *testing.T) {
	e, m, _ := newTestEngine()
	n := settle(e, [Phases]float64{1000, 0, 0}, 24)

	before := m.Snapshot()
	e.Process(sineBlock(n, [Phases]float64{1000, 0, 0}))
	after := m.Snapshot()

	want := after.Total * 220 * 0.25
	if got := after.EnergyJS - before.EnergyJS; math.Abs(got-want) > 1e-6 {
		t.Errorf("energy delta: got %.3f J, want %.3f J", got, want)
	}
	if after.EnergyKWh != after.EnergyJS/3_600_000 {
		t.Errorf("kWh %.9f does not match J %.3f", after.EnergyKWh, after.EnergyJS)
	}
}

func TestProcessWrongLengthPanics(t *testing.T) {
	e, _, _ := newTestEngine()
	defer func() {
		if recover() == nil {
			t.Error("expected panic for short block")
		}
	}()
	e.Process(make([]uint16, BlockLen-1))
}

func TestReloadAppliesAfterBlock(t *testing.T) {
	e, m, src := newTestEngine()
	amp := [Phases]float64{1000, 0, 0}
	n := settle(e, amp, 24)
	_, base := m.Currents()

	src.set(config.Power{ChargeVoltage: 220, CTAmpsPerVolt: 100})
	e.RequestReload()

	// the block in flight still uses the old calibration
	e.Process(sineBlock(n, amp))
	n += SamplesPerPhase
	_, same := m.Currents()
	if math.Abs(same-base) > 0.2 {
		t.Errorf("block during reload: got %.1f A, want ~%.1f A", same, base)
	}

	e.Process(sineBlock(n, amp))
	_, doubled := m.Currents()
	if math.Abs(doubled-2*base) > 0.4 {
		t.Errorf("block after reload: got %.1f A, want ~%.1f A", doubled, 2*base)
	}
}

func TestResetZeroesMeter(t *testing.T) {
	e, m, _ := newTestEngine()
	settle(e, [Phases]float64{1000, 1000, 1000}, 8)
	m.Reset()
	amps, kWh := m.Power()
	if amps != 0 || kWh != 0 {
		t.Errorf("after reset: got %.1f A %.6f kWh, want zeros", amps, kWh)
	}
}

func TestReadersNeverSeeTornUpdate(t *testing.T) {
	e, m, _ := newTestEngine()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			r := m.Snapshot()
			sum := r.Phases[0] + r.Phases[1] + r.Phases[2]
			if math.Abs(sum-r.Total) > 1e-9 {
				t.Errorf("torn read: phases sum %.3f, total %.3f", sum, r.Total)
				return
			}
		}
	}()

	n := 0
	for i := 0; i < 40; i++ {
		amp := [Phases]float64{float64(100 * (i % 7)), float64(50 * (i % 5)), 300}
		e.Process(sineBlock(n, amp))
		n += SamplesPerPhase
		if i%10 == 9 {
			m.Reset()
		}
	}
	close(done)
	wg.Wait()
}

func TestEnergyMonotonicProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e, m, _ := newTestEngine()
		blocks := rapid.IntRange(1, 12).Draw(t, "blocks")
		last := 0.0
		for i := 0; i < blocks; i++ {
			raw := rapid.SliceOfN(rapid.Uint16Range(0, 4095), BlockLen, BlockLen).Draw(t, "block")
			e.Process(raw)
			r := m.Snapshot()
			if r.Total < 0 {
				t.Fatalf("negative current %.1f", r.Total)
			}
			if r.EnergyJS < last {
				t.Fatalf("energy decreased: %.3f -> %.3f", last, r.EnergyJS)
			}
			last = r.EnergyJS
		}
	})
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, m, _ := newTestEngine()
	blocks := make(chan []uint16)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx, blocks) }()

	blocks <- sineBlock(0, [Phases]float64{1000, 0, 0})
	blocks <- sineBlock(SamplesPerPhase, [Phases]float64{1000, 0, 0})
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if r := m.Snapshot(); r.EnergyJS == 0 {
		t.Error("expected blocks to be processed")
	}
}

func TestRunStopsWhenSourceCloses(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, _, _ := newTestEngine()
	blocks := make(chan []uint16)
	close(blocks)
	if err := e.Run(context.Background(), blocks); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
