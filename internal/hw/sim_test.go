package hw

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func measure(t *testing.T, s *Simulator, mode MeasureMode) float64 {
	t.Helper()
	codes, err := s.Sample(context.Background(), mode)
	if err != nil {
		t.Fatalf("sample %v: %v", mode, err)
	}
	return CodeToVolts(float64(codes[0]))
}

func TestSimulatorPilotLevels(t *testing.T) {
	s := NewSimulator(50, false)

	tests := []struct {
		name  string
		duty  float64
		ev    float64
		diode bool
		mode  MeasureMode
		want  float64
	}{
		{"steady high, unplugged", 1, 12, false, ModeDC, 12},
		{"steady high, connected", 1, 9, false, ModeDC, 9},
		{"steady low", 0, 9, false, ModeDC, -12},
		{"pwm crest with diode", 0.5, 6, false, ModeCrest, -12},
		{"pwm peak", 0.5, 6, false, ModePeak, 6},
		{"pwm crest without diode", 0.5, 6, true, ModeCrest, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.SetDutyCycle(tt.duty)
			s.SetPilot(tt.ev)
			s.SetDiodeMissing(tt.diode)
			if got := measure(t, s, tt.mode); math.Abs(got-tt.want) > 0.1 {
				t.Errorf("got %.2f V, want %.0f V", got, tt.want)
			}
		})
	}
}

func TestSimulatorStall(t *testing.T) {
	s := NewSimulator(50, false)
	s.SetStall(true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := s.Sample(ctx, ModeDC); err == nil {
		t.Error("expected timeout")
	}
}

func TestSimulatorLoadFollowsOffer(t *testing.T) {
	s := NewSimulator(50, false)
	s.SetPilot(6)
	s.SetDutyCycle(0.2667) // 16 A
	s.SetDemand(32)

	b := s.NextBlock(750)
	for i := 0; i < 750; i++ {
		if b[i] != 2048 {
			t.Fatalf("contactor open: sample %d = %d, want bias 2048", i, b[i])
		}
	}

	s.SetContactor(true)
	b = s.NextBlock(750)
	peak := 0.0
	for i := 0; i < 250; i++ {
		peak = math.Max(peak, float64(b[i*3])-2048)
		if b[i*3+1] != 2048 || b[i*3+2] != 2048 {
			t.Fatal("single-phase load leaked onto other phases")
		}
	}
	wantPeak := 16.0 * math.Sqrt2 * adcFullScale / (adcVref * 50)
	if math.Abs(peak-wantPeak) > wantPeak*0.02 {
		t.Errorf("peak: got %.0f codes, want ~%.0f", peak, wantPeak)
	}
}

func TestSimulatorOffered(t *testing.T) {
	tests := []struct {
		duty float64
		want float64
	}{
		{1, 0},
		{0, 0},
		{0.1, 6},
		{0.5, 30},
		{0.85, 51},
		{0.9, 65},
	}
	for _, tt := range tests {
		if got := offered(tt.duty); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("offered(%.2f): got %.2f, want %.2f", tt.duty, got, tt.want)
		}
	}
}

func TestSimulatorRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewSimulator(50, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, time.Millisecond, 750) }()

	select {
	case b := <-s.Blocks():
		if len(b) != 750 {
			t.Errorf("block length: got %d, want 750", len(b))
		}
	case <-time.After(time.Second):
		t.Fatal("no block produced")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
