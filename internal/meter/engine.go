package meter

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync/atomic"

	"github.com/sweeney/evse-controller/internal/config"
)

// Block geometry: 250 samples per phase at 1 kHz is one 250 ms window.
const (
	SamplesPerPhase = 250
	SampleRate      = 1000 // Hz
	BlockLen        = SamplesPerPhase * Phases
)

const (
	adcFullScale = 4095
	adcVref      = 3.3
)

// PowerSource supplies the calibration the engine applies.
type PowerSource interface {
	Power() config.Power
}

// Engine filters CT blocks and feeds the results into a Meter.
// Process must be called from a single goroutine.
type Engine struct {
	meter   *Meter
	src     PowerSource
	filters [Phases]dcFilter
	reload  atomic.Bool

	voltage     float64
	ampsPerVolt float64
}

// NewEngine creates an engine that writes into m and loads its calibration
// from src.
func NewEngine(m *Meter, src PowerSource) *Engine {
	e := &Engine{meter: m, src: src}
	e.loadVars()
	return e
}

// RequestReload asks the engine to pick up new calibration. It takes effect
// after the block currently in flight.
func (e *Engine) RequestReload() {
	e.reload.Store(true)
}

func (e *Engine) loadVars() {
	p := e.src.Power()
	e.voltage = p.ChargeVoltage
	e.ampsPerVolt = p.CTAmpsPerVolt
	log.Printf("meter: loaded voltage=%gV ct=%gA/V", e.voltage, e.ampsPerVolt)
}

// Process consumes one interleaved block (p0,p1,p2,p0,p1,p2,...).
// A block of any other length than BlockLen is a caller bug.
func (e *Engine) Process(block []uint16) {
	if len(block) != BlockLen {
		panic(fmt.Sprintf("meter: block length %d, want %d", len(block), BlockLen))
	}

	var sumSq [Phases]int64
	for i := 0; i < len(block); i += Phases {
		for p := 0; p < Phases; p++ {
			y := int64(e.filters[p].step(block[i+p]))
			sumSq[p] += y * y
		}
	}

	var phases [Phases]float64
	var total float64
	for p := 0; p < Phases; p++ {
		rms := math.Sqrt(float64(sumSq[p]) / SamplesPerPhase)
		phases[p] = e.toAmps(rms)
		total += phases[p]
	}

	window := float64(SamplesPerPhase) / SampleRate
	e.meter.update(phases, total, total*e.voltage*window)

	if e.reload.Swap(false) {
		e.loadVars()
	}
}

// toAmps calibrates an RMS ADC code, truncated to 0.1 A.
func (e *Engine) toAmps(rms float64) float64 {
	amps := rms * adcVref * e.ampsPerVolt / adcFullScale
	return float64(int(amps*10)) / 10
}

// Run processes blocks until ctx is done or blocks is closed.
func (e *Engine) Run(ctx context.Context, blocks <-chan []uint16) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-blocks:
			if !ok {
				log.Printf("meter: block source closed")
				return nil
			}
			e.Process(b)
		}
	}
}
