package pilot

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sweeney/evse-controller/internal/hw"
)

// Measurement limits.
const (
	MeasureTimeout = 100 * time.Millisecond
	maxErrorReads  = 9
)

// Sampler triggers pilot ADC measurements.
type Sampler interface {
	Sample(ctx context.Context, mode hw.MeasureMode) ([]uint16, error)
}

// Classifier turns triggered pilot measurements into a Level.
type Classifier struct {
	sampler Sampler
	timeout time.Duration
}

// NewClassifier returns a classifier using the default 100 ms bound.
func NewClassifier(s Sampler) *Classifier {
	return &Classifier{sampler: s, timeout: MeasureTimeout}
}

// Read classifies the pilot line given the duty cycle currently being
// driven. A steady output (duty 0 or 1) takes a single DC measurement;
// otherwise the crest is checked for the EV diode before the peak is read.
func (c *Classifier) Read(ctx context.Context, duty float64) Level {
	if duty <= 0 || duty >= 1 {
		return c.measure(ctx, hw.ModeDC, false)
	}

	for errs := 0; ; {
		lvl := c.readAC(ctx)
		switch lvl {
		case LevelTimedOut:
			// no PWM edge to trigger on; another attempt would stall again
			return LevelError
		case LevelError:
		default:
			return lvl
		}
		errs++
		if errs >= maxErrorReads || ctx.Err() != nil {
			return LevelError
		}
	}
}

// readAC returns LevelTimedOut when either trigger stalls.
func (c *Classifier) readAC(ctx context.Context) Level {
	crest := c.measure(ctx, hw.ModeCrest, true)
	if crest == LevelTimedOut {
		return LevelTimedOut
	}
	if !isNeg12(crest) {
		// no diode, or no pilot at all
		return LevelError
	}
	return c.measure(ctx, hw.ModePeak, true)
}

func (c *Classifier) measure(ctx context.Context, mode hw.MeasureMode, ac bool) Level {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	codes, err := c.sampler.Sample(ctx, mode)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Printf("pilot: %s measurement timed out", mode)
			return LevelTimedOut
		}
		log.Printf("pilot: %s measurement: %v", mode, err)
		return LevelError
	}
	if len(codes) == 0 {
		return LevelError
	}
	var sum float64
	for _, c := range codes {
		sum += float64(c)
	}
	return classify(hw.CodeToVolts(sum/float64(len(codes))), ac)
}
