package pilot

import (
	"math"

	"github.com/sweeney/evse-controller/internal/mathx"
)

// DutyCycle maps an offered current to the pilot PWM duty ratio.
// Zero, or anything outside the encodable range, yields 1: a steady +12 V
// that advertises no capacity.
func DutyCycle(amps int) float64 {
	if amps == 0 {
		return 1
	}
	c := float64(amps)
	r := c / 60 // c/100/0.6
	if mathx.Between(r, 0.1, 0.85) {
		return r
	}
	if r > 0.85 {
		hi := (c/2.5 + 64) / 100
		if hi <= 0.96 {
			return math.Max(0.85, hi)
		}
	}
	return 1
}
