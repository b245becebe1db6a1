package meter

import "math"

// pole of the single-pole high-pass filter that strips the CT bias.
const pole = 0.996

// filterA is round(32768*(1-pole)) in Q15.
var filterA = int32(math.Round(32768 * (1 - pole)))

// dcFilter is a fixed-point DC-blocking filter. State persists across
// blocks so the DC estimate keeps converging between windows.
type dcFilter struct {
	acc   int32
	prevX int32
	prevY int32
}

// step feeds one raw ADC code and returns the filtered sample.
func (f *dcFilter) step(x uint16) int16 {
	f.acc -= f.prevX
	f.prevX = int32(x) << 15
	f.acc += f.prevX
	f.acc -= filterA * f.prevY
	f.prevY = f.acc >> 15
	return int16(f.prevY)
}
