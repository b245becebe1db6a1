package meter

// Drawing detection thresholds.
const (
	DrawThreshold = 1.0 // A
	DrawDepth     = 10
)

// DrawDetector debounces "the vehicle is drawing current". It reports true
// once DrawDepth consecutive samples have exceeded DrawThreshold and keeps
// reporting true until the counter has drained back to zero.
type DrawDetector struct {
	count   int
	drawing bool
}

// IsDrawing feeds one total-current sample.
func (d *DrawDetector) IsDrawing(total float64) bool {
	if total > DrawThreshold {
		if d.count < DrawDepth {
			d.count++
		}
		if d.count == DrawDepth {
			d.drawing = true
		}
	} else {
		if d.count > 0 {
			d.count--
		}
		if d.count == 0 {
			d.drawing = false
		}
	}
	return d.drawing
}

// Reset clears the counter.
func (d *DrawDetector) Reset() {
	d.count = 0
	d.drawing = false
}
