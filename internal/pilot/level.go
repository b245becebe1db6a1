package pilot

import (
	"fmt"

	"github.com/sweeney/evse-controller/internal/mathx"
)

// Level is a classified pilot-line reading.
type Level int

const (
	LevelVdc12 Level = iota
	LevelVdc9
	LevelVdc6
	LevelVdcNeg12
	LevelVac6
	LevelVac9
	LevelVac12
	LevelVacNeg12
	LevelError
	LevelTimedOut
)

var levelNames = [...]string{
	LevelVdc12:    "12Vdc",
	LevelVdc9:     "9Vdc",
	LevelVdc6:     "6Vdc",
	LevelVdcNeg12: "-12Vdc",
	LevelVac6:     "6Vac",
	LevelVac9:     "9Vac",
	LevelVac12:    "12Vac",
	LevelVacNeg12: "-12Vac",
	LevelError:    "error",
	LevelTimedOut: "timed-out",
}

func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// deltaV is the half-width of each classification window.
const deltaV = 0.8

func near(v, nominal float64) bool {
	return mathx.Between(v, nominal-deltaV, nominal+deltaV)
}

// classify buckets a pilot voltage. ac selects the PWM-present variants.
func classify(volts float64, ac bool) Level {
	var dc, alt Level
	switch {
	case near(volts, 12):
		dc, alt = LevelVdc12, LevelVac12
	case near(volts, 9):
		dc, alt = LevelVdc9, LevelVac9
	case near(volts, 6):
		dc, alt = LevelVdc6, LevelVac6
	case near(volts, -12):
		dc, alt = LevelVdcNeg12, LevelVacNeg12
	default:
		return LevelError
	}
	if ac {
		return alt
	}
	return dc
}

func isNeg12(l Level) bool {
	return l == LevelVdcNeg12 || l == LevelVacNeg12
}
