package pilot

import (
	"sync"

	"github.com/sweeney/evse-controller/internal/mathx"
)

// Current limits in amperes.
const (
	RequestMax       = 0 // ask for the configured maximum
	EVNoS2CurrentMax = 8
	ChargeCurrentMin = 6
	ChargeCurrentMax = 63
)

// PowerManager arbitrates capacity between chargers on a shared supply.
type PowerManager interface {
	// Reserve asks for amps and returns what was granted.
	Reserve(amps int) int
	Release()
}

// StaticBudget is a PowerManager with a fixed site limit.
type StaticBudget struct {
	Limit int
}

func (b StaticBudget) Reserve(amps int) int { return min(amps, b.Limit) }
func (b StaticBudget) Release()             {}

// OfferConditions are the gates consulted before any capacity is offered.
type OfferConditions struct {
	HardwareOK   bool
	DelayRunning bool
	OverTemp     bool
	EVWithoutS2  bool
}

// CapacityState is a copy of the negotiator's bookkeeping.
type CapacityState struct {
	Reserved      int  `json:"reserved"`
	Offered       int  `json:"offered"`
	ConfiguredMax int  `json:"configured_max"`
	Managed       bool `json:"managed"`
}

// Negotiator owns the capacity reservation. Invariant:
// offered <= reserved <= configuredMax.
type Negotiator struct {
	mu            sync.Mutex
	reserved      int
	offered       int
	configuredMax int
	managed       bool
	pm            PowerManager
}

// NewNegotiator returns a negotiator for maxAmps. pm is only consulted when
// managed is set.
func NewNegotiator(maxAmps int, managed bool, pm PowerManager) *Negotiator {
	n := &Negotiator{pm: pm}
	n.Load(maxAmps, managed)
	return n
}

// Load applies a new configured maximum, capped at ChargeCurrentMax.
func (n *Negotiator) Load(maxAmps int, managed bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.configuredMax = mathx.Clamp(maxAmps, 0, ChargeCurrentMax)
	n.managed = managed && n.pm != nil
	n.reserved = min(n.reserved, n.configuredMax)
	n.offered = min(n.offered, n.reserved)
}

// ConfiguredMax returns the loaded maximum.
func (n *Negotiator) ConfiguredMax() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.configuredMax
}

// Offer computes the current to advertise for requested amps.
func (n *Negotiator) Offer(requested int, c OfferConditions) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !c.HardwareOK || c.DelayRunning || c.OverTemp {
		n.offered = 0
		return 0
	}
	if requested == RequestMax {
		requested = n.configuredMax
	}
	if c.EVWithoutS2 && requested > EVNoS2CurrentMax {
		requested = EVNoS2CurrentMax
	}
	if requested < ChargeCurrentMin {
		n.offered = 0
		return 0
	}
	n.offered = n.acquire(requested)
	return n.offered
}

// Acquire reserves requested amps and returns the usable amount.
func (n *Negotiator) Acquire(requested int) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.acquire(requested)
}

func (n *Negotiator) acquire(requested int) int {
	if requested == RequestMax || requested > n.configuredMax {
		requested = n.configuredMax
	}
	if n.managed {
		if n.reserved != requested {
			n.reserved = mathx.Clamp(n.pm.Reserve(requested), 0, n.configuredMax)
		}
		return min(requested, n.reserved)
	}
	n.reserved = requested
	return requested
}

// Release gives back the reservation.
func (n *Negotiator) Release() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.reserved > 0 && n.managed {
		n.pm.Release()
	}
	n.reserved = 0
	n.offered = 0
}

// Clamp lowers the current offer to at most amps.
func (n *Negotiator) Clamp(amps int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offered > amps {
		n.offered = amps
	}
}

// Reserved returns the reserved amps.
func (n *Negotiator) Reserved() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reserved
}

// State copies the bookkeeping.
func (n *Negotiator) State() CapacityState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return CapacityState{
		Reserved:      n.reserved,
		Offered:       n.offered,
		ConfiguredMax: n.configuredMax,
		Managed:       n.managed,
	}
}
