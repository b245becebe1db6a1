// Package trans tracks the commercial lifecycle of a charging session:
// authorization, charging, parking, billing and payment.
//
// All state lives behind one mutex. Every transition is validated against
// the current state; an illegal request returns false and changes nothing.
package trans

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/evse-controller/internal/config"
)

// PaidStateDelay is how long a paid session blocks a new one, in seconds.
const PaidStateDelay = 30

// Bill is a projection of the session onto the configured rates.
type Bill struct {
	ChargingSec   int     `json:"charging_sec"`
	ParkingMin    int     `json:"parking_min"`
	EnergyKWh     float64 `json:"energy_kwh"`
	EnergyFee     float64 `json:"energy_fee"`
	ParkingFee    float64 `json:"parking_fee"`
	ParkPenalty   float64 `json:"park_penalty"`
	PayableAmount float64 `json:"payable"`
	PaidAmount    float64 `json:"paid"`
	IsPaid        bool    `json:"is_paid"`
	IsPayByCard   bool    `json:"is_pay_by_card"`
}

// Card is what the card reader hands over after a successful read.
type Card struct {
	Serial string  `json:"serial"`
	Credit float64 `json:"credit"`
	Free   bool    `json:"free"`
}

// Meter is the slice of the metering engine a session needs.
type Meter interface {
	Reset()
	EnergyKWh() float64
}

// Settings supplies rates and the operating mode.
type Settings interface {
	Rates() config.Rates
	OpenAndFree() bool
}

// Options configures a Transaction.
type Options struct {
	Meter    Meter
	Settings Settings
	// Healthy reports cable OK and no panic condition. Nil means always.
	Healthy func() bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// Transaction is the session state machine.
type Transaction struct {
	mu sync.Mutex

	meter    Meter
	settings Settings
	healthy  func() bool
	now      func() time.Time

	state      State
	authorized bool
	credit     float64
	bill       Bill
	card       *Card
	paidDelay  int
	sessionID  string

	countUp   stopwatch
	delayDone time.Time // authorization delay ends here
}

// New returns a Transaction in Idle.
func New(opts Options) *Transaction {
	t := &Transaction{
		meter:    opts.Meter,
		settings: opts.Settings,
		healthy:  opts.Healthy,
		now:      opts.Now,
	}
	if t.healthy == nil {
		t.healthy = func() bool { return true }
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// SetHealth replaces the hardware health probe.
func (t *Transaction) SetHealth(fn func() bool) {
	t.mu.Lock()
	t.healthy = fn
	t.mu.Unlock()
}

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// StateName returns the current state's name.
func (t *Transaction) StateName() string {
	return t.State().String()
}

// SessionID identifies the session started at the last Handshake.
func (t *Transaction) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// SetState requests a transition. paid is only used when entering Paid.
func (t *Transaction) SetState(to State, paid float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	from := t.state
	ok := t.setState(to, paid)
	if ok && t.state != from {
		log.Printf("trans: %s -> %s", from, t.state)
	}
	return ok
}

func (t *Transaction) setState(to State, paid float64) bool {
	free := t.settings.OpenAndFree()

	switch to {
	case Idle:
		if t.state == Authen || t.state == Handshake || (t.state == Paid && t.paidDelay == 0) {
			t.state = Idle
			return true
		}

	case Handshake:
		if !t.healthy() {
			return false
		}
		if t.state == Idle || (t.state == Paid && t.paidDelay == 0) {
			t.paidDelay = 0
			t.sessionID = uuid.NewString()
			t.state = Handshake
			return true
		}

	case Authen:
		if !t.healthy() {
			return false
		}
		switch t.state {
		case Handshake:
			t.state = Authen
			return true
		case Authen:
			if free || t.authorized {
				t.countUp.restart(t.now())
				if t.meter != nil {
					t.meter.Reset()
				}
				t.state = Charging
				return true
			}
		}

	case Charging:
		// only reachable through Authen

	case Parking:
		if t.state == Charging {
			t.checkBill()
			if free || t.bill.IsPayByCard {
				t.setState(Billing, 0)
			} else {
				t.state = Parking
				t.countUp.restart(t.now())
			}
			return true
		}

	case Billing:
		if t.state == Charging || t.state == Parking {
			t.checkBill()
			t.state = Billing
			if free {
				t.setState(Paid, 0)
			}
			t.countUp.stop(t.now())
			return true
		}

	case Paid:
		if t.state == Billing || t.state == Charging {
			t.authorized = false
			t.bill.PaidAmount = paid
			t.bill.IsPaid = true
			if free {
				t.paidDelay = 0
			} else {
				t.paidDelay = PaidStateDelay
			}
			t.state = Paid
			return true
		}
	}
	return false
}

// SetAuthorized grants or revokes authorization.
func (t *Transaction) SetAuthorized(ok bool) {
	t.mu.Lock()
	t.authorized = ok
	t.mu.Unlock()
}

// Authorized reports whether the session may start charging.
func (t *Transaction) Authorized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authorized
}

// Authen authorizes a remote session with a credit limit. Capacity is not
// offered until delay has elapsed.
func (t *Transaction) Authen(credit float64, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delayDone = t.now().Add(delay)
	t.authorized = true
	t.credit = credit
	t.bill = Bill{}
	t.card = nil
}

// AuthenCard authorizes a session paid by card.
func (t *Transaction) AuthenCard(c Card) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.authorized = true
	t.bill = Bill{IsPayByCard: true}
	cp := c
	t.card = &cp
	t.credit = c.Credit
}

// IsSameCard reports whether c is the card that authorized the session.
func (t *Transaction) IsSameCard(c Card) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.card != nil && t.card.Serial == c.Serial
}

// CardCredit returns the credit on the session's card.
func (t *Transaction) CardCredit() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.card == nil {
		return 0
	}
	return t.card.Credit
}

// SetCardCredit updates the session card's credit after a debit.
func (t *Transaction) SetCardCredit(credit float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.card != nil {
		t.card.Credit = credit
	}
}

// Credit returns the session's credit limit.
func (t *Transaction) Credit() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.credit
}

// DelayRunning reports whether the authorization delay is still counting.
func (t *Transaction) DelayRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now().Before(t.delayDone)
}

// CheckBill recomputes the bill and returns the payable amount.
func (t *Transaction) CheckBill() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkBill()
}

func (t *Transaction) checkBill() float64 {
	r := t.settings.Rates()
	b := &t.bill
	now := t.now()

	switch t.state {
	case Charging:
		b.ChargingSec = t.countUp.seconds(now)
		if t.meter != nil {
			b.EnergyKWh = t.meter.EnergyKWh()
		}
	case Parking:
		b.ParkingMin = (t.countUp.seconds(now) + 59) / 60
		if b.ParkingMin > r.FreeParkingMins {
			b.ParkPenalty = float64(b.ParkingMin-r.FreeParkingMins) * r.ParkPenaltyMin
		} else {
			b.ParkPenalty = 0
		}
	}
	b.EnergyFee = b.EnergyKWh * r.EnergyKWh
	b.ParkingFee = math.Ceil(float64(b.ChargingSec)/3600) * r.ParkingHour
	if b.IsPayByCard && t.card != nil && t.card.Free {
		b.PayableAmount = 0
	} else {
		b.PayableAmount = b.EnergyFee + b.ParkingFee + b.ParkPenalty
	}
	return b.PayableAmount
}

// Bill returns a freshly computed copy of the bill.
func (t *Transaction) Bill() Bill {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkBill()
	return t.bill
}

// IsCreditOut reports whether the bill has reached the credit limit.
// Free mode never runs out.
func (t *Transaction) IsCreditOut() bool {
	if t.settings.OpenAndFree() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkBill() >= t.credit+1
}

// IsPayByCard reports whether the session was authorized by card.
func (t *Transaction) IsPayByCard() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bill.IsPayByCard
}

// PaidAmount returns the amount recorded on payment.
func (t *Transaction) PaidAmount() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bill.PaidAmount
}

// PaidStateDelay returns the seconds left before Idle is reachable from Paid.
func (t *Transaction) PaidStateDelay() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paidDelay
}

// PaidStateDelayTick counts the post-payment delay down by one second.
func (t *Transaction) PaidStateDelayTick() {
	t.mu.Lock()
	if t.paidDelay > 0 {
		t.paidDelay--
	}
	t.mu.Unlock()
}

// Snapshot is a consistent copy for status reporting.
type Snapshot struct {
	State      State   `json:"state"`
	SessionID  string  `json:"session_id,omitempty"`
	Authorized bool    `json:"authorized"`
	Credit     float64 `json:"credit"`
	PaidDelay  int     `json:"paid_delay"`
	Bill       Bill    `json:"bill"`
}

// Snapshot recomputes the bill and copies the session.
func (t *Transaction) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkBill()
	return Snapshot{
		State:      t.state,
		SessionID:  t.sessionID,
		Authorized: t.authorized,
		Credit:     t.credit,
		PaidDelay:  t.paidDelay,
		Bill:       t.bill,
	}
}
