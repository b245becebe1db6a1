// Package command executes remote JSON commands against the running charger.
// The same dispatcher serves the MQTT command topic and the HTTP API.
package command

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/sweeney/evse-controller/internal/config"
	"github.com/sweeney/evse-controller/internal/meter"
	"github.com/sweeney/evse-controller/internal/pilot"
	"github.com/sweeney/evse-controller/internal/trans"
)

// Result codes carried in every reply.
const (
	ResultOK   = 0
	ResultFail = -1
)

// Request is an incoming command. Only the fields the command uses are read.
type Request struct {
	Cmd     string      `json:"cmd"`
	DelayS  int         `json:"delay_s,omitempty"`
	Deposit float64     `json:"deposit,omitempty"`
	Paid    float64     `json:"paid,omitempty"`
	Rates   *RatesJSON  `json:"rates,omitempty"`
	Card    *trans.Card `json:"card,omitempty"`
	Volts   *float64    `json:"volts,omitempty"`
	On      *bool       `json:"on,omitempty"`
}

// Reply is sent back for every request, including malformed ones.
type Reply struct {
	Action string `json:"action"`
	DevID  string `json:"devId"`
	Result int    `json:"result"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// RatesJSON is the wire form of config.Rates.
type RatesJSON struct {
	EnergyKWh       float64 `json:"energy_kwh"`
	ParkingHour     float64 `json:"parking_hr"`
	ParkPenaltyMin  float64 `json:"park_penalty_min"`
	FreeParkingMins int     `json:"free_parking_min"`
}

// PowerJSON is the wire form of config.Power plus the live capacity.
type PowerJSON struct {
	ChargeVoltage    float64             `json:"charge_voltage"`
	ChargeCurrentMax int                 `json:"charge_current_max"`
	CTAmpsPerVolt    float64             `json:"ct_amps_per_volt"`
	Managed          bool                `json:"managed"`
	ThreePhase       bool                `json:"three_phase"`
	Capacity         pilot.CapacityState `json:"capacity"`
}

// StateJSON is the full state/read payload.
type StateJSON struct {
	Pilot    pilot.Status        `json:"pilot"`
	Trans    trans.Snapshot      `json:"trans"`
	Meter    meter.Reading       `json:"meter"`
	Capacity pilot.CapacityState `json:"capacity"`
}

// PollJSON is the short state/poll payload.
type PollJSON struct {
	Pilot    pilot.State `json:"pilot"`
	Trans    trans.State `json:"trans"`
	Charging bool        `json:"charging"`
	Fault    bool        `json:"fault"`
}

// Pilot is the slice of the pilot machine the commands touch.
type Pilot interface {
	Snapshot() pilot.Status
	IsCharging() bool
	IsFatalError() bool
	IsPanic() bool
	RequestErrorReset()
}

// Transactions is the slice of the session machine the commands touch.
type Transactions interface {
	State() trans.State
	SetState(to trans.State, paid float64) bool
	Authen(credit float64, delay time.Duration)
	AuthenCard(c trans.Card)
	Bill() trans.Bill
	Snapshot() trans.Snapshot
}

// Meter reads the latest metering result.
type Meter interface {
	Snapshot() meter.Reading
}

// Capacity reports the negotiator state.
type Capacity interface {
	State() pilot.CapacityState
}

// Settings is the live configuration.
type Settings interface {
	Get() config.Config
	Rates() config.Rates
	Power() config.Power
	UpdateRates(r config.Rates) error
}

// Emulator is the simulated vehicle, present only on the sim backend.
type Emulator interface {
	SetPilot(volts float64)
	SetOverTemp(hot bool)
}

// Options wires a Dispatcher. Emulator and Reload may be nil.
type Options struct {
	Pilot    Pilot
	Trans    Transactions
	Meter    Meter
	Capacity Capacity
	Settings Settings
	Emulator Emulator
	// Reload re-reads the configuration and raises the reload requests.
	Reload func() error
}

// Dispatcher routes requests by name.
type Dispatcher struct {
	opts     Options
	handlers map[string]func(Request) (any, error)
}

// New builds a Dispatcher.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{opts: opts}
	d.handlers = map[string]func(Request) (any, error){
		"state/read":   d.stateRead,
		"state/poll":   d.statePoll,
		"config/read":  d.configRead,
		"rates/read":   d.ratesRead,
		"rates/write":  d.ratesWrite,
		"power/read":   d.powerRead,
		"meter/read":   d.meterRead,
		"bill/read":    d.billRead,
		"bill/pay":     d.billPay,
		"trans/authen": d.transAuthen,
		"card/authen":  d.cardAuthen,
		"trans/stop":   d.transStop,
		"error/reset":  d.errorReset,
	}
	if opts.Reload != nil {
		d.handlers["config/reload"] = d.configReload
	}
	if opts.Emulator != nil {
		d.handlers["pilotState/write"] = d.pilotWrite
		d.handlers["tempTest/set"] = d.tempTest
	}
	return d
}

// Commands lists the registered command names.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.handlers))
	for n := range d.handlers {
		names = append(names, n)
	}
	return names
}

// Handle parses raw JSON, executes it and returns the encoded reply.
func (d *Dispatcher) Handle(raw []byte) []byte {
	var req Request
	var reply Reply
	if err := json.Unmarshal(raw, &req); err != nil {
		reply = d.fail("", fmt.Errorf("decode request: %w", err))
	} else {
		reply = d.Execute(req)
	}
	out, err := json.Marshal(reply)
	if err != nil {
		out, _ = json.Marshal(d.fail(req.Cmd, fmt.Errorf("encode reply: %w", err)))
	}
	return out
}

// Execute runs one request.
func (d *Dispatcher) Execute(req Request) Reply {
	h, ok := d.handlers[req.Cmd]
	if !ok {
		return d.fail(req.Cmd, fmt.Errorf("unknown command %q", req.Cmd))
	}
	data, err := h(req)
	if err != nil {
		log.Printf("command: %s: %v", req.Cmd, err)
		return d.fail(req.Cmd, err)
	}
	return Reply{Action: req.Cmd, DevID: d.devID(), Result: ResultOK, Data: data}
}

func (d *Dispatcher) fail(action string, err error) Reply {
	return Reply{Action: action, DevID: d.devID(), Result: ResultFail, Error: err.Error()}
}

func (d *Dispatcher) devID() string {
	if d.opts.Settings == nil {
		return ""
	}
	return d.opts.Settings.Get().Device.ID
}

func (d *Dispatcher) stateRead(Request) (any, error) {
	return StateJSON{
		Pilot:    d.opts.Pilot.Snapshot(),
		Trans:    d.opts.Trans.Snapshot(),
		Meter:    d.opts.Meter.Snapshot(),
		Capacity: d.opts.Capacity.State(),
	}, nil
}

func (d *Dispatcher) statePoll(Request) (any, error) {
	return PollJSON{
		Pilot:    d.opts.Pilot.Snapshot().State,
		Trans:    d.opts.Trans.State(),
		Charging: d.opts.Pilot.IsCharging(),
		Fault:    d.opts.Pilot.IsFatalError() || d.opts.Pilot.IsPanic(),
	}, nil
}

func (d *Dispatcher) configRead(Request) (any, error) {
	c := d.opts.Settings.Get()
	return map[string]any{
		"device":  map[string]string{"id": c.Device.ID, "label": c.Device.Label},
		"power":   d.power(),
		"rates":   ratesJSON(c.Rates),
		"op_mode": map[string]bool{"open_and_free": c.OpMode.OpenAndFree},
		"backend": c.Hardware.Backend,
	}, nil
}

func (d *Dispatcher) configReload(Request) (any, error) {
	if err := d.opts.Reload(); err != nil {
		return nil, err
	}
	return d.power(), nil
}

func (d *Dispatcher) ratesRead(Request) (any, error) {
	return ratesJSON(d.opts.Settings.Rates()), nil
}

func (d *Dispatcher) ratesWrite(req Request) (any, error) {
	if req.Rates == nil {
		return nil, fmt.Errorf("missing rates")
	}
	r := config.Rates{
		EnergyKWh:       req.Rates.EnergyKWh,
		ParkingHour:     req.Rates.ParkingHour,
		ParkPenaltyMin:  req.Rates.ParkPenaltyMin,
		FreeParkingMins: req.Rates.FreeParkingMins,
	}
	if err := d.opts.Settings.UpdateRates(r); err != nil {
		return nil, err
	}
	log.Printf("command: rates energy=%.2f parking=%.2f penalty=%.2f free=%dmin",
		r.EnergyKWh, r.ParkingHour, r.ParkPenaltyMin, r.FreeParkingMins)
	return ratesJSON(r), nil
}

func (d *Dispatcher) powerRead(Request) (any, error) {
	return d.power(), nil
}

func (d *Dispatcher) power() PowerJSON {
	p := d.opts.Settings.Power()
	return PowerJSON{
		ChargeVoltage:    p.ChargeVoltage,
		ChargeCurrentMax: p.ChargeCurrentMax,
		CTAmpsPerVolt:    p.CTAmpsPerVolt,
		Managed:          p.Managed,
		ThreePhase:       p.ThreePhase,
		Capacity:         d.opts.Capacity.State(),
	}
}

func (d *Dispatcher) meterRead(Request) (any, error) {
	return d.opts.Meter.Snapshot(), nil
}

func (d *Dispatcher) billRead(Request) (any, error) {
	return d.opts.Trans.Bill(), nil
}

func (d *Dispatcher) billPay(req Request) (any, error) {
	if req.Paid < 0 {
		return nil, fmt.Errorf("paid amount %.2f is negative", req.Paid)
	}
	if !d.opts.Trans.SetState(trans.Paid, req.Paid) {
		return nil, fmt.Errorf("cannot pay in state %s", d.opts.Trans.State())
	}
	return d.opts.Trans.Bill(), nil
}

func (d *Dispatcher) transAuthen(req Request) (any, error) {
	if req.DelayS < 0 || req.Deposit < 0 {
		return nil, fmt.Errorf("delay and deposit must not be negative")
	}
	d.opts.Trans.Authen(req.Deposit, time.Duration(req.DelayS)*time.Second)
	return d.opts.Trans.Snapshot(), nil
}

func (d *Dispatcher) cardAuthen(req Request) (any, error) {
	if req.Card == nil || req.Card.Serial == "" {
		return nil, fmt.Errorf("missing card")
	}
	d.opts.Trans.AuthenCard(*req.Card)
	return d.opts.Trans.Snapshot(), nil
}

func (d *Dispatcher) transStop(Request) (any, error) {
	st := d.opts.Trans.State()
	var to trans.State
	switch st {
	case trans.Charging:
		to = trans.Parking
	case trans.Handshake, trans.Authen:
		to = trans.Idle
	default:
		return nil, fmt.Errorf("no session to stop in state %s", st)
	}
	if !d.opts.Trans.SetState(to, 0) {
		return nil, fmt.Errorf("cannot stop in state %s", st)
	}
	return d.opts.Trans.Snapshot(), nil
}

func (d *Dispatcher) errorReset(Request) (any, error) {
	d.opts.Pilot.RequestErrorReset()
	return nil, nil
}

func (d *Dispatcher) pilotWrite(req Request) (any, error) {
	if req.Volts == nil {
		return nil, fmt.Errorf("missing volts")
	}
	switch v := *req.Volts; v {
	case 12, 9, 6, 0:
		d.opts.Emulator.SetPilot(v)
		return map[string]float64{"volts": v}, nil
	default:
		return nil, fmt.Errorf("pilot level %.1f V not one of 12, 9, 6, 0", v)
	}
}

func (d *Dispatcher) tempTest(req Request) (any, error) {
	if req.On == nil {
		return nil, fmt.Errorf("missing on")
	}
	d.opts.Emulator.SetOverTemp(*req.On)
	return map[string]bool{"on": *req.On}, nil
}

func ratesJSON(r config.Rates) RatesJSON {
	return RatesJSON{
		EnergyKWh:       r.EnergyKWh,
		ParkingHour:     r.ParkingHour,
		ParkPenaltyMin:  r.ParkPenaltyMin,
		FreeParkingMins: r.FreeParkingMins,
	}
}
