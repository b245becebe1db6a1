package web

import (
	"fmt"
	"html/template"
	"io"
	"log"
	"time"

	"github.com/sweeney/evse-controller/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"yesNo": func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	},
	"inc":   func(i int) int { return i + 1 },
	"amps":  func(a float64) string { return fmt.Sprintf("%.1f A", a) },
	"money": func(v float64) string { return fmt.Sprintf("%.2f", v) },
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>EVSE {{.Config.DeviceID}}</title>
<style>
body { font-family: monospace; max-width: 640px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.fault { color: red; font-weight: bold; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; background: orange; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
</style>
</head>
<body>
<h1>EVSE {{.Config.DeviceID}}<span id="live-dot" class="live-dot" title="connecting"></span></h1>

<h2>Pilot</h2>
<table>
<tr><th>State</th><td id="pilot-state" class="{{if or (eq .Pilot.State.String "Error") (eq .Pilot.State.String "Panic")}}fault{{else if eq .Pilot.State.String "S6Vac"}}on{{end}}">{{.Pilot.State}}</td></tr>
<tr><th>Entered from</th><td id="pilot-from">{{.Pilot.EnteredFrom}}</td></tr>
<tr><th>Level</th><td id="pilot-level">{{.Pilot.Level}}</td></tr>
<tr><th>Duty</th><td id="pilot-duty">{{printf "%.4f" .Pilot.Duty}}</td></tr>
<tr><th>Contactor</th><td id="contactor" class="{{if .Pilot.Contactor}}on{{end}}">{{yesNo .Pilot.Contactor}}</td></tr>
<tr><th>Cable lock</th><td>{{yesNo .Pilot.CableLocked}}</td></tr>
<tr><th>Offered</th><td>{{.Capacity.Offered}} A of {{.Capacity.ConfiguredMax}} A</td></tr>
<tr><th>Ready</th><td>{{yesNo .Ready}}</td></tr>
</table>

<h2>Safety inputs</h2>
<table>
<tr><th>Emergency stop</th><td class="{{if .Pilot.Inputs.EmergencyStop}}fault{{end}}">{{yesNo .Pilot.Inputs.EmergencyStop}}</td></tr>
<tr><th>Cover open</th><td class="{{if .Pilot.Inputs.CoverOpen}}fault{{end}}">{{yesNo .Pilot.Inputs.CoverOpen}}</td></tr>
<tr><th>Over temperature</th><td class="{{if .Pilot.Inputs.OverTemp}}fault{{end}}">{{yesNo .Pilot.Inputs.OverTemp}}</td></tr>
<tr><th>Cable OK</th><td>{{yesNo .Pilot.Inputs.CableOK}}</td></tr>
</table>

<h2>Session</h2>
<table>
<tr><th>State</th><td id="trans-state">{{.Trans.State}}</td></tr>
<tr><th>Session</th><td>{{.Trans.SessionID}}</td></tr>
<tr><th>Authorized</th><td>{{yesNo .Trans.Authorized}}</td></tr>
<tr><th>Credit</th><td>{{money .Trans.Credit}}</td></tr>
<tr><th>Energy</th><td>{{printf "%.3f" .Trans.Bill.EnergyKWh}} kWh</td></tr>
<tr><th>Charging</th><td>{{.Trans.Bill.ChargingSec}} s</td></tr>
<tr><th>Parking</th><td>{{.Trans.Bill.ParkingMin}} min</td></tr>
<tr><th>Payable</th><td id="payable">{{money .Trans.Bill.PayableAmount}}</td></tr>
</table>

<h2>Meter</h2>
<table>
{{range $i, $a := .Meter.Phases}}<tr><th>L{{inc $i}}</th><td>{{amps $a}}</td></tr>
{{end}}<tr><th>Total</th><td id="meter-total">{{amps .Meter.Total}}</td></tr>
<tr><th>Energy</th><td>{{printf "%.3f" .Meter.EnergyKWh}} kWh</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Backend</th><td>{{.Config.Backend}}</td></tr>
<tr><th>Tick</th><td>{{.Config.TickMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>Transitions</th><td>{{.Transitions}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  function set(id, v) { var el = document.getElementById(id); if (el) el.textContent = v; }
  function connect() {
    var ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
    ws.onopen = function() { dot.className = "live-dot ok"; dot.title = "live"; };
    ws.onclose = function() { dot.className = "live-dot err"; dot.title = "offline"; setTimeout(connect, 5000); };
    ws.onmessage = function(e) {
      try {
        var s = JSON.parse(e.data).status;
        if (!s) return;
        set("pilot-state", s.pilot.state);
        set("pilot-from", s.pilot.entered_from);
        set("pilot-level", s.pilot.level);
        set("pilot-duty", s.pilot.duty.toFixed(4));
        set("contactor", s.pilot.contactor ? "yes" : "no");
        set("trans-state", s.trans.state);
        set("payable", s.trans.bill.payable.toFixed(2));
        set("meter-total", s.meter.total.toFixed(1) + " A");
      } catch (err) {}
    };
  }
  connect();
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	if err := indexTmpl.Execute(w, data); err != nil {
		log.Printf("web: render index: %v", err)
	}
}
