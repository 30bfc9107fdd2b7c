// Package statuspage renders a read-only HTML overview of every
// subsystem's most recent state, grounded on the same html/template
// idiom the rest of this codebase uses for its status page.
package statuspage

import (
	"bytes"
	"html/template"
	"io"
	"net/http"

	"github.com/stapelberg/opensleepd/internal/config"
	"github.com/stapelberg/opensleepd/internal/frank"
	"github.com/stapelberg/opensleepd/internal/frozen"
	"github.com/stapelberg/opensleepd/internal/presence"
	"github.com/stapelberg/opensleepd/internal/sensor"
)

const statusTmplContents = `
<!DOCTYPE html>
<title>opensleepd</title>
<body>
<h1>opensleepd</h1>

<h2>Configuration</h2>
<p>mode: {{ .Config.Profile.Mode }}, away: {{ .Config.AwayMode }}, prime at: {{ with .Config.PrimeTime }}{{ . }}{{ else }}unset{{ end }}</p>

<h2>Frozen (thermal)</h2>
<p>mode: {{ .Frozen.Mode }}</p>
<p>left target: {{ index .Frozen.Target 0 }}</p>
<p>right target: {{ index .Frozen.Target 1 }}</p>
<p>priming: {{ .Frozen.Priming }}, water empty: {{ .Frozen.WaterEmpty }}</p>

<h2>Sensor</h2>
<p>mode: {{ .Sensor.Mode }}</p>
<p>left alarm running: {{ index .Sensor.AlarmRunning 0 }}</p>
<p>right alarm running: {{ index .Sensor.AlarmRunning 1 }}</p>

<h2>Frank (firmware impersonation)</h2>
<p>target heat levels: {{ .Frank.TargetHeatLevelLeft }} / {{ .Frank.TargetHeatLevelRight }}</p>
<p>water level ok: {{ .Frank.WaterLevel }}, priming: {{ .Frank.Priming }}</p>

<h2>Presence</h2>
<p>left: {{ .Presence.LeftPresent }}, right: {{ .Presence.RightPresent }}, in bed: {{ .Presence.InBed }}</p>
`

var statusTmpl = template.Must(template.New("status").Parse(statusTmplContents))

// Sources bundles the subsystem snapshots rendered onto the page.
type Sources struct {
	Bus    *config.Bus
	Frozen *frozen.Driver
	Sensor *sensor.Driver
	Frank  *frank.Server
	Presence *presence.Detector
}

type pageData struct {
	Config   *config.Config
	Frozen   frozen.State
	Sensor   sensor.State
	Frank    frank.State
	Presence presence.State
}

func Handler(src Sources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := pageData{Config: src.Bus.Snapshot()}
		if src.Frozen != nil {
			data.Frozen = src.Frozen.Snapshot()
		}
		if src.Sensor != nil {
			data.Sensor = src.Sensor.Snapshot()
		}
		if src.Frank != nil {
			data.Frank = src.Frank.Snapshot()
		}
		if src.Presence != nil {
			data.Presence = src.Presence.State()
		}

		var buf bytes.Buffer
		if err := statusTmpl.Execute(&buf, data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		io.Copy(w, &buf)
	}
}
