// Package sensor drives the capacitive/piezo subsystem: presence
// sensing, bed-temperature probing, and vibration wake alarms.
//
// Reply opcodes below that are not spelled out verbatim in the
// protocol description are assigned here, since the controller's own
// framing gives every reply a distinct leading byte but does not name
// them individually. The per-command acks follow the same "command
// byte with the high bit set" convention the thermal subsystem's acks
// use; the unsolicited capacitance, temperature and piezo-sample
// streams, which answer no single command, take 0x50..0x52.
package sensor

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stapelberg/opensleepd/internal/config"
	"github.com/stapelberg/opensleepd/internal/packet"
	"github.com/stapelberg/opensleepd/internal/presence"
	"github.com/stapelberg/opensleepd/internal/recon"
)

const prometheusNamespace = "sensor"

const (
	opPing            = 0x01
	opGetHardwareInfo = 0x02
	opJumpToFirmware  = 0x10
	opProbeTemp       = 0x2f
	opProbeTempAll    = 0xff // second byte of the ProbeTemperature command
	opEnableVibration = 0x2e
	opSetPiezoGain    = 0x2b
	opSetPiezoFreq    = 0x21
	opEnablePiezo     = 0x28
	opSetAlarm        = 0x2c
	opClearAlarm      = 0x2d

	respPong         = 0x81
	respHardwareInfo = 0x82
	respMessage      = 0x07
	respInit         = 0x31
	respCapacitance  = 0x50
	respTemperature  = 0x51
	respPiezoSample  = 0x52
	respVibrationAck = 0xae
	respGainAck      = 0xab
	respFreqAck      = 0xa1
	respPiezoAck     = 0xa8
	respAlarmAck     = 0xac
	respClearAck     = 0xad

	pongBootloader = 0b0100_0010
	pongFirmware   = 0b0100_0110
)

type DeviceMode int

const (
	Unknown DeviceMode = iota
	Bootloader
	Firmware
)

func (m DeviceMode) String() string {
	switch m {
	case Bootloader:
		return "bootloader"
	case Firmware:
		return "firmware"
	default:
		return "unknown"
	}
}

func (m DeviceMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// Baud identifies which of the sensor controller's two rates the
// serial port should be reconfigured to.
type Baud int

const (
	BaudBootloader Baud = 38400
	BaudFirmware   Baud = 115200
)

// HardwareInfo mirrors the thermal subsystem's identity record.
type HardwareInfo struct {
	DeviceSN    uint64 `cbor:"devicesn" json:"devicesn"`
	PN          uint64 `cbor:"pn" json:"pn"`
	SKU         uint64 `cbor:"sku" json:"sku"`
	HWRev       uint64 `cbor:"hwrev" json:"hwrev"`
	FactoryLine uint64 `cbor:"factoryline" json:"factoryline"`
	DateCode    uint64 `cbor:"datecode" json:"datecode"`
}

// Temperatures is the most recent temperature report: eight bed cells
// plus ambient, humidity and MCU readings.
type Temperatures struct {
	Cells    [8]uint16 `json:"cells"`
	Ambient  uint16    `json:"ambient"`
	Humidity uint16    `json:"humidity"`
	MCU      uint16    `json:"mcu"`
}

var (
	gaugeDeviceMode = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: prometheusNamespace, Name: "device_mode",
		Help: "0=unknown 1=bootloader 2=firmware",
	})
	gaugeAlarmRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: prometheusNamespace, Name: "alarm_running",
		Help: "whether a vibration alarm is currently running",
	}, []string{"side"})
	gaugeCapacitance = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: prometheusNamespace, Name: "capacitance",
		Help: "raw capacitance reading per channel",
	}, []string{"channel"})
	gaugeCellTemp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: prometheusNamespace, Name: "cell_centi_celsius",
		Help: "per-cell bed temperature, centi-degC",
	}, []string{"cell"})
)

func init() {
	prometheus.MustRegister(gaugeDeviceMode, gaugeAlarmRunning, gaugeCapacitance, gaugeCellTemp)
}

// State is the sensor subsystem's observed state, published to MQTT
// and rendered on the status page.
type State struct {
	Mode             DeviceMode    `json:"mode"`
	Hardware         *HardwareInfo `json:"hardware,omitempty"`
	VibrationEnabled bool          `json:"vibration_enabled"`
	PiezoEnabled     bool          `json:"piezo_enabled"`
	PiezoGain        [2]uint16     `json:"piezo_gain"`
	PiezoFreqHz      uint32        `json:"piezo_freq_hz"`
	AlarmRunning     [2]bool       `json:"alarm_running"`
	Temperatures     *Temperatures `json:"temperatures,omitempty"`
}

// Driver owns one serial link to the sensor controller and the
// presence detector fed by its capacitance stream.
type Driver struct {
	conn    io.ReadWriter
	reader  *packet.Reader
	writer  *packet.Writer
	setBaud func(Baud) error

	bus      *config.Bus
	presence *presence.Detector

	mu    sync.RWMutex
	state State

	// cmds carries scheduler-originated commands onto the driver
	// goroutine, so all serial writes stay on one task.
	cmds chan func()

	identityTimer  *recon.Timer
	vibrationTimer *recon.Timer
	gainTimer      *recon.Timer
	freqTimer      *recon.Timer
	piezoTimer     *recon.Timer
	alarmTimer     [2]*recon.Timer
	pingTimer      *recon.Timer
	probeTimer     *recon.Timer

	discoverTimer    *recon.Timer
	discoverAttempts int
	atFirmwareBaud   bool

	now func() time.Time
}

// New constructs a Driver. setBaud reconfigures the underlying serial
// port's baud rate in place during bootloader/firmware discovery.
func New(conn io.ReadWriter, bus *config.Bus, pres *presence.Detector, setBaud func(Baud) error) *Driver {
	return &Driver{
		conn:           conn,
		reader:         packet.NewReader(conn),
		writer:         packet.NewWriter(conn),
		setBaud:        setBaud,
		bus:            bus,
		presence:       pres,
		cmds:           make(chan func(), 8),
		identityTimer:  recon.New(800 * time.Millisecond),
		vibrationTimer: recon.New(800 * time.Millisecond),
		gainTimer:      recon.New(800 * time.Millisecond),
		freqTimer:      recon.New(800 * time.Millisecond),
		piezoTimer:     recon.New(800 * time.Millisecond),
		alarmTimer:     [2]*recon.Timer{recon.New(5 * time.Second), recon.New(5 * time.Second)},
		pingTimer:      recon.New(4 * time.Second),
		probeTimer:     recon.New(4 * time.Second),
		discoverTimer:  recon.New(500 * time.Millisecond),
		now:            time.Now,
	}
}

func (d *Driver) Snapshot() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Driver) Run(ctx context.Context) {
	frames := make(chan []byte, 16)
	go func() {
		for {
			f, err := d.reader.ReadFrame()
			if err != nil {
				log.Printf("sensor: read: %v", err)
				if err == io.EOF {
					return
				}
				continue
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Stagger the temperature probe against the ping cadence.
	d.probeTimer.Fire(d.now().Add(-1500 * time.Millisecond))
	d.send([]byte{opPing})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-frames:
			d.handle(f)
		case cmd := <-d.cmds:
			cmd()
		case <-ticker.C:
			d.reconcile()
		}
	}
}

func (d *Driver) send(payload []byte) {
	if err := d.writer.WriteFrame(payload); err != nil {
		log.Printf("sensor: write: %v", err)
	}
}

func (d *Driver) enqueue(name string, cmd func()) {
	select {
	case d.cmds <- cmd:
	default:
		log.Printf("sensor: command channel full, dropping %s", name)
	}
}

func (d *Driver) setMode(m DeviceMode) {
	d.mu.Lock()
	d.state.Mode = m
	d.mu.Unlock()
}

func (d *Driver) mode() DeviceMode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.Mode
}

func (d *Driver) handle(f []byte) {
	if len(f) == 0 {
		return
	}
	switch f[0] {
	case respPong:
		if len(f) < 2 {
			return
		}
		d.discoverAttempts = 0
		switch f[1] {
		case pongBootloader:
			d.setMode(Bootloader)
			d.send([]byte{opJumpToFirmware})
			if d.setBaud != nil {
				if err := d.setBaud(BaudFirmware); err != nil {
					log.Printf("sensor: switch to firmware baud: %v", err)
				}
				d.atFirmwareBaud = true
			}
		case pongFirmware:
			d.setMode(Firmware)
		default:
			log.Printf("sensor: unexpected pong mode %#x", f[1])
		}
	case respInit:
		// BL->FW transition marker; two observed shapes (10 or 11
		// bytes). Only the fixed offsets both shapes agree on matter,
		// so either length is tolerated.
		if len(f) != 10 && len(f) != 11 {
			log.Printf("sensor: unexpected init frame length %d", len(f))
		}
		d.setMode(Firmware)
	case respHardwareInfo:
		if len(f) < 3 {
			return
		}
		if f[1] != 0 {
			log.Printf("sensor: hardware info status byte %#x", f[1])
		}
		var hw HardwareInfo
		if err := cbor.Unmarshal(f[2:], &hw); err != nil {
			log.Printf("sensor: decode hardware info: % x: %v", f, err)
			return
		}
		d.mu.Lock()
		d.state.Hardware = &hw
		d.mu.Unlock()
	case respVibrationAck:
		d.mu.Lock()
		d.state.VibrationEnabled = true
		d.mu.Unlock()
	case respPiezoAck:
		d.mu.Lock()
		d.state.PiezoEnabled = true
		d.mu.Unlock()
	case respGainAck:
		if len(f) < 5 {
			return
		}
		d.mu.Lock()
		d.state.PiezoGain[0] = binary.BigEndian.Uint16(f[1:3])
		d.state.PiezoGain[1] = binary.BigEndian.Uint16(f[3:5])
		d.mu.Unlock()
	case respFreqAck:
		if len(f) < 5 {
			return
		}
		d.mu.Lock()
		d.state.PiezoFreqHz = binary.BigEndian.Uint32(f[1:5])
		d.mu.Unlock()
	case respAlarmAck, respClearAck:
		// informational; alarm_running is derived from message text.
	case respCapacitance:
		d.handleCapacitance(f)
	case respTemperature:
		d.handleTemperature(f)
	case respPiezoSample:
		// variable-length interleaved samples; not separately
		// modeled, since presence derives from capacitance alone.
	case respMessage:
		d.handleMessage(string(f[1:]))
	default:
		log.Printf("sensor: unknown opcode %#x in % x", f[0], f)
	}
}

// handleCapacitance parses the fixed-size capacitance frame: a
// sequence byte followed by six (channel-index, value) pairs.
func (d *Driver) handleCapacitance(f []byte) {
	if len(f) < 1+1+6*3 {
		log.Printf("sensor: short capacitance frame: %d bytes", len(f))
		return
	}
	var sample presence.Sample
	off := 2
	for ch := 0; ch < 6; ch++ {
		idx := f[off]
		if int(idx) != ch {
			log.Printf("sensor: capacitance channel index mismatch: got %d, want %d", idx, ch)
			return
		}
		v := binary.BigEndian.Uint16(f[off+1 : off+3])
		sample[ch] = v
		gaugeCapacitance.With(prometheus.Labels{"channel": string(rune('0' + ch))}).Set(float64(v))
		off += 3
	}
	if d.presence != nil {
		d.presence.Observe(sample, d.now())
	}
}

// handleTemperature parses the bed/ambient/humidity/MCU frame: a
// sequence byte followed by 11 (index, value) pairs.
func (d *Driver) handleTemperature(f []byte) {
	if len(f) < 1+1+11*3 {
		log.Printf("sensor: short temperature frame: %d bytes", len(f))
		return
	}
	var t Temperatures
	off := 2
	for i := 0; i < 11; i++ {
		idx := f[off]
		if int(idx) != i {
			log.Printf("sensor: temperature channel index mismatch: got %d, want %d", idx, i)
			return
		}
		v := binary.BigEndian.Uint16(f[off+1 : off+3])
		switch {
		case idx < 8:
			t.Cells[idx] = v
			gaugeCellTemp.With(prometheus.Labels{"cell": string(rune('0' + idx))}).Set(float64(v))
		case idx == 8:
			t.Ambient = v
		case idx == 9:
			t.Humidity = v
		case idx == 10:
			t.MCU = v
		}
		off += 3
	}
	d.mu.Lock()
	d.state.Temperatures = &t
	d.mu.Unlock()
}

// handleMessage derives alarm_running from "FW: alarm[side] ..." lines.
func (d *Driver) handleMessage(msg string) {
	for side, tag := range [2]string{"FW: alarm[left]", "FW: alarm[right]"} {
		rest, ok := strings.CutPrefix(msg, tag)
		if !ok {
			continue
		}
		running := !(strings.Contains(rest, "off") || strings.Contains(rest, "no longer running"))
		d.mu.Lock()
		d.state.AlarmRunning[side] = running
		d.mu.Unlock()
		gaugeAlarmRunning.With(prometheus.Labels{"side": config.Side(side).String()}).Set(boolFloat(running))
		return
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

const targetPiezoGain = 400
const targetPiezoFreqHz = 1000
const piezoGainTolerance = 6

// reconcile fires due commands per the runtime command table:
// invariant checks independently rate-limited, suppressed outside
// firmware mode, where discovery runs instead.
func (d *Driver) reconcile() {
	now := d.now()
	mode := d.mode()
	gaugeDeviceMode.Set(float64(mode))
	if mode != Firmware {
		d.discover(now)
		return
	}

	if d.pingTimer.Due(now) {
		d.send([]byte{opPing})
		d.pingTimer.Fire(now)
	}
	if d.probeTimer.Due(now) {
		d.send([]byte{opProbeTemp, opProbeTempAll})
		d.probeTimer.Fire(now)
	}

	d.mu.RLock()
	known := d.state.Hardware != nil
	vibrationOn := d.state.VibrationEnabled
	piezoOn := d.state.PiezoEnabled
	gainL, gainR := d.state.PiezoGain[0], d.state.PiezoGain[1]
	freq := d.state.PiezoFreqHz
	d.mu.RUnlock()

	if !known && d.identityTimer.Due(now) {
		d.send([]byte{opGetHardwareInfo})
		d.identityTimer.Fire(now)
	}

	if !vibrationOn && d.vibrationTimer.Due(now) {
		d.send([]byte{opEnableVibration})
		d.vibrationTimer.Fire(now)
	}

	if !withinTolerance(gainL, targetPiezoGain, piezoGainTolerance) ||
		!withinTolerance(gainR, targetPiezoGain, piezoGainTolerance) {
		if d.gainTimer.Due(now) {
			payload := make([]byte, 5)
			payload[0] = opSetPiezoGain
			binary.BigEndian.PutUint16(payload[1:3], targetPiezoGain)
			binary.BigEndian.PutUint16(payload[3:5], targetPiezoGain)
			d.send(payload)
			d.gainTimer.Fire(now)
		}
	}

	if piezoOn && freq != targetPiezoFreqHz && d.freqTimer.Due(now) {
		payload := make([]byte, 5)
		payload[0] = opSetPiezoFreq
		binary.BigEndian.PutUint32(payload[1:5], targetPiezoFreqHz)
		d.send(payload)
		d.freqTimer.Fire(now)
	}

	if !piezoOn && d.piezoTimer.Due(now) {
		d.send([]byte{opEnablePiezo})
		d.piezoTimer.Fire(now)
	}

	cfg := d.bus.Snapshot()
	for _, side := range []config.Side{config.Left, config.Right} {
		d.reconcileAlarm(cfg, side, vibrationOn, now)
	}
}

// discover runs the startup handshake: ping at the current baud rate,
// and after three unanswered attempts toggle between the bootloader
// and firmware rates.
func (d *Driver) discover(now time.Time) {
	if !d.discoverTimer.Due(now) {
		return
	}
	if d.discoverAttempts >= 3 && d.setBaud != nil {
		d.atFirmwareBaud = !d.atFirmwareBaud
		baud := BaudBootloader
		if d.atFirmwareBaud {
			baud = BaudFirmware
		}
		if err := d.setBaud(baud); err != nil {
			log.Printf("sensor: switch to %d baud: %v", baud, err)
		}
		d.discoverAttempts = 0
	}
	d.send([]byte{opPing})
	d.discoverAttempts++
	d.discoverTimer.Fire(now)
}

func withinTolerance(got, want, tolerance uint16) bool {
	var diff uint16
	if got > want {
		diff = got - want
	} else {
		diff = want - got
	}
	return diff <= tolerance
}

// reconcileAlarm drives the per-side alarm window. Suppressed entirely
// in away mode and while vibration is not yet enabled on the
// controller; alarm_running stays authoritative from the message log.
func (d *Driver) reconcileAlarm(cfg *config.Config, side config.Side, vibrationOn bool, now time.Time) {
	profile := cfg.Profile.For(side)
	if profile.Alarm == nil || cfg.AwayMode || !vibrationOn {
		return
	}
	loc := cfg.Location()
	wakeDt := profile.Wake.On(now, loc)
	start := wakeDt.Add(-profile.Alarm.Offset)
	end := start.Add(profile.Alarm.Duration)

	d.mu.RLock()
	running := d.state.AlarmRunning[side]
	d.mu.RUnlock()
	want := !now.Before(start) && now.Before(end)

	if want && !running && d.alarmTimer[side].Due(now) {
		d.sendSetAlarm(side, *profile.Alarm)
		d.alarmTimer[side].Fire(now)
	} else if !want && running && d.alarmTimer[side].Due(now) {
		d.sendClearAlarm(side)
		d.alarmTimer[side].Fire(now)
	}
}

// patternCode maps a vibration waveform name to its wire code. Unknown
// names fall back to the "rise" pattern.
func patternCode(name string) byte {
	switch name {
	case "double":
		return 0x02
	default: // "rise"
		return 0x01
	}
}

func (d *Driver) sendSetAlarm(side config.Side, alarm config.AlarmConfig) {
	payload := make([]byte, 8)
	payload[0] = opSetAlarm
	payload[1] = byte(side)
	payload[2] = byte(alarm.Intensity)
	payload[3] = patternCode(alarm.Pattern)
	binary.BigEndian.PutUint32(payload[4:8], uint32(alarm.Duration/time.Second))
	d.send(payload)
}

// sendClearAlarm opportunistically clears a running alarm. The opcode
// is uncertain to exist in the firmware and may draw no
// acknowledgement; alarm_running remains authoritative from
// message-log derivation regardless.
func (d *Driver) sendClearAlarm(side config.Side) {
	d.send([]byte{opClearAlarm, byte(side)})
}

// SetAlarm implements scheduler.Sink for the vibration wake alarm. The
// command runs on the driver goroutine.
func (d *Driver) SetAlarm(side config.Side, alarm config.AlarmConfig) {
	d.enqueue("set alarm", func() {
		d.sendSetAlarm(side, alarm)
	})
}

// ClearAlarm is the externally-callable counterpart of sendClearAlarm.
func (d *Driver) ClearAlarm(side config.Side) {
	d.enqueue("clear alarm", func() {
		d.sendClearAlarm(side)
	})
}
