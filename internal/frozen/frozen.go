// Package frozen drives the thermal subsystem: the serial peer that
// controls each side's heating/cooling target and the daily prime
// routine, and reports hardware identity and measured temperatures.
package frozen

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stapelberg/opensleepd/internal/config"
	"github.com/stapelberg/opensleepd/internal/interp"
	"github.com/stapelberg/opensleepd/internal/packet"
	"github.com/stapelberg/opensleepd/internal/recon"
)

const prometheusNamespace = "frozen"

// Opcodes, c.f. the thermal controller's command/response protocol.
const (
	opPing            = 0x01
	opGetHardwareInfo = 0x02
	opJumpToFirmware  = 0x10
	opSetTargetTemp   = 0x40
	opGetTemperatures = 0x41
	opPrime           = 0x52
	opPong            = 0x81
	opHardwareInfo    = 0x82
	opJumpAck         = 0x90
	opTargetUpdate    = 0xc0
	opPrimeAck        = 0xd2
	opMessage         = 0x07
	opHeartbeat       = 0x53

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

// HardwareInfo is the identity record reported by GetHardwareInfo.
type HardwareInfo struct {
	DeviceSN    uint64 `cbor:"devicesn" json:"devicesn"`
	PN          uint64 `cbor:"pn" json:"pn"`
	SKU         uint64 `cbor:"sku" json:"sku"`
	HWRev       uint64 `cbor:"hwrev" json:"hwrev"`
	FactoryLine uint64 `cbor:"factoryline" json:"factoryline"`
	DateCode    uint64 `cbor:"datecode" json:"datecode"`
}

// Temperatures is the most recent GetTemperatures reply.
type Temperatures struct {
	Left      uint16 `json:"left"`
	Right     uint16 `json:"right"`
	Heatsink  uint16 `json:"heatsink"`
	ErrorCode uint8  `json:"error_code"`
	Seq       uint8  `json:"seq"`
}

// Target is the desired state for one side.
type Target struct {
	Enabled      bool   `json:"enabled"`
	CentiCelsius uint16 `json:"centi_celsius"`
}

var (
	gaugeDeviceMode = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: prometheusNamespace, Name: "device_mode",
		Help: "0=unknown 1=bootloader 2=firmware",
	})
	gaugeTargetCentiCelsius = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: prometheusNamespace, Name: "target_centi_celsius",
		Help: "last acknowledged target temperature, centi-degC",
	}, []string{"side"})
	gaugeTargetEnabled = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: prometheusNamespace, Name: "target_enabled",
		Help: "whether the side's target is enabled",
	}, []string{"side"})
	gaugeTemperatureCentiCelsius = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: prometheusNamespace, Name: "temperature_centi_celsius",
		Help: "measured temperature, centi-degC",
	}, []string{"point"})
	gaugePriming = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: prometheusNamespace, Name: "priming",
		Help: "whether a prime cycle is in progress",
	})
)

func init() {
	prometheus.MustRegister(gaugeDeviceMode, gaugeTargetCentiCelsius, gaugeTargetEnabled,
		gaugeTemperatureCentiCelsius, gaugePriming)
}

// State is the thermal subsystem's observed state, published to MQTT
// and rendered on the status page.
type State struct {
	Mode         DeviceMode    `json:"mode"`
	Hardware     *HardwareInfo `json:"hardware,omitempty"`
	Temperatures *Temperatures `json:"temperatures,omitempty"`
	Target       [2]Target     `json:"target"`
	Priming      bool          `json:"priming"`
	WaterEmpty   bool          `json:"water_empty"`
}

// Driver owns one serial link to the thermal controller.
type Driver struct {
	conn    io.ReadWriter
	reader  *packet.Reader
	writer  *packet.Writer
	setBaud func(b Baud) error

	bus   *config.Bus
	state stateBox

	// cmds carries scheduler-originated commands onto the driver
	// goroutine, so all serial writes stay on one task.
	cmds chan func()

	identityTimer *recon.Timer
	targetTimer   [2]*recon.Timer
	primeTimer    *recon.Timer
	tempTimer     *recon.Timer
	wakeTimer     *recon.Timer
	pendingJumpAt time.Time
	lastPrimeDay  int

	now func() time.Time
}

// Baud identifies which of the thermal controller's two rates the
// serial port should be reconfigured to.
type Baud int

const (
	BaudBootloader Baud = 38400
	BaudFirmware   Baud = 115200
)

// New constructs a Driver. setBaud reconfigures the underlying serial
// port's baud rate in place (the port is opened once by the caller and
// shared across bootloader/firmware phases).
func New(conn io.ReadWriter, bus *config.Bus, setBaud func(Baud) error) *Driver {
	return &Driver{
		conn:          conn,
		reader:        packet.NewReader(conn),
		writer:        packet.NewWriter(conn),
		setBaud:       setBaud,
		bus:           bus,
		cmds:          make(chan func(), 8),
		identityTimer: recon.New(1 * time.Second),
		targetTimer:   [2]*recon.Timer{recon.New(10 * time.Second), recon.New(10 * time.Second)},
		primeTimer:    recon.New(60 * time.Second),
		tempTimer:     recon.New(10 * time.Second),
		wakeTimer:     recon.New(2 * time.Second),
		lastPrimeDay:  -1,
		now:           time.Now,
	}
}

// Run drives the read loop and the 20ms reconciliation tick until ctx
// is cancelled.
func (d *Driver) Run(ctx context.Context) {
	frames := make(chan []byte, 8)
	go func() {
		for {
			f, err := d.reader.ReadFrame()
			if err != nil {
				log.Printf("frozen: read: %v", err)
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

	d.send([]byte{opPing})

	ticker := time.NewTicker(20 * time.Millisecond)
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
		log.Printf("frozen: write: %v", err)
	}
}

// enqueue hands an externally-originated command to the driver
// goroutine. The channel is bounded: a full channel fails the command
// with a diagnostic instead of blocking the producer.
func (d *Driver) enqueue(name string, cmd func()) {
	select {
	case d.cmds <- cmd:
	default:
		log.Printf("frozen: command channel full, dropping %s", name)
	}
}

func (d *Driver) handle(f []byte) {
	if len(f) == 0 {
		return
	}
	switch f[0] {
	case opPong:
		if len(f) < 2 {
			return
		}
		switch f[1] {
		case pongBootloader:
			d.state.setMode(Bootloader)
			d.send([]byte{opJumpToFirmware})
			if d.setBaud != nil {
				if err := d.setBaud(BaudFirmware); err != nil {
					log.Printf("frozen: switch to firmware baud: %v", err)
				}
			}
		case pongFirmware:
			d.state.setMode(Firmware)
		default:
			log.Printf("frozen: unexpected pong mode %#x", f[1])
		}
	case opJumpAck, opPrimeAck:
		// informational only
	case opHardwareInfo:
		if len(f) < 3 {
			return
		}
		// A status byte precedes the CBOR map; non-zero is logged but
		// the identity is accepted regardless.
		if f[1] != 0 {
			log.Printf("frozen: hardware info status byte %#x", f[1])
		}
		var hw HardwareInfo
		if err := cbor.Unmarshal(f[2:], &hw); err != nil {
			log.Printf("frozen: decode hardware info: % x: %v", f, err)
			return
		}
		d.state.setHardware(&hw)
	case opTargetUpdate:
		if len(f) < 5 {
			log.Printf("frozen: short target update: % x", f)
			return
		}
		side := f[1]
		if side > 1 {
			log.Printf("frozen: target update for invalid side %d", side)
			return
		}
		t := Target{Enabled: f[2] != 0, CentiCelsius: binary.BigEndian.Uint16(f[3:5])}
		d.state.setTarget(int(side), t)
		gaugeTargetCentiCelsius.With(prometheus.Labels{"side": config.Side(side).String()}).Set(float64(t.CentiCelsius))
		gaugeTargetEnabled.With(prometheus.Labels{"side": config.Side(side).String()}).Set(boolFloat(t.Enabled))
	case opGetTemperatures:
		if len(f) < 8 {
			log.Printf("frozen: short temperature report: % x", f)
			return
		}
		temps := &Temperatures{
			Left:      binary.BigEndian.Uint16(f[1:3]),
			Right:     binary.BigEndian.Uint16(f[3:5]),
			Heatsink:  binary.BigEndian.Uint16(f[5:7]),
			ErrorCode: f[7],
		}
		if len(f) >= 9 {
			temps.Seq = f[8]
		}
		d.state.setTemperatures(temps)
		gaugeTemperatureCentiCelsius.With(prometheus.Labels{"point": "left"}).Set(float64(temps.Left))
		gaugeTemperatureCentiCelsius.With(prometheus.Labels{"point": "right"}).Set(float64(temps.Right))
		gaugeTemperatureCentiCelsius.With(prometheus.Labels{"point": "heatsink"}).Set(float64(temps.Heatsink))
	case opMessage:
		d.handleMessage(string(f[1:]))
	case opHeartbeat:
		// ignored
	default:
		log.Printf("frozen: unknown opcode %#x in % x", f[0], f)
	}
}

func (d *Driver) handleMessage(msg string) {
	switch {
	case strings.Contains(msg, "water empty -> full"):
		d.state.setWaterEmpty(false)
	case strings.Contains(msg, "water full -> empty"):
		d.state.setWaterEmpty(true)
	case strings.Contains(msg, "[priming] start"):
		d.state.setPriming(true)
		gaugePriming.Set(1)
	case strings.Contains(msg, "[priming] done"):
		d.state.setPriming(false)
		gaugePriming.Set(0)
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// reconcile fires due commands on each independent timer.
func (d *Driver) reconcile() {
	now := d.now()
	mode := d.state.mode()
	gaugeDeviceMode.Set(float64(mode))

	if mode != Firmware {
		d.wakeCycle(now)
		return
	}
	d.pendingJumpAt = time.Time{}

	if d.state.hardwareKnown() {
		// suppressed once known
	} else if d.identityTimer.Due(now) {
		d.send([]byte{opGetHardwareInfo})
		d.identityTimer.Fire(now)
	}

	if d.tempTimer.Due(now) {
		d.send([]byte{opGetTemperatures})
		d.tempTimer.Fire(now)
	}

	cfg := d.bus.Snapshot()
	for _, side := range []config.Side{config.Left, config.Right} {
		want := d.computeTarget(cfg, side, now)
		if d.state.target(int(side)) != want && d.targetTimer[side].Due(now) {
			d.sendSetTarget(side, want)
			d.targetTimer[side].Fire(now)
		}
	}

	d.reconcilePrime(cfg, now)
}

// wakeCycle nudges a controller that is not (yet) in firmware mode:
// every 2 seconds, Ping, wait 200ms, JumpToFirmware.
func (d *Driver) wakeCycle(now time.Time) {
	if d.wakeTimer.Due(now) {
		d.send([]byte{opPing})
		d.wakeTimer.Fire(now)
		d.pendingJumpAt = now.Add(200 * time.Millisecond)
	}
	if !d.pendingJumpAt.IsZero() && !now.Before(d.pendingJumpAt) {
		d.send([]byte{opJumpToFirmware})
		d.pendingJumpAt = time.Time{}
	}
}

func (d *Driver) computeTarget(cfg *config.Config, side config.Side, now time.Time) Target {
	if cfg.AwayMode {
		return Target{}
	}
	profile := cfg.Profile.For(side)
	if !profile.Enabled() {
		return Target{}
	}
	loc := cfg.Location()
	sleepDt := profile.Sleep.On(now, loc)
	wakeDt := profile.Wake.On(now, loc)
	if profile.Sleep.Hour*60+profile.Sleep.Minute > profile.Wake.Hour*60+profile.Wake.Minute {
		if now.Before(wakeDt) {
			sleepDt = sleepDt.AddDate(0, 0, -1)
		} else {
			wakeDt = wakeDt.AddDate(0, 0, 1)
		}
	}
	centi, ok := interp.CentiCelsius(profile.Temperatures, sleepDt, wakeDt, now)
	if !ok {
		return Target{}
	}
	return Target{Enabled: true, CentiCelsius: centi}
}

func (d *Driver) sendSetTarget(side config.Side, t Target) {
	payload := make([]byte, 5)
	payload[0] = opSetTargetTemp
	payload[1] = byte(side)
	if t.Enabled {
		payload[2] = 1
	}
	binary.BigEndian.PutUint16(payload[3:5], t.CentiCelsius)
	d.send(payload)
}

func (d *Driver) reconcilePrime(cfg *config.Config, now time.Time) {
	if cfg.AwayMode || cfg.PrimeTime == nil {
		return
	}
	promptAt := cfg.PrimeTime.On(now, cfg.Location())
	if delta := promptAt.Sub(now); delta < -30*time.Second || delta > 30*time.Second {
		return
	}
	if now.YearDay() == d.lastPrimeDay {
		return
	}
	if !d.primeTimer.Due(now) {
		return
	}
	d.sendPrime(now)
}

func (d *Driver) sendPrime(now time.Time) {
	d.send([]byte{opPrime})
	d.primeTimer.Fire(now)
	d.lastPrimeDay = now.YearDay()
}

// SetTemperature implements scheduler.Sink: the scheduler pushes a new
// segment immediately instead of waiting for the next 10-second
// reconciliation window. The command runs on the driver goroutine.
func (d *Driver) SetTemperature(side config.Side, centiCelsius uint16) {
	d.enqueue("set temperature", func() {
		d.sendSetTarget(side, Target{Enabled: true, CentiCelsius: centiCelsius})
	})
}

// Prime implements scheduler.Sink.
func (d *Driver) Prime() {
	d.enqueue("prime", func() {
		d.sendPrime(d.now())
	})
}
