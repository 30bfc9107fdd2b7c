package sensor

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stapelberg/opensleepd/internal/config"
	"github.com/stapelberg/opensleepd/internal/packet"
	"github.com/stapelberg/opensleepd/internal/presence"
)

type fakePort struct {
	wr bytes.Buffer
}

func (p *fakePort) Read([]byte) (int, error)    { return 0, io.EOF }
func (p *fakePort) Write(b []byte) (int, error) { return p.wr.Write(b) }

func (p *fakePort) writtenFrames(t *testing.T) [][]byte {
	t.Helper()
	r := packet.NewReader(bytes.NewReader(p.wr.Bytes()))
	var frames [][]byte
	for {
		f, err := r.ReadFrame()
		if err != nil {
			return frames
		}
		frames = append(frames, f)
	}
}

func couplesConfig() *config.Config {
	return &config.Config{
		Timezone: "UTC",
		Profile: config.Profile{
			Mode: config.Couples,
			Left: config.SideProfile{
				Temperatures: []float64{26},
				Sleep:        config.ClockTime{Hour: 22, Minute: 0},
				Wake:         config.ClockTime{Hour: 7, Minute: 0},
				Alarm: &config.AlarmConfig{
					Pattern:   "rise",
					Intensity: 60,
					Duration:  60 * time.Second,
					Offset:    300 * time.Second,
				},
			},
			Right: config.SideProfile{
				Temperatures: []float64{24},
				Sleep:        config.ClockTime{Hour: 22, Minute: 0},
				Wake:         config.ClockTime{Hour: 7, Minute: 0},
			},
		},
	}
}

func testDriver(cfg *config.Config) (*Driver, *fakePort) {
	port := &fakePort{}
	d := New(port, config.NewBus(cfg), presence.New(config.PresenceConfig{Threshold: 50, DebounceCount: 5}), nil)
	return d, port
}

func capacitanceFrame(seq byte, values [6]uint16) []byte {
	f := []byte{respCapacitance, seq}
	for ch, v := range values {
		f = append(f, byte(ch))
		f = binary.BigEndian.AppendUint16(f, v)
	}
	return f
}

func TestHandleCapacitanceFeedsPresence(t *testing.T) {
	d, _ := testDriver(couplesConfig())
	det := d.presence

	// 5 consecutive above-threshold samples on channel 0 debounce into
	// left-present.
	for i := 0; i < 5; i++ {
		d.handle(capacitanceFrame(byte(i), [6]uint16{200, 0, 0, 0, 0, 0}))
	}
	if !det.State().LeftPresent {
		t.Error("expected left present after 5 samples above threshold")
	}
	if det.State().RightPresent {
		t.Error("right should not be present")
	}
}

func TestHandleCapacitanceIndexMismatchDropped(t *testing.T) {
	d, _ := testDriver(couplesConfig())
	f := capacitanceFrame(0, [6]uint16{200, 200, 200, 200, 200, 200})
	f[5] = 9 // corrupt the second channel index
	for i := 0; i < 10; i++ {
		d.handle(f)
	}
	if d.presence.State().InBed {
		t.Error("corrupt frames must not reach the presence detector")
	}
}

func TestHandleTemperature(t *testing.T) {
	d, _ := testDriver(couplesConfig())
	f := []byte{respTemperature, 7}
	for i := 0; i < 11; i++ {
		f = append(f, byte(i))
		f = binary.BigEndian.AppendUint16(f, uint16(2000+i))
	}
	d.handle(f)

	temps := d.Snapshot().Temperatures
	if temps == nil {
		t.Fatal("no temperatures recorded")
	}
	if temps.Cells[0] != 2000 || temps.Cells[7] != 2007 {
		t.Errorf("cells: got %v", temps.Cells)
	}
	if temps.Ambient != 2008 || temps.Humidity != 2009 || temps.MCU != 2010 {
		t.Errorf("ambient/humidity/mcu: got %d/%d/%d", temps.Ambient, temps.Humidity, temps.MCU)
	}
}

func TestAlarmRunningDerivation(t *testing.T) {
	cases := []struct {
		msg  string
		side config.Side
		want bool
	}{
		{"FW: alarm[left] start: pattern rise", config.Left, true},
		{"FW: alarm[left] off", config.Left, false},
		{"FW: alarm[right] new sequence run. ramp power to 60", config.Right, true},
		{"FW: alarm[right] no longer running (max duration)", config.Right, false},
	}
	d, _ := testDriver(couplesConfig())
	for _, c := range cases {
		d.handle(append([]byte{respMessage}, c.msg...))
		if got := d.Snapshot().AlarmRunning[c.side]; got != c.want {
			t.Errorf("%q: alarm_running[%v] = %v, want %v", c.msg, c.side, got, c.want)
		}
	}
}

func TestHandlePongAndInit(t *testing.T) {
	d, port := testDriver(couplesConfig())
	d.handle([]byte{respPong, pongBootloader})
	if d.Snapshot().Mode != Bootloader {
		t.Errorf("mode: got %v, want bootloader", d.Snapshot().Mode)
	}
	frames := port.writtenFrames(t)
	if len(frames) != 1 || frames[0][0] != opJumpToFirmware {
		t.Errorf("expected JumpToFirmware, got % x", frames)
	}

	// Both observed init frame lengths mark the transition.
	d.setMode(Bootloader)
	init10 := make([]byte, 10)
	init10[0] = respInit
	d.handle(init10)
	if d.Snapshot().Mode != Firmware {
		t.Error("10-byte init frame should mark firmware mode")
	}
	d.setMode(Bootloader)
	init11 := make([]byte, 11)
	init11[0] = respInit
	d.handle(init11)
	if d.Snapshot().Mode != Firmware {
		t.Error("11-byte init frame should mark firmware mode")
	}
}

func TestAlarmWindow(t *testing.T) {
	cfg := couplesConfig()
	d, port := testDriver(cfg)
	d.mu.Lock()
	d.state.VibrationEnabled = true
	d.mu.Unlock()

	countAlarms := func() (set, clear int) {
		for _, f := range port.writtenFrames(t) {
			switch f[0] {
			case opSetAlarm:
				set++
			case opClearAlarm:
				clear++
			}
		}
		return
	}

	// Wake 07:00, offset 300s: the window opens at 06:55:00.
	before := time.Date(2026, 3, 10, 6, 54, 59, 0, time.UTC)
	d.reconcileAlarm(cfg, config.Left, true, before)
	if set, _ := countAlarms(); set != 0 {
		t.Fatalf("before window: got %d SetAlarm frames, want 0", set)
	}

	inside := time.Date(2026, 3, 10, 6, 55, 1, 0, time.UTC)
	d.reconcileAlarm(cfg, config.Left, true, inside)
	set, _ := countAlarms()
	if set != 1 {
		t.Fatalf("inside window: got %d SetAlarm frames, want 1", set)
	}
	frames := port.writtenFrames(t)
	last := frames[len(frames)-1]
	if last[1] != byte(config.Left) || last[2] != 60 || binary.BigEndian.Uint32(last[4:8]) != 60 {
		t.Errorf("SetAlarm payload: got % x", last)
	}

	// After the window, ClearAlarm fires only once alarm_running has
	// been observed true.
	after := time.Date(2026, 3, 10, 6, 56, 1, 0, time.UTC)
	d.reconcileAlarm(cfg, config.Left, true, after)
	if _, clear := countAlarms(); clear != 0 {
		t.Fatal("ClearAlarm must wait for alarm_running to be observed")
	}
	d.handle(append([]byte{respMessage}, "FW: alarm[left] start: pattern rise"...))
	d.reconcileAlarm(cfg, config.Left, true, after)
	if _, clear := countAlarms(); clear != 1 {
		t.Errorf("got %d ClearAlarm frames, want 1", clear)
	}
}

func TestAlarmSuppressedInAwayModeAndWithoutVibration(t *testing.T) {
	cfg := couplesConfig()
	d, port := testDriver(cfg)
	inside := time.Date(2026, 3, 10, 6, 55, 1, 0, time.UTC)

	d.reconcileAlarm(cfg, config.Left, false, inside)
	if got := len(port.writtenFrames(t)); got != 0 {
		t.Errorf("vibration disabled: got %d frames, want 0", got)
	}

	cfg.AwayMode = true
	d.reconcileAlarm(cfg, config.Left, true, inside)
	if got := len(port.writtenFrames(t)); got != 0 {
		t.Errorf("away mode: got %d frames, want 0", got)
	}
}

func TestDiscoveryTogglesBaudAfterThreeAttempts(t *testing.T) {
	port := &fakePort{}
	var bauds []Baud
	d := New(port, config.NewBus(couplesConfig()), nil, func(b Baud) error {
		bauds = append(bauds, b)
		return nil
	})

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		d.discover(now.Add(time.Duration(i) * 500 * time.Millisecond))
	}
	if got := len(port.writtenFrames(t)); got != 8 {
		t.Errorf("got %d pings, want 8", got)
	}
	// Attempts 4 and 7 flip the rate: bootloader -> firmware -> back.
	if len(bauds) != 2 || bauds[0] != BaudFirmware || bauds[1] != BaudBootloader {
		t.Errorf("baud toggles: got %v", bauds)
	}
}
