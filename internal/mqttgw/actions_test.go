package mqttgw

import (
	"testing"
	"time"

	"github.com/stapelberg/opensleepd/internal/config"
)

func soloConfig() *config.Config {
	return &config.Config{
		Profile: config.Profile{
			Mode: config.Solo,
			Solo: config.SideProfile{Temperatures: []float64{-5, 0, -5}},
		},
	}
}

func couplesConfig() *config.Config {
	return &config.Config{
		Profile: config.Profile{
			Mode:  config.Couples,
			Left:  config.SideProfile{Temperatures: []float64{-5, 0, -5}},
			Right: config.SideProfile{Temperatures: []float64{-5, 0, -5}},
		},
	}
}

func TestParseSetProfileSoloBoth(t *testing.T) {
	cfg := soloConfig()
	if err := parseSetProfile(cfg, "both.sleep=22:30"); err != nil {
		t.Fatal(err)
	}
	if cfg.Profile.Solo.Sleep != (config.ClockTime{Hour: 22, Minute: 30}) {
		t.Errorf("got %+v", cfg.Profile.Solo.Sleep)
	}
}

func TestParseSetProfileRejectsBothInCouples(t *testing.T) {
	cfg := couplesConfig()
	err := parseSetProfile(cfg, "both.sleep=22:30")
	if err == nil {
		t.Fatal("expected error")
	}
	want := "Cannot modify profile in `couples` mode using target `both`; use `left` or `right`"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestParseSetProfileRejectsLeftInSolo(t *testing.T) {
	cfg := soloConfig()
	err := parseSetProfile(cfg, "left.sleep=22:30")
	if err == nil {
		t.Fatal("expected error")
	}
	want := "Cannot modify profile in `solo` mode using target `left`; use `both` (`left` and `right` are only valid in `couples` mode)"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestParseSetProfileTemperatures(t *testing.T) {
	cfg := couplesConfig()
	if err := parseSetProfile(cfg, "left.temperatures=-10,0,10"); err != nil {
		t.Fatal(err)
	}
	want := []float64{-10, 0, 10}
	got := cfg.Profile.Left.Temperatures
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestParseSetProfileAlarm(t *testing.T) {
	cfg := soloConfig()
	if err := parseSetProfile(cfg, "both.alarm=rise,50,100,300"); err != nil {
		t.Fatal(err)
	}
	a := cfg.Profile.Solo.Alarm
	if a == nil {
		t.Fatal("expected alarm set")
	}
	if a.Pattern != "rise" || a.Intensity != 50 || a.Duration != 100*time.Second || a.Offset != 300*time.Second {
		t.Errorf("got %+v", a)
	}
}

func TestParseSetProfileAlarmDisabled(t *testing.T) {
	cfg := soloConfig()
	cfg.Profile.Solo.Alarm = &config.AlarmConfig{Pattern: "rise"}
	if err := parseSetProfile(cfg, "both.alarm=disabled"); err != nil {
		t.Fatal(err)
	}
	if cfg.Profile.Solo.Alarm != nil {
		t.Errorf("expected alarm cleared, got %+v", cfg.Profile.Solo.Alarm)
	}
}

func TestParseSetPresenceConfigRequiresExistingCalibration(t *testing.T) {
	cfg := soloConfig()
	err := parseSetPresenceConfig(cfg, "threshold=60")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestParseSetPresenceConfigUpdatesFields(t *testing.T) {
	cfg := soloConfig()
	cfg.Presence = &config.PresenceConfig{Threshold: 50, DebounceCount: 5}
	if err := parseSetPresenceConfig(cfg, "threshold=60"); err != nil {
		t.Fatal(err)
	}
	if cfg.Presence.Threshold != 60 {
		t.Errorf("got %d", cfg.Presence.Threshold)
	}
	if err := parseSetPresenceConfig(cfg, "debounce_count=8"); err != nil {
		t.Fatal(err)
	}
	if cfg.Presence.DebounceCount != 8 {
		t.Errorf("got %d", cfg.Presence.DebounceCount)
	}
}
