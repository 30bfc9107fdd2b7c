package mqttgw

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stapelberg/opensleepd/internal/config"
)

// parseSetProfile implements the "TARGET.FIELD=VALUE" grammar for
// opensleep/actions/set_profile.
func parseSetProfile(cfg *config.Config, payload string) error {
	dot := strings.IndexByte(payload, '.')
	eq := strings.IndexByte(payload, '=')
	if dot < 0 || eq < 0 || eq < dot {
		return fmt.Errorf("set_profile: malformed payload %q, want TARGET.FIELD=VALUE", payload)
	}
	target := payload[:dot]
	field := payload[dot+1 : eq]
	value := payload[eq+1:]

	sides, err := resolveTargets(cfg, target)
	if err != nil {
		return err
	}

	for _, side := range sides {
		if err := applyProfileField(cfg, side, field, value); err != nil {
			return err
		}
	}
	return nil
}

// resolveTargets validates TARGET against the active profile mode:
// "both" is only valid in Solo, "left"/"right" only in Couples.
func resolveTargets(cfg *config.Config, target string) ([]config.Side, error) {
	switch target {
	case "both":
		if cfg.Profile.Mode != config.Solo {
			return nil, fmt.Errorf("Cannot modify profile in `couples` mode using target `both`; use `left` or `right`")
		}
		return []config.Side{config.Left, config.Right}, nil
	case "left":
		if cfg.Profile.Mode != config.Couples {
			return nil, fmt.Errorf("Cannot modify profile in `solo` mode using target `left`; use `both` (`left` and `right` are only valid in `couples` mode)")
		}
		return []config.Side{config.Left}, nil
	case "right":
		if cfg.Profile.Mode != config.Couples {
			return nil, fmt.Errorf("Cannot modify profile in `solo` mode using target `right`; use `both` (`left` and `right` are only valid in `couples` mode)")
		}
		return []config.Side{config.Right}, nil
	default:
		return nil, fmt.Errorf("set_profile: unknown target %q", target)
	}
}

func sideProfile(cfg *config.Config, side config.Side) *config.SideProfile {
	if cfg.Profile.Mode == config.Solo {
		return &cfg.Profile.Solo
	}
	if side == config.Left {
		return &cfg.Profile.Left
	}
	return &cfg.Profile.Right
}

func applyProfileField(cfg *config.Config, side config.Side, field, value string) error {
	sp := sideProfile(cfg, side)
	switch field {
	case "sleep":
		ct, err := config.ParseClockTime(value)
		if err != nil {
			return err
		}
		sp.Sleep = ct
	case "wake":
		ct, err := config.ParseClockTime(value)
		if err != nil {
			return err
		}
		sp.Wake = ct
	case "temperatures":
		temps, err := parseTemperatures(value)
		if err != nil {
			return err
		}
		sp.Temperatures = temps
	case "alarm":
		if value == "disabled" {
			sp.Alarm = nil
			return nil
		}
		alarm, err := parseAlarm(value)
		if err != nil {
			return err
		}
		sp.Alarm = alarm
	default:
		return fmt.Errorf("set_profile: unknown field %q", field)
	}
	return nil
}

func parseTemperatures(value string) ([]float64, error) {
	parts := strings.Split(value, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("set_profile: invalid temperature %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// parseAlarm parses "pattern,intensity,duration,offset" where duration
// and offset are seconds.
func parseAlarm(value string) (*config.AlarmConfig, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("set_profile: alarm wants pattern,intensity,duration,offset, got %q", value)
	}
	intensity, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("set_profile: invalid alarm intensity: %w", err)
	}
	duration, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return nil, fmt.Errorf("set_profile: invalid alarm duration: %w", err)
	}
	offset, err := strconv.Atoi(strings.TrimSpace(parts[3]))
	if err != nil {
		return nil, fmt.Errorf("set_profile: invalid alarm offset: %w", err)
	}
	return &config.AlarmConfig{
		Pattern:   strings.TrimSpace(parts[0]),
		Intensity: intensity,
		Duration:  time.Duration(duration) * time.Second,
		Offset:    time.Duration(offset) * time.Second,
	}, nil
}

// parseSetPresenceConfig implements "FIELD=VALUE" for
// opensleep/actions/set_presence_config.
func parseSetPresenceConfig(cfg *config.Config, payload string) error {
	if cfg.Presence == nil {
		return fmt.Errorf("set_presence_config: no calibration exists yet; run calibrate first")
	}
	eq := strings.IndexByte(payload, '=')
	if eq < 0 {
		return fmt.Errorf("set_presence_config: malformed payload %q, want FIELD=VALUE", payload)
	}
	field, value := payload[:eq], payload[eq+1:]
	switch field {
	case "threshold":
		v, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("set_presence_config: invalid threshold: %w", err)
		}
		cfg.Presence.Threshold = uint16(v)
	case "debounce_count":
		v, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return fmt.Errorf("set_presence_config: invalid debounce_count: %w", err)
		}
		cfg.Presence.DebounceCount = uint8(v)
	default:
		return fmt.Errorf("set_presence_config: unknown field %q", field)
	}
	return nil
}
