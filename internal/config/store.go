package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Store persists a Config document as JSON. The upstream project wrote
// two generations of config, an older one on JSON and a newer one on
// RON; with no RON library available, JSON is kept throughout.
type Store struct {
	Path string
}

func NewStore(path string) *Store {
	return &Store{Path: path}
}

func (s *Store) Load() (*Config, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", s.Path, err)
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", s.Path, err)
	}
	return &c, nil
}

func (s *Store) Save(c *Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(s.Path, b, 0o644); err != nil {
		return fmt.Errorf("config: save %s: %w", s.Path, err)
	}
	return nil
}

// Default returns a minimal Solo configuration.
func Default() *Config {
	return &Config{
		Timezone: "UTC",
		Profile: Profile{
			Mode: Solo,
			Solo: SideProfile{
				Temperatures: []float64{27, 24, 26},
				Sleep:        ClockTime{Hour: 22, Minute: 0},
				Wake:         ClockTime{Hour: 7, Minute: 0},
			},
		},
		LED: LEDConfig{Idle: LedBlue, Active: LedBlueFire},
	}
}
