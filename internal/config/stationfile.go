package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StationFile describes the relay bank and the PM2.5 automation.
type StationFile struct {
	Relays RelaysConfig `yaml:"relays"`
	Auto   AutoConfig   `yaml:"auto"`
}

type RelaysConfig struct {
	// Backend is "auto", "gpio" or "mock".
	Backend   string     `yaml:"backend"`
	ActiveLow *bool      `yaml:"active_low"`
	Pins      []RelayPin `yaml:"pins"`
}

type RelayPin struct {
	Pin  int    `yaml:"pin"`
	Name string `yaml:"name"`
}

type AutoConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Pin         int     `yaml:"pin"`
	Sensor      string  `yaml:"sensor"`
	Field       string  `yaml:"field"`
	OnThreshold float64 `yaml:"on_threshold"`
	Hysteresis  float64 `yaml:"hysteresis"`
}

// IsActiveLow defaults to true: the usual 4-channel boards switch on a LOW input.
func (r RelaysConfig) IsActiveLow() bool {
	return r.ActiveLow == nil || *r.ActiveLow
}

// LoadStationFile reads path, or returns the defaults when path is empty.
func LoadStationFile(path string) (StationFile, error) {
	var sf StationFile
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return StationFile{}, fmt.Errorf("read station file: %w", err)
		}
		if err := yaml.Unmarshal(b, &sf); err != nil {
			return StationFile{}, fmt.Errorf("parse station file %s: %w", path, err)
		}
	}
	sf.applyDefaults()
	if err := sf.validate(); err != nil {
		return StationFile{}, fmt.Errorf("station file: %w", err)
	}
	return sf, nil
}

func (sf *StationFile) applyDefaults() {
	if sf.Relays.Backend == "" {
		sf.Relays.Backend = "auto"
	}
	if len(sf.Relays.Pins) == 0 {
		for i, pin := range []int{17, 18, 27, 22} {
			sf.Relays.Pins = append(sf.Relays.Pins, RelayPin{Pin: pin, Name: fmt.Sprintf("Relay %d", i+1)})
		}
	}
	for i := range sf.Relays.Pins {
		if sf.Relays.Pins[i].Name == "" {
			sf.Relays.Pins[i].Name = fmt.Sprintf("GPIO%d", sf.Relays.Pins[i].Pin)
		}
	}
	if sf.Auto.Pin == 0 {
		sf.Auto.Pin = sf.Relays.Pins[0].Pin
	}
	if sf.Auto.Sensor == "" {
		sf.Auto.Sensor = "indoor"
	}
	if sf.Auto.Field == "" {
		sf.Auto.Field = "pm25"
	}
	if sf.Auto.OnThreshold == 0 {
		sf.Auto.OnThreshold = 35
	}
	if sf.Auto.Hysteresis == 0 {
		sf.Auto.Hysteresis = 5
	}
}

func (sf StationFile) validate() error {
	switch sf.Relays.Backend {
	case "auto", "gpio", "mock":
	default:
		return fmt.Errorf("invalid relays.backend %q (allowed: auto, gpio, mock)", sf.Relays.Backend)
	}
	seen := make(map[int]bool, len(sf.Relays.Pins))
	for _, p := range sf.Relays.Pins {
		if p.Pin <= 0 || p.Pin > 27 {
			return fmt.Errorf("relay pin %d out of BCM range 1..27", p.Pin)
		}
		if seen[p.Pin] {
			return fmt.Errorf("relay pin %d listed twice", p.Pin)
		}
		seen[p.Pin] = true
	}
	if sf.Auto.Enabled && !seen[sf.Auto.Pin] {
		return fmt.Errorf("auto.pin %d is not a configured relay", sf.Auto.Pin)
	}
	if sf.Auto.Hysteresis < 0 {
		return errors.New("auto.hysteresis must be >= 0")
	}
	if sf.Auto.Hysteresis > sf.Auto.OnThreshold {
		return errors.New("auto.hysteresis must not exceed auto.on_threshold")
	}
	return nil
}
