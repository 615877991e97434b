package relay

import (
	"log/slog"

	"pm25-station/internal/config"
	"pm25-station/internal/telemetry"
)

// AutoController switches one relay on when a reading reaches OnThreshold
// and back off once it falls below OnThreshold-Hysteresis.
type AutoController struct {
	bank   *Bank
	cfg    config.AutoConfig
	logger *slog.Logger
}

func NewAutoController(bank *Bank, cfg config.AutoConfig, logger *slog.Logger) *AutoController {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoController{bank: bank, cfg: cfg, logger: logger}
}

// Decide returns the next relay state for value v. NaN keeps the current state.
func (c *AutoController) Decide(on bool, v float64) bool {
	if telemetry.IsUnavailable(v) {
		return on
	}
	if on {
		return v >= c.cfg.OnThreshold-c.cfg.Hysteresis
	}
	return v >= c.cfg.OnThreshold
}

// Observe feeds one tick's values for sensor. It reports whether the relay changed.
func (c *AutoController) Observe(sensor string, values telemetry.Values) (bool, error) {
	if sensor != c.cfg.Sensor {
		return false, nil
	}
	v, ok := values[c.cfg.Field]
	if !ok {
		return false, nil
	}
	on, err := c.bank.IsOn(c.cfg.Pin)
	if err != nil {
		return false, err
	}
	next := c.Decide(on, v)
	if next == on {
		return false, nil
	}
	c.logger.Info("auto relay threshold crossed",
		"pin", c.cfg.Pin,
		"sensor", sensor,
		"field", c.cfg.Field,
		"value", v,
		"on", next,
	)
	if err := c.bank.Set(c.cfg.Pin, next); err != nil {
		return false, err
	}
	return true, nil
}
