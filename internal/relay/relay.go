// Package relay switches the station's relay bank and drives one relay
// from a PM2.5 threshold.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"pm25-station/internal/config"
)

var ErrUnknownPin = errors.New("unknown relay pin")

type State struct {
	Pin  int    `json:"pin"`
	Name string `json:"name"`
	On   bool   `json:"on"`
}

// Bank tracks the logical on/off state of each relay.
type Bank struct {
	driver    Driver
	activeLow bool
	logger    *slog.Logger

	mu    sync.Mutex
	order []int
	names map[int]string
	on    map[int]bool
}

// NewBank switches every relay off before returning.
func NewBank(driver Driver, pins []config.RelayPin, activeLow bool, logger *slog.Logger) (*Bank, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bank{
		driver:    driver,
		activeLow: activeLow,
		logger:    logger,
		names:     make(map[int]string, len(pins)),
		on:        make(map[int]bool, len(pins)),
	}
	for _, p := range pins {
		b.order = append(b.order, p.Pin)
		b.names[p.Pin] = p.Name
		if err := b.write(p.Pin, false); err != nil {
			return nil, fmt.Errorf("init relay %d: %w", p.Pin, err)
		}
	}
	return b, nil
}

// Open resolves the relay backend once. "auto" prefers GPIO and falls back to
// the in-memory mock off the Pi.
func Open(cfg config.RelaysConfig, logger *slog.Logger) (*Bank, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pins := make([]int, 0, len(cfg.Pins))
	for _, p := range cfg.Pins {
		pins = append(pins, p.Pin)
	}

	var driver Driver
	switch cfg.Backend {
	case "mock":
		driver = NewMock()
	case "gpio":
		d, err := OpenGPIO(pins)
		if err != nil {
			return nil, fmt.Errorf("open gpio relays: %w", err)
		}
		driver = d
	default:
		d, err := OpenGPIO(pins)
		if err != nil {
			logger.Warn("gpio not available, relays are simulated", "error", err)
			driver = NewMock()
		} else {
			driver = d
		}
	}

	b, err := NewBank(driver, cfg.Pins, cfg.IsActiveLow(), logger)
	if err != nil {
		_ = driver.Close()
		return nil, err
	}
	logger.Info("relay bank ready",
		"backend", driver.Name(),
		"pins", pins,
		"active_low", cfg.IsActiveLow(),
	)
	return b, nil
}

func (b *Bank) write(pin int, on bool) error {
	if err := b.driver.Write(pin, on != b.activeLow); err != nil {
		return err
	}
	b.on[pin] = on
	return nil
}

func (b *Bank) Set(pin int, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.names[pin]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPin, pin)
	}
	if err := b.write(pin, on); err != nil {
		return fmt.Errorf("set relay %d: %w", pin, err)
	}
	b.logger.Info("relay switched", "pin", pin, "name", b.names[pin], "on", on)
	return nil
}

// Toggle flips pin and returns its new state.
func (b *Bank) Toggle(pin int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.names[pin]; !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownPin, pin)
	}
	next := !b.on[pin]
	if err := b.write(pin, next); err != nil {
		return b.on[pin], fmt.Errorf("toggle relay %d: %w", pin, err)
	}
	b.logger.Info("relay switched", "pin", pin, "name", b.names[pin], "on", next)
	return next, nil
}

func (b *Bank) SetAll(on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, pin := range b.order {
		if err := b.write(pin, on); err != nil {
			errs = append(errs, fmt.Errorf("relay %d: %w", pin, err))
		}
	}
	b.logger.Info("all relays switched", "on", on)
	return errors.Join(errs...)
}

func (b *Bank) IsOn(pin int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.names[pin]; !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownPin, pin)
	}
	return b.on[pin], nil
}

// States lists relays in configuration order.
func (b *Bank) States() []State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]State, 0, len(b.order))
	for _, pin := range b.order {
		out = append(out, State{Pin: pin, Name: b.names[pin], On: b.on[pin]})
	}
	return out
}

// Close switches every relay off and releases the pins.
func (b *Bank) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, pin := range b.order {
		if err := b.write(pin, false); err != nil {
			errs = append(errs, fmt.Errorf("relay %d: %w", pin, err))
		}
	}
	if err := b.driver.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
