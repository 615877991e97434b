package relay

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Driver sets the electrical level of BCM pins.
type Driver interface {
	Name() string
	Write(pin int, high bool) error
	Close() error
}

type gpioDriver struct {
	pins map[int]gpio.PinIO
}

// OpenGPIO claims pins through periph's registry.
func OpenGPIO(pins []int) (Driver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	d := &gpioDriver{pins: make(map[int]gpio.PinIO, len(pins))}
	for _, n := range pins {
		p := gpioreg.ByName(fmt.Sprintf("GPIO%d", n))
		if p == nil {
			return nil, fmt.Errorf("gpio pin %d not found", n)
		}
		d.pins[n] = p
	}
	return d, nil
}

func (d *gpioDriver) Name() string { return "gpio" }

func (d *gpioDriver) Write(pin int, high bool) error {
	p, ok := d.pins[pin]
	if !ok {
		return fmt.Errorf("gpio pin %d not claimed", pin)
	}
	level := gpio.Low
	if high {
		level = gpio.High
	}
	return p.Out(level)
}

func (d *gpioDriver) Close() error {
	var firstErr error
	for _, p := range d.pins {
		if err := p.Halt(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Mock keeps pin levels in memory.
type Mock struct {
	mu     sync.Mutex
	levels map[int]bool
	writes int
	closed bool
}

func NewMock() *Mock {
	return &Mock{levels: make(map[int]bool)}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Write(pin int, high bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock relay driver closed")
	}
	m.levels[pin] = high
	m.writes++
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Level returns the last level written to pin.
func (m *Mock) Level(pin int) (high, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	high, ok = m.levels[pin]
	return high, ok
}

func (m *Mock) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
