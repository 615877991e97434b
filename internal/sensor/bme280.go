package sensor

import (
	"context"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"
	"periph.io/x/host/v3"

	"pm25-station/internal/telemetry"
)

// BME280Provider reads temperature, humidity and pressure over I2C.
type BME280Provider struct {
	// Bus is the periph bus name; empty selects the default (usually /dev/i2c-1).
	Bus     string
	Address uint16
}

func (p BME280Provider) Name() string { return fmt.Sprintf("bme280@%#02x", p.Address) }

func (p BME280Provider) Open(ctx context.Context) (Reader, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%w: host init: %v", ErrUnavailable, err)
	}
	bus, err := i2creg.Open(p.Bus)
	if err != nil {
		return nil, fmt.Errorf("%w: open i2c bus %q: %v", ErrUnavailable, p.Bus, err)
	}
	dev, err := bmxx80.NewI2C(bus, p.Address, &bmxx80.DefaultOpts)
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("%w: bme280 at %#02x: %v", ErrUnavailable, p.Address, err)
	}
	return &bme280Reader{bus: bus, dev: dev}, nil
}

type bme280Reader struct {
	mu  sync.Mutex
	bus i2c.BusCloser
	dev *bmxx80.Dev
}

func (r *bme280Reader) Read(ctx context.Context) (telemetry.Values, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var env physic.Env
	if err := r.dev.Sense(&env); err != nil {
		return telemetry.Unavailable(ClimateFields...), fmt.Errorf("%w: bme280 sense: %v", ErrUnavailable, err)
	}
	return climateValues(env), nil
}

func (r *bme280Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	haltErr := r.dev.Halt()
	if err := r.bus.Close(); err != nil {
		return err
	}
	return haltErr
}

// climateValues converts periph's fixed-point units to °C, %RH and hPa.
func climateValues(env physic.Env) telemetry.Values {
	return telemetry.Values{
		telemetry.FieldTempC:    env.Temperature.Celsius(),
		telemetry.FieldHumidity: float64(env.Humidity) / float64(physic.PercentRH),
		telemetry.FieldPressure: float64(env.Pressure) / float64(100*physic.Pascal),
	}
}
