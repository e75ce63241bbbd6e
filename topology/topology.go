package topology

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/gpio"

	"github.com/mklimuk/busdev"
	"github.com/mklimuk/busdev/device"
)

// Buses holds the opened bus handles by configured name.
type Buses struct {
	I2C map[string]busdev.I2CBus
	SPI map[string]busdev.SPIBus
	// Pin resolves enable line names, nil when the topology uses none.
	Pin func(name string) (gpio.PinOut, error)
}

type Topology struct {
	reg     *device.Registry
	devices []device.Device
	names   []string
	byName  map[string]device.Device
}

// Build registers every configured device. On failure the devices created
// so far are released.
func Build(reg *device.Registry, cfg *Config, buses Buses) (*Topology, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Topology{reg: reg, byName: make(map[string]device.Device, len(cfg.Devices))}
	for _, dc := range cfg.Devices {
		d, err := t.create(cfg, dc, buses)
		if err != nil {
			if cerr := t.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
			return nil, fmt.Errorf("device %q: %w", dc.Name, err)
		}
		t.devices = append(t.devices, d)
		t.names = append(t.names, dc.Name)
		t.byName[dc.Name] = d
	}
	return t, nil
}

func (t *Topology) create(cfg *Config, dc DeviceConfig, buses Buses) (device.Device, error) {
	role, _ := device.ParseRole(dc.Role)
	opts := []device.Option{device.WithName(dc.Name), device.WithRole(role)}
	if dc.RegisterWidth > 0 {
		opts = append(opts, device.WithRegisterWidth(dc.RegisterWidth))
	}
	if dc.Probe != nil {
		opts = append(opts, device.WithProbe(dc.Probe.Register, dc.Probe.Expect))
	}
	if dc.PEC {
		opts = append(opts, device.WithPEC())
	}
	if dc.Mux != "" {
		opts = append(opts, device.WithMux(t.byName[dc.Mux], dc.Channel))
	}
	var pin gpio.PinOut
	if dc.Enable != "" {
		if buses.Pin == nil {
			return device.Device{}, fmt.Errorf("%w: no gpio resolver for enable line %q", busdev.ErrInvalidTopology, dc.Enable)
		}
		var err error
		pin, err = buses.Pin(dc.Enable)
		if err != nil {
			return device.Device{}, fmt.Errorf("enable line %q: %w", dc.Enable, err)
		}
		opts = append(opts, device.WithEnableLine(pin))
	}
	d, err := t.createOn(cfg, dc, buses, opts)
	if err != nil && pin != nil {
		// the device never took ownership of the line
		if perr := pin.Out(gpio.Low); perr != nil {
			err = errors.Join(err, fmt.Errorf("could not disable enable line %q: %w", dc.Enable, perr))
		}
	}
	return d, err
}

func (t *Topology) createOn(cfg *Config, dc DeviceConfig, buses Buses, opts []device.Option) (device.Device, error) {
	bc, _ := cfg.Bus(dc.Bus)
	switch bc.Kind {
	case "i2c":
		bus, ok := buses.I2C[dc.Bus]
		if !ok {
			return device.Device{}, fmt.Errorf("%w: i2c bus %q is not open", busdev.ErrInvalidTopology, dc.Bus)
		}
		return t.reg.CreateI2C(bus, byte(*dc.Address), opts...)
	default:
		bus, ok := buses.SPI[dc.Bus]
		if !ok {
			return device.Device{}, fmt.Errorf("%w: spi bus %q is not open", busdev.ErrInvalidTopology, dc.Bus)
		}
		return t.reg.CreateSPI(bus, busdev.Line(*dc.Select), opts...)
	}
}

func (t *Topology) Device(name string) (device.Device, bool) {
	d, ok := t.byName[name]
	return d, ok
}

// Devices returns the devices in declaration order.
func (t *Topology) Devices() []device.Device {
	return append([]device.Device(nil), t.devices...)
}

func (t *Topology) Names() []string {
	return append([]string(nil), t.names...)
}

// Close releases dependents before their multiplexers.
func (t *Topology) Close() error {
	var errs []error
	for i := len(t.devices) - 1; i >= 0; i-- {
		if err := t.devices[i].Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %q: %w", t.names[i], err))
		}
	}
	t.devices, t.names = nil, nil
	clear(t.byName)
	return errors.Join(errs...)
}
