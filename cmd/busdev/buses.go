package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/busdev"
	"github.com/mklimuk/busdev/adapter"
	"github.com/mklimuk/busdev/bustest"
	"github.com/mklimuk/busdev/i2c"
	"github.com/mklimuk/busdev/spi"
	"github.com/mklimuk/busdev/topology"
)

// Bus drivers
const (
	driverPeriph   = "periph"
	driverMCP2221  = "mcp2221"
	driverGobot    = "gobot"
	driverLoopback = "loopback"
)

// opened keeps every adapter the topology needed so they can be closed.
type opened struct {
	buses   topology.Buses
	closers []io.Closer
	mcp     map[int]*adapter.MCP2221
	neo     *nanopi.Adaptor
}

func openBuses(ctx context.Context, cfg *topology.Config) (*opened, error) {
	o := &opened{
		buses: topology.Buses{
			I2C: make(map[string]busdev.I2CBus),
			SPI: make(map[string]busdev.SPIBus),
		},
		mcp: make(map[int]*adapter.MCP2221),
	}
	o.buses.Pin = o.pin
	for _, bc := range cfg.Buses {
		if err := o.open(ctx, bc); err != nil {
			return nil, errors.Join(fmt.Errorf("bus %q: %w", bc.Name, err), o.Close())
		}
	}
	return o, nil
}

func (o *opened) open(ctx context.Context, bc topology.BusConfig) error {
	var speed physic.Frequency
	if bc.Speed != "" {
		if err := speed.Set(bc.Speed); err != nil {
			return fmt.Errorf("invalid speed %q: %w", bc.Speed, err)
		}
	}
	switch bc.Driver + "/" + bc.Kind {
	case driverPeriph + "/i2c":
		bus, err := i2c.Open(bc.Device)
		if err != nil {
			return err
		}
		o.closers = append(o.closers, bus)
		if speed != 0 {
			if err := bus.SetSpeed(speed); err != nil {
				return err
			}
		}
		o.buses.I2C[bc.Name] = bus
	case driverPeriph + "/spi":
		cs := make(map[busdev.Line]string, len(bc.Select))
		for line, pin := range bc.Select {
			cs[busdev.Line(line)] = pin
		}
		bus, err := spi.Open(bc.Device, speed, cs)
		if err != nil {
			return err
		}
		o.closers = append(o.closers, bus)
		o.buses.SPI[bc.Name] = bus
	case driverMCP2221 + "/i2c":
		index, err := intParam(bc, "index", -1)
		if err != nil {
			return err
		}
		m, err := o.bridge(ctx, index)
		if err != nil {
			return err
		}
		o.buses.I2C[bc.Name] = m
	case driverGobot + "/i2c":
		number, err := intParam(bc, "bus", -1)
		if err != nil {
			return err
		}
		neo, err := o.nanopi()
		if err != nil {
			return err
		}
		bus := adapter.NewGobotI2C(neo, number)
		o.closers = append(o.closers, bus)
		o.buses.I2C[bc.Name] = bus
	case driverGobot + "/spi":
		number, err := intParam(bc, "bus", -1)
		if err != nil {
			return err
		}
		neo, err := o.nanopi()
		if err != nil {
			return err
		}
		var opts []adapter.GobotSPIOption
		if speed != 0 {
			opts = append(opts, adapter.WithSPISpeed(int64(speed/physic.Hertz)))
		}
		bus := adapter.NewGobotSPI(neo, number, opts...)
		o.closers = append(o.closers, bus)
		o.buses.SPI[bc.Name] = bus
	case driverLoopback + "/i2c":
		o.buses.I2C[bc.Name] = bustest.NewI2C()
	case driverLoopback + "/spi":
		o.buses.SPI[bc.Name] = bustest.NewSPI()
	default:
		return fmt.Errorf("%w: no %s driver %q", busdev.ErrInvalidTopology, bc.Kind, bc.Driver)
	}
	slog.Debug("bus opened", "name", bc.Name, "kind", bc.Kind, "driver", bc.Driver, "device", bc.Device)
	return nil
}

func (o *opened) bridge(ctx context.Context, index int) (*adapter.MCP2221, error) {
	if m, ok := o.mcp[index]; ok {
		return m, nil
	}
	m := adapter.NewMCP2221(adapter.WithDeviceIndex(index))
	if err := m.Init(ctx); err != nil {
		return nil, err
	}
	o.mcp[index] = m
	return m, nil
}

func (o *opened) nanopi() (*nanopi.Adaptor, error) {
	if o.neo != nil {
		return o.neo, nil
	}
	neo := nanopi.NewNeoAdaptor()
	if err := neo.Connect(); err != nil {
		return nil, fmt.Errorf("adaptor connect error: %w", err)
	}
	o.neo = neo
	return neo, nil
}

// pin resolves an enable line. "mcp2221:GP<n>" names a pin of the first
// bridge, anything else is looked up in the periph GPIO registry.
func (o *opened) pin(name string) (gpio.PinOut, error) {
	if rest, ok := strings.CutPrefix(name, "mcp2221:GP"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid bridge pin %q", name)
		}
		m, err := o.bridge(context.Background(), -1)
		if err != nil {
			return nil, err
		}
		return m.Pin(n), nil
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("%w: unknown gpio pin %q", busdev.ErrInvalidTopology, name)
	}
	return p, nil
}

func (o *opened) Close() error {
	var errs []error
	for i := len(o.closers) - 1; i >= 0; i-- {
		errs = append(errs, o.closers[i].Close())
	}
	if o.neo != nil {
		errs = append(errs, o.neo.Finalize())
	}
	return errors.Join(errs...)
}

func intParam(bc topology.BusConfig, key string, def int) (int, error) {
	v, ok := bc.Params[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return int(n), nil
}
