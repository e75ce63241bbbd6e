// Package i2c exposes periph.io two-wire buses as busdev.I2CBus handles.
package i2c

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mklimuk/busdev"
	"github.com/mklimuk/busdev/busctx"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

var (
	_ busdev.I2CBus        = &GenericBus{}
	_ busdev.I2CTransactor = &GenericBus{}
)

type GenericBus struct {
	bus    i2c.BusCloser
	logger *slog.Logger
}

type Option func(*GenericBus)

func WithLogger(logger *slog.Logger) Option {
	return func(b *GenericBus) {
		b.logger = logger
	}
}

// Open initializes the host drivers and opens the named bus. An empty name
// opens the first bus found.
func Open(dev string, opts ...Option) (*GenericBus, error) {
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	bus, err := i2creg.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c bus %q: %w", dev, err)
	}
	b := NewGenericBus(bus, opts...)
	for _, driver := range state.Loaded {
		b.logger.Debug("host driver loaded", "driver", driver.String())
	}
	return b, nil
}

// NewGenericBus wraps an already opened bus.
func NewGenericBus(bus i2c.BusCloser, opts ...Option) *GenericBus {
	b := &GenericBus{bus: bus, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *GenericBus) SetSpeed(f physic.Frequency) error {
	if err := b.bus.SetSpeed(f); err != nil {
		return fmt.Errorf("could not set i2c bus speed to %s: %w", f, err)
	}
	return nil
}

func (b *GenericBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	err := b.bus.Tx(uint16(address), nil, buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	busctx.Dump(ctx, b.logger, "i2c read", buffer)
	return nil
}

func (b *GenericBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	busctx.Dump(ctx, b.logger, "i2c write", buffer)
	err := b.bus.Tx(uint16(address), buffer, nil)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	return nil
}

// TxAddr writes w and reads r with a repeated start in between.
func (b *GenericBus) TxAddr(ctx context.Context, address byte, w, r []byte) error {
	busctx.Dump(ctx, b.logger, "i2c write", w)
	err := b.bus.Tx(uint16(address), w, r)
	if err != nil {
		return fmt.Errorf("could not transact with i2c bus %x: %w", address, err)
	}
	busctx.Dump(ctx, b.logger, "i2c read", r)
	return nil
}

func (b *GenericBus) Release(ctx context.Context) error {
	return nil
}

func (b *GenericBus) String() string {
	return b.bus.String()
}

func (b *GenericBus) Close() error {
	return b.bus.Close()
}
