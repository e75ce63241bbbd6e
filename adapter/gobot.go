package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"gobot.io/x/gobot/v2/drivers/i2c"
	"gobot.io/x/gobot/v2/drivers/spi"

	"github.com/mklimuk/busdev"
	"github.com/mklimuk/busdev/busctx"
)

var (
	_ busdev.I2CBus = &GobotI2C{}
	_ busdev.SPIBus = &GobotSPI{}
)

// GobotI2C drives one bus of a gobot platform adaptor. Connections are opened
// on first use per address.
type GobotI2C struct {
	mx        sync.Mutex
	connector i2c.Connector
	bus       int
	conns     map[byte]i2c.Connection
	logger    *slog.Logger
}

// NewGobotI2C binds bus of the connector, the adaptor default when bus is
// negative.
func NewGobotI2C(connector i2c.Connector, bus int) *GobotI2C {
	if bus < 0 {
		bus = connector.DefaultI2cBus()
	}
	return &GobotI2C{
		connector: connector,
		bus:       bus,
		conns:     make(map[byte]i2c.Connection),
		logger:    slog.Default(),
	}
}

func (b *GobotI2C) connection(address byte) (i2c.Connection, error) {
	if c, ok := b.conns[address]; ok {
		return c, nil
	}
	c, err := b.connector.GetI2cConnection(int(address), b.bus)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %x on i2c bus %d: %w", address, b.bus, err)
	}
	b.conns[address] = c
	return c, nil
}

func (b *GobotI2C) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	c, err := b.connection(address)
	if err != nil {
		return err
	}
	busctx.Dump(ctx, b.logger, "i2c write", buffer)
	n, err := c.Write(buffer)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	if n != len(buffer) {
		return fmt.Errorf("short write to %x: %d of %d", address, n, len(buffer))
	}
	return nil
}

func (b *GobotI2C) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	c, err := b.connection(address)
	if err != nil {
		return err
	}
	n, err := io.ReadFull(c, buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	busctx.Dump(ctx, b.logger, "i2c read", buffer[:n])
	return nil
}

func (b *GobotI2C) Release(ctx context.Context) error {
	return nil
}

// Close closes every connection opened so far.
func (b *GobotI2C) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	var errs []error
	for addr, c := range b.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %x: %w", addr, err))
		}
		delete(b.conns, addr)
	}
	return errors.Join(errs...)
}

// spiConn is the part of a gobot SPI connection the bus needs.
type spiConn interface {
	ReadCommandData(command []byte, data []byte) error
	WriteBytes(data []byte) error
	Close() error
}

// GobotSPI maps select lines to chip numbers of a gobot SPI bus. The kernel
// owns chip select, so bytes clocked out between Select and Deselect are
// buffered: a read sends them as its command, anything left is written on
// Deselect.
type GobotSPI struct {
	mx        sync.Mutex
	connector spi.Connector
	bus       int
	mode      int
	bits      int
	speed     int64
	conns     map[busdev.Line]spiConn
	selected  bool
	line      busdev.Line
	pending   []byte
	logger    *slog.Logger
}

type GobotSPIOption func(*GobotSPI)

func WithSPIMode(mode int) GobotSPIOption {
	return func(b *GobotSPI) {
		b.mode = mode
	}
}

func WithSPISpeed(hz int64) GobotSPIOption {
	return func(b *GobotSPI) {
		b.speed = hz
	}
}

// NewGobotSPI binds bus of the connector, the adaptor default when bus is
// negative. Mode, word size and speed default to the adaptor's.
func NewGobotSPI(connector spi.Connector, bus int, opts ...GobotSPIOption) *GobotSPI {
	if bus < 0 {
		bus = connector.SpiDefaultBusNumber()
	}
	b := &GobotSPI{
		connector: connector,
		bus:       bus,
		mode:      connector.SpiDefaultMode(),
		bits:      connector.SpiDefaultBitCount(),
		speed:     connector.SpiDefaultMaxSpeed(),
		conns:     make(map[busdev.Line]spiConn),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *GobotSPI) connection(line busdev.Line) (spiConn, error) {
	if c, ok := b.conns[line]; ok {
		return c, nil
	}
	c, err := b.connector.GetSpiConnection(b.bus, int(line), b.mode, b.bits, b.speed)
	if err != nil {
		return nil, fmt.Errorf("could not connect to chip %d on spi bus %d: %w", line, b.bus, err)
	}
	ops, ok := c.(spiConn)
	if !ok {
		return nil, fmt.Errorf("spi connection does not support required operations")
	}
	b.conns[line] = ops
	return ops, nil
}

func (b *GobotSPI) Select(ctx context.Context, line busdev.Line) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.selected {
		return fmt.Errorf("cs %d asserted while cs %d is active", line, b.line)
	}
	if _, err := b.connection(line); err != nil {
		return err
	}
	b.selected = true
	b.line = line
	b.pending = b.pending[:0]
	return nil
}

func (b *GobotSPI) Transfer(ctx context.Context, w, r []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if !b.selected {
		return fmt.Errorf("spi transfer without an asserted cs")
	}
	if r == nil {
		b.pending = append(b.pending, w...)
		return nil
	}
	if len(r) != len(w) {
		return fmt.Errorf("full duplex transfer of %d bytes into %d", len(w), len(r))
	}
	busctx.Dump(ctx, b.logger, "spi command", b.pending)
	err := b.conns[b.line].ReadCommandData(b.pending, r)
	b.pending = b.pending[:0]
	if err != nil {
		return fmt.Errorf("spi read on chip %d: %w", b.line, err)
	}
	busctx.Dump(ctx, b.logger, "spi read", r)
	return nil
}

func (b *GobotSPI) Deselect(ctx context.Context, line busdev.Line) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if !b.selected || b.line != line {
		return fmt.Errorf("cs %d is not asserted", line)
	}
	b.selected = false
	if len(b.pending) == 0 {
		return nil
	}
	busctx.Dump(ctx, b.logger, "spi write", b.pending)
	err := b.conns[line].WriteBytes(b.pending)
	b.pending = b.pending[:0]
	if err != nil {
		return fmt.Errorf("spi write on chip %d: %w", line, err)
	}
	return nil
}

func (b *GobotSPI) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	var errs []error
	for line, c := range b.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip %d: %w", line, err))
		}
		delete(b.conns, line)
	}
	return errors.Join(errs...)
}
