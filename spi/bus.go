// Package spi exposes a periph.io SPI port with GPIO driven chip-select lines
// as a busdev.SPIBus.
package spi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mklimuk/busdev"
	"github.com/mklimuk/busdev/busctx"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

var _ busdev.SPIBus = &GenericBus{}

// DefaultSpeed is used when Open is given a zero frequency.
const DefaultSpeed = 1 * physic.MegaHertz

// txer is the part of spi.Conn the bus needs.
type txer interface {
	Tx(w, r []byte) error
}

// GenericBus drives chip-select lines as active low GPIO outputs and keeps
// the port clocked between Select and Deselect.
type GenericBus struct {
	mx       sync.Mutex
	conn     txer
	closer   io.Closer
	lines    map[busdev.Line]gpio.PinOut
	selected bool
	line     busdev.Line
	logger   *slog.Logger
}

type Option func(*GenericBus)

func WithLogger(logger *slog.Logger) Option {
	return func(b *GenericBus) {
		b.logger = logger
	}
}

// Open initializes the host, connects to the named port in mode 0 and binds
// each select line to the GPIO pin of the given name.
func Open(port string, speed physic.Frequency, cs map[busdev.Line]string, opts ...Option) (*GenericBus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	lines := make(map[busdev.Line]gpio.PinOut, len(cs))
	for line, name := range cs {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("%w: cs %d: unknown gpio pin %q", busdev.ErrInvalidTopology, line, name)
		}
		lines[line] = pin
	}
	p, err := spireg.Open(port)
	if err != nil {
		return nil, fmt.Errorf("could not open spi port %q: %w", port, err)
	}
	if speed == 0 {
		speed = DefaultSpeed
	}
	conn, err := p.Connect(speed, spi.Mode0, 8)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("could not connect to spi port %q: %w", port, err)
	}
	b, err := NewGenericBus(conn, lines, opts...)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	b.closer = p
	return b, nil
}

// NewGenericBus wraps a connected port. All select lines are driven high.
func NewGenericBus(conn txer, lines map[busdev.Line]gpio.PinOut, opts ...Option) (*GenericBus, error) {
	b := &GenericBus{conn: conn, lines: lines, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	for line, pin := range lines {
		if err := pin.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("could not idle cs %d on %s: %w", line, pin, err)
		}
	}
	return b, nil
}

func (b *GenericBus) Select(ctx context.Context, line busdev.Line) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	pin, ok := b.lines[line]
	if !ok {
		return fmt.Errorf("cs %d is not wired", line)
	}
	if b.selected {
		return fmt.Errorf("cs %d asserted while cs %d is active", line, b.line)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("could not assert cs %d: %w", line, err)
	}
	b.selected = true
	b.line = line
	return nil
}

func (b *GenericBus) Deselect(ctx context.Context, line busdev.Line) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	pin, ok := b.lines[line]
	if !ok {
		return fmt.Errorf("cs %d is not wired", line)
	}
	// the line is driven high even if it was never asserted
	b.selected = false
	if err := pin.Out(gpio.High); err != nil {
		return fmt.Errorf("could not release cs %d: %w", line, err)
	}
	return nil
}

func (b *GenericBus) Transfer(ctx context.Context, w, r []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if !b.selected {
		return fmt.Errorf("spi transfer without an asserted cs")
	}
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("full duplex transfer of %d bytes into %d", len(w), len(r))
	}
	busctx.Dump(ctx, b.logger, "spi write", w)
	if err := b.conn.Tx(w, r); err != nil {
		return fmt.Errorf("spi transfer on cs %d: %w", b.line, err)
	}
	if r != nil {
		busctx.Dump(ctx, b.logger, "spi read", r)
	}
	return nil
}

func (b *GenericBus) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}
