package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/drivers"

	"github.com/mklimuk/busdev"
	"github.com/mklimuk/busdev/busctx"
)

var (
	_ busdev.I2CBus        = &TinyGoI2C{}
	_ busdev.I2CTransactor = &TinyGoI2C{}
)

// TinyGoI2C adapts a tinygo drivers bus. Every call is a single Tx, so
// register reads use a repeated start.
type TinyGoI2C struct {
	mx     sync.Mutex
	bus    drivers.I2C
	logger *slog.Logger
}

func NewTinyGoI2C(bus drivers.I2C) *TinyGoI2C {
	return &TinyGoI2C{bus: bus, logger: slog.Default()}
}

func (b *TinyGoI2C) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	return b.TxAddr(ctx, address, buffer, nil)
}

func (b *TinyGoI2C) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	return b.TxAddr(ctx, address, nil, buffer)
}

func (b *TinyGoI2C) TxAddr(ctx context.Context, address byte, w, r []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	busctx.Dump(ctx, b.logger, "i2c write", w)
	if err := b.bus.Tx(uint16(address), w, r); err != nil {
		return fmt.Errorf("tx on 0x%02x: %w", address, err)
	}
	busctx.Dump(ctx, b.logger, "i2c read", r)
	return nil
}

func (b *TinyGoI2C) Release(ctx context.Context) error {
	return nil
}
