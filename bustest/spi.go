package bustest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mklimuk/busdev"
)

// ErrNotSelected is returned for transfers outside a select window.
var ErrNotSelected = errors.New("no select line asserted")

var (
	_ busdev.SPIBus  = &SPI{}
	_ busdev.Limiter = &SPI{}
)

// SPIOp is one recorded SPI bus event.
type SPIOp struct {
	Line     busdev.Line
	Select   bool
	Deselect bool
	W        []byte
}

type spiDevice struct {
	regs   [128]byte
	ptr    byte
	read   bool
	framed bool
}

// SPI is a loopback chip-select bus. Register devices decode a first byte
// of 0x80|reg as a read and reg as a write, auto incrementing afterwards.
// Lines without a device read back 0xFF.
type SPI struct {
	mx       sync.Mutex
	Limit    int
	devices  map[busdev.Line]*spiDevice
	selected bool
	line     busdev.Line
	ops      []SPIOp
	failXfer int
	failSel  int
}

func NewSPI() *SPI {
	return &SPI{devices: make(map[busdev.Line]*spiDevice)}
}

func (b *SPI) Attach(line busdev.Line) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.devices[line] = &spiDevice{}
}

func (b *SPI) SetReg(line busdev.Line, reg byte, value byte) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if d, ok := b.devices[line]; ok {
		d.regs[reg&0x7F] = value
	}
}

func (b *SPI) Reg(line busdev.Line, reg byte) byte {
	b.mx.Lock()
	defer b.mx.Unlock()
	if d, ok := b.devices[line]; ok {
		return d.regs[reg&0x7F]
	}
	return 0
}

// FailTransfers makes the next n transfers fail.
func (b *SPI) FailTransfers(n int) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.failXfer = n
}

// FailSelects makes the next n select attempts fail.
func (b *SPI) FailSelects(n int) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.failSel = n
}

// Selected reports whether a select line is currently asserted.
func (b *SPI) Selected() bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.selected
}

func (b *SPI) Ops() []SPIOp {
	b.mx.Lock()
	defer b.mx.Unlock()
	return append([]SPIOp(nil), b.ops...)
}

func (b *SPI) TransferLimit() int {
	if b.Limit > 0 {
		return b.Limit
	}
	return busdev.DefaultSPITransferLimit
}

func (b *SPI) Select(ctx context.Context, line busdev.Line) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.failSel > 0 {
		b.failSel--
		return ErrInjected
	}
	if b.selected {
		return fmt.Errorf("cs %d asserted while cs %d is active", line, b.line)
	}
	b.ops = append(b.ops, SPIOp{Line: line, Select: true})
	b.selected = true
	b.line = line
	if d, ok := b.devices[line]; ok {
		d.framed = false
	}
	return nil
}

func (b *SPI) Deselect(ctx context.Context, line busdev.Line) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if !b.selected || b.line != line {
		return fmt.Errorf("cs %d: %w", line, ErrNotSelected)
	}
	b.ops = append(b.ops, SPIOp{Line: line, Deselect: true})
	b.selected = false
	return nil
}

func (b *SPI) Transfer(ctx context.Context, w, r []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if !b.selected {
		return ErrNotSelected
	}
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("full duplex transfer of %d bytes into %d", len(w), len(r))
	}
	b.ops = append(b.ops, SPIOp{Line: b.line, W: append([]byte{}, w...)})
	if b.failXfer > 0 {
		b.failXfer--
		return ErrInjected
	}
	d, ok := b.devices[b.line]
	for i, v := range w {
		out := byte(0xFF)
		if ok {
			out = d.shift(v)
		}
		if r != nil {
			r[i] = out
		}
	}
	return nil
}

func (d *spiDevice) shift(in byte) byte {
	if !d.framed {
		d.framed = true
		d.read = in&0x80 != 0
		d.ptr = in & 0x7F
		return 0
	}
	reg := d.ptr & 0x7F
	d.ptr = (d.ptr + 1) & 0x7F
	if d.read {
		return d.regs[reg]
	}
	d.regs[reg] = in
	return 0
}
