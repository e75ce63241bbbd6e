// Package bustest provides in-memory bus handles: byte addressable register
// files reachable over I2C addresses or SPI select lines, a TCA9548A style
// multiplexer, an operation log and fault injection.
package bustest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mklimuk/busdev"
)

// ErrNack is returned for addresses nobody answers on.
var ErrNack = errors.New("no acknowledge")

// ErrInjected is the default error of injected faults.
var ErrInjected = errors.New("injected fault")

var (
	_ busdev.I2CBus        = &I2C{}
	_ busdev.I2CTransactor = &I2C{}
	_ busdev.Limiter       = &I2C{}
)

// Op is one recorded I2C transaction.
type Op struct {
	Addr byte
	W    []byte
	R    int
}

type i2cDevice struct {
	width int
	regs  map[uint16]byte
	ptr   uint16
	// upstream multiplexer address and channel, upstream < 0 when attached directly
	upstream int
	channel  int
	mux      bool
	control  byte

	// pec devices remember the last pointer write for the read code
	pec     bool
	cmd     []byte
	corrupt int
}

type fault struct {
	n   int
	err error
}

// I2C is a loopback two-wire bus.
type I2C struct {
	mx      sync.Mutex
	Limit   int
	devices map[byte]*i2cDevice
	faults  map[byte]*fault
	ops     []Op
}

func NewI2C() *I2C {
	return &I2C{
		devices: make(map[byte]*i2cDevice),
		faults:  make(map[byte]*fault),
	}
}

// Attach adds a register file answering at addr with registers of width bytes.
func (b *I2C) Attach(addr byte, width int) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.devices[addr] = newI2CDevice(width, -1, 0)
}

// AttachMux adds a multiplexer at addr. Its control register holds the
// bitmask of enabled channels.
func (b *I2C) AttachMux(addr byte) {
	b.mx.Lock()
	defer b.mx.Unlock()
	d := newI2CDevice(1, -1, 0)
	d.mux = true
	b.devices[addr] = d
}

// AttachBehind adds a register file reachable only while channel is enabled
// on the multiplexer at mux.
func (b *I2C) AttachBehind(mux byte, channel int, addr byte, width int) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.devices[addr] = newI2CDevice(width, int(mux), channel)
}

// AttachMuxBehind adds a cascaded multiplexer.
func (b *I2C) AttachMuxBehind(mux byte, channel int, addr byte) {
	b.mx.Lock()
	defer b.mx.Unlock()
	d := newI2CDevice(1, int(mux), channel)
	d.mux = true
	b.devices[addr] = d
}

func newI2CDevice(width, upstream, channel int) *i2cDevice {
	if width < 1 {
		width = 1
	}
	return &i2cDevice{width: width, regs: make(map[uint16]byte), upstream: upstream, channel: channel}
}

// EnablePEC makes the device at addr append a packet error code to reads
// and require one on register writes.
func (b *I2C) EnablePEC(addr byte) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if d, ok := b.devices[addr]; ok {
		d.pec = true
	}
}

// CorruptPEC flips the packet error code of the next n reads from addr.
func (b *I2C) CorruptPEC(addr byte, n int) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if d, ok := b.devices[addr]; ok {
		d.corrupt = n
	}
}

// FailNext makes the next n transactions addressed to addr fail with err,
// ErrInjected when err is nil.
func (b *I2C) FailNext(addr byte, n int, err error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if err == nil {
		err = ErrInjected
	}
	b.faults[addr] = &fault{n: n, err: err}
}

func (b *I2C) SetReg(addr byte, reg uint16, value byte) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if d, ok := b.devices[addr]; ok {
		d.regs[reg] = value
	}
}

func (b *I2C) Reg(addr byte, reg uint16) byte {
	b.mx.Lock()
	defer b.mx.Unlock()
	if d, ok := b.devices[addr]; ok {
		return d.regs[reg]
	}
	return 0
}

// Control returns the channel mask last written to the multiplexer at addr.
func (b *I2C) Control(addr byte) byte {
	b.mx.Lock()
	defer b.mx.Unlock()
	if d, ok := b.devices[addr]; ok {
		return d.control
	}
	return 0
}

// Ops returns a copy of the transaction log.
func (b *I2C) Ops() []Op {
	b.mx.Lock()
	defer b.mx.Unlock()
	return append([]Op(nil), b.ops...)
}

// OpsTo returns the logged transactions addressed to addr.
func (b *I2C) OpsTo(addr byte) []Op {
	b.mx.Lock()
	defer b.mx.Unlock()
	var res []Op
	for _, op := range b.ops {
		if op.Addr == addr {
			res = append(res, op)
		}
	}
	return res
}

func (b *I2C) ResetOps() {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.ops = nil
}

func (b *I2C) TransferLimit() int {
	if b.Limit > 0 {
		return b.Limit
	}
	return busdev.DefaultI2CTransferLimit
}

func (b *I2C) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.ops = append(b.ops, Op{Addr: address, W: append([]byte{}, buffer...)})
	d, err := b.target(address)
	if err != nil {
		return err
	}
	return b.write(address, d, buffer)
}

func (b *I2C) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.ops = append(b.ops, Op{Addr: address, R: len(buffer)})
	d, err := b.target(address)
	if err != nil {
		return err
	}
	b.read(address, d, buffer)
	return nil
}

// TxAddr writes w and reads r in one logged transaction.
func (b *I2C) TxAddr(ctx context.Context, address byte, w, r []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.ops = append(b.ops, Op{Addr: address, W: append([]byte{}, w...), R: len(r)})
	d, err := b.target(address)
	if err != nil {
		return err
	}
	if err := b.write(address, d, w); err != nil {
		return err
	}
	b.read(address, d, r)
	return nil
}

func (b *I2C) Release(ctx context.Context) error {
	return nil
}

func (b *I2C) target(address byte) (*i2cDevice, error) {
	if f, ok := b.faults[address]; ok && f.n > 0 {
		f.n--
		return nil, f.err
	}
	d, ok := b.devices[address]
	if !ok || !b.reachable(d) {
		return nil, fmt.Errorf("address 0x%02x: %w", address, ErrNack)
	}
	return d, nil
}

func (b *I2C) reachable(d *i2cDevice) bool {
	for d.upstream >= 0 {
		up, ok := b.devices[byte(d.upstream)]
		if !ok || up.control&(1<<uint(d.channel)) == 0 {
			return false
		}
		d = up
	}
	return true
}

func (b *I2C) write(address byte, d *i2cDevice, buffer []byte) error {
	if d.mux {
		if len(buffer) > 0 {
			d.control = buffer[len(buffer)-1]
		}
		return nil
	}
	if len(buffer) < d.width {
		return nil
	}
	if d.pec {
		d.cmd = append(d.cmd[:0], buffer...)
		if len(buffer) > d.width {
			n := len(buffer) - 1
			if buffer[n] != busdev.PEC([]byte{address << 1}, buffer[:n]) {
				return fmt.Errorf("address 0x%02x: %w", address, busdev.ErrPEC)
			}
			buffer = buffer[:n]
		}
	}
	d.ptr = 0
	for _, v := range buffer[:d.width] {
		d.ptr = d.ptr<<8 | uint16(v)
	}
	for _, v := range buffer[d.width:] {
		d.regs[d.ptr] = v
		d.ptr++
	}
	return nil
}

func (b *I2C) read(address byte, d *i2cDevice, buffer []byte) {
	if d.mux {
		for i := range buffer {
			buffer[i] = d.control
		}
		return
	}
	data := buffer
	if d.pec && len(buffer) > 0 {
		data = buffer[:len(buffer)-1]
	}
	for i := range data {
		data[i] = d.regs[d.ptr]
		d.ptr++
	}
	if len(data) == len(buffer) {
		return
	}
	code := busdev.PEC([]byte{address << 1}, d.cmd, []byte{address<<1 | 1}, data)
	if d.corrupt > 0 {
		d.corrupt--
		code = ^code
	}
	buffer[len(buffer)-1] = code
}
