package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/mklimuk/busdev"
)

// spiRead is set in the framing byte of SPI register reads.
const spiRead = 0x80

// target is everything a transaction needs, resolved under the registry lock.
type target struct {
	id       ID
	name     string
	payload  Payload
	regWidth int
	probe    *probe
	pec      bool
	hops     []hop
	spiMx    *sync.Mutex
	// self is set when the target is a multiplexer.
	self    *slot
	selfGen uint32
}

func (r *Registry) resolve(id ID) (target, error) {
	if r == nil {
		return target{}, busdev.ErrReleased
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	s := r.lookup(id)
	if s == nil {
		return target{}, fmt.Errorf("device %s: %w", id, busdev.ErrReleased)
	}
	t := target{id: id, name: s.name, payload: s.payload, regWidth: s.regWidth, probe: s.probe, pec: s.pec}
	switch p := s.payload.(type) {
	case I2CPayload:
		hops, err := r.route(p)
		if err != nil {
			return target{}, err
		}
		t.hops = hops
		if s.role == RoleMultiplexer {
			t.self, t.selfGen = s, s.gen
		}
	case SPIPayload:
		t.spiMx = r.spiMx[p.Bus]
	default:
		return target{}, fmt.Errorf("%w: device %s has no bus", busdev.ErrBusTransactionFailed, id)
	}
	return t, nil
}

// claim locks the route above t and, for a multiplexer, t itself. Register
// traffic to a multiplexer rewrites its control register, so its cached
// channel is forgotten on unlock.
func (t target) claim() func() {
	unlock := lockRoute(t.hops)
	if t.self == nil {
		return unlock
	}
	t.self.mx.Lock()
	return func() {
		if t.self.live && t.self.gen == t.selfGen {
			t.self.active = ChannelUnknown
		}
		t.self.mx.Unlock()
		unlock()
	}
}

func (t target) limit() int {
	switch p := t.payload.(type) {
	case I2CPayload:
		limit := busdev.DefaultI2CTransferLimit
		if l, ok := p.Bus.(busdev.Limiter); ok {
			limit = l.TransferLimit()
		}
		if t.pec {
			// the trailing code byte travels in the same transfer
			limit--
		}
		return limit
	case SPIPayload:
		if l, ok := p.Bus.(busdev.Limiter); ok {
			return l.TransferLimit()
		}
		return busdev.DefaultSPITransferLimit
	}
	return 0
}

func (t target) register(reg uint16) ([]byte, error) {
	switch t.payload.(type) {
	case SPIPayload:
		if reg > 0x7F {
			return nil, fmt.Errorf("%w: register %#x does not fit a 7-bit spi frame", busdev.ErrBusTransactionFailed, reg)
		}
		return []byte{byte(reg)}, nil
	}
	if t.regWidth == 2 {
		return []byte{byte(reg >> 8), byte(reg)}, nil
	}
	if reg > 0xFF {
		return nil, fmt.Errorf("%w: register %#x does not fit one byte", busdev.ErrBusTransactionFailed, reg)
	}
	return []byte{byte(reg)}, nil
}

// TransferLimit is the largest payload accepted by the buffer operations.
func (d Device) TransferLimit() int {
	t, err := d.r.resolve(d.id)
	if err != nil {
		return 0
	}
	return t.limit()
}

func (d Device) ReadRegister(ctx context.Context, reg uint16) (byte, error) {
	buf, err := d.ReadBuffer(ctx, reg, 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (d Device) WriteRegister(ctx context.Context, reg uint16, value byte) error {
	return d.WriteBuffer(ctx, reg, []byte{value})
}

// ReadBuffer reads length consecutive bytes starting at reg.
func (d Device) ReadBuffer(ctx context.Context, reg uint16, length int) ([]byte, error) {
	t, err := d.r.resolve(d.id)
	if err != nil {
		return nil, err
	}
	if length <= 0 || length > t.limit() {
		return nil, fmt.Errorf("%w: read of %d bytes outside 1..%d", busdev.ErrBusTransactionFailed, length, t.limit())
	}
	regBytes, err := t.register(reg)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	switch p := t.payload.(type) {
	case I2CPayload:
		err = d.r.i2cRead(ctx, t, p, regBytes, buf)
	case SPIPayload:
		err = spiTransact(ctx, t, p, regBytes[0]|spiRead, nil, buf)
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBuffer writes data to consecutive registers starting at reg. An empty
// data only moves the register pointer of I2C devices.
func (d Device) WriteBuffer(ctx context.Context, reg uint16, data []byte) error {
	t, err := d.r.resolve(d.id)
	if err != nil {
		return err
	}
	if len(data) > t.limit() {
		return fmt.Errorf("%w: write of %d bytes exceeds %d", busdev.ErrBusTransactionFailed, len(data), t.limit())
	}
	regBytes, err := t.register(reg)
	if err != nil {
		return err
	}
	switch p := t.payload.(type) {
	case I2CPayload:
		return d.r.i2cWrite(ctx, t, p, append(regBytes, data...))
	case SPIPayload:
		return spiTransact(ctx, t, p, regBytes[0], data, nil)
	}
	return nil
}

func (r *Registry) i2cRead(ctx context.Context, t target, p I2CPayload, regBytes, buf []byte) error {
	unlock := t.claim()
	defer unlock()
	if err := r.selectRoute(ctx, t.hops); err != nil {
		return err
	}
	in := buf
	if t.pec {
		in = make([]byte, len(buf)+1)
	}
	if tx, ok := p.Bus.(busdev.I2CTransactor); ok {
		if err := tx.TxAddr(ctx, p.Address, regBytes, in); err != nil {
			return fmt.Errorf("%w: read from 0x%02x: %w", busdev.ErrBusTransactionFailed, p.Address, err)
		}
	} else {
		if err := p.Bus.WriteToAddr(ctx, p.Address, regBytes); err != nil {
			return fmt.Errorf("%w: could not set register pointer on 0x%02x: %w", busdev.ErrBusTransactionFailed, p.Address, err)
		}
		if err := p.Bus.ReadFromAddr(ctx, p.Address, in); err != nil {
			return fmt.Errorf("%w: read from 0x%02x: %w", busdev.ErrBusTransactionFailed, p.Address, err)
		}
	}
	if !t.pec {
		return nil
	}
	data, code := in[:len(buf)], in[len(buf)]
	want := busdev.PEC([]byte{p.Address << 1}, regBytes, []byte{p.Address<<1 | 1}, data)
	if code != want {
		return fmt.Errorf("%w: read from 0x%02x: got 0x%02x, want 0x%02x: %w", busdev.ErrBusTransactionFailed, p.Address, code, want, busdev.ErrPEC)
	}
	copy(buf, data)
	return nil
}

func (r *Registry) i2cWrite(ctx context.Context, t target, p I2CPayload, frame []byte) error {
	unlock := t.claim()
	defer unlock()
	if err := r.selectRoute(ctx, t.hops); err != nil {
		return err
	}
	if t.pec {
		frame = append(frame, busdev.PEC([]byte{p.Address << 1}, frame))
	}
	if err := p.Bus.WriteToAddr(ctx, p.Address, frame); err != nil {
		return fmt.Errorf("%w: write to 0x%02x: %w", busdev.ErrBusTransactionFailed, p.Address, err)
	}
	return nil
}

// spiTransact runs one framed transfer. The select line is released on every
// path once it was asserted.
func spiTransact(ctx context.Context, t target, p SPIPayload, frame byte, w, r []byte) (err error) {
	if t.spiMx != nil {
		t.spiMx.Lock()
		defer t.spiMx.Unlock()
	}
	if err = p.Bus.Select(ctx, p.Select); err != nil {
		return fmt.Errorf("%w: could not assert cs %d: %w", busdev.ErrBusTransactionFailed, p.Select, err)
	}
	defer func() {
		derr := p.Bus.Deselect(ctx, p.Select)
		if derr != nil && err == nil {
			err = fmt.Errorf("%w: could not release cs %d: %w", busdev.ErrBusTransactionFailed, p.Select, derr)
		}
	}()
	if err = p.Bus.Transfer(ctx, []byte{frame}, nil); err != nil {
		return fmt.Errorf("%w: frame 0x%02x on cs %d: %w", busdev.ErrBusTransactionFailed, frame, p.Select, err)
	}
	switch {
	case r != nil:
		// clock out zeros while the device shifts the register contents in
		err = p.Bus.Transfer(ctx, make([]byte, len(r)), r)
	case len(w) > 0:
		err = p.Bus.Transfer(ctx, w, nil)
	}
	if err != nil {
		return fmt.Errorf("%w: payload on cs %d: %w", busdev.ErrBusTransactionFailed, p.Select, err)
	}
	return nil
}
