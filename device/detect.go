package device

import (
	"context"
	"fmt"

	"github.com/mklimuk/busdev"
	"periph.io/x/conn/v3/gpio"
)

// Detect reports whether the device answers on its bus.
func (d Device) Detect(ctx context.Context) bool {
	return d.Probe(ctx) == nil
}

// Probe performs one presence check and returns ErrNotDetected with the
// cause when the device does not respond as expected. I2C devices without a
// probe register are checked for an address acknowledge; SPI devices echo
// their probe register, register 0x00 by default.
func (d Device) Probe(ctx context.Context) error {
	t, err := d.r.resolve(d.id)
	if err != nil {
		return err
	}
	err = d.probe(ctx, t)
	if err != nil {
		d.r.logger.Debug("device not detected", "id", d.id, "name", t.name, "error", err)
		return fmt.Errorf("%w: %s: %w", busdev.ErrNotDetected, t.label(), err)
	}
	d.r.logger.Debug("device detected", "id", d.id, "name", t.name)
	return nil
}

func (d Device) probe(ctx context.Context, t target) error {
	if p, ok := t.payload.(I2CPayload); ok && p.Enable != nil {
		if err := p.Enable.Out(gpio.High); err != nil {
			return fmt.Errorf("could not enable device: %w", err)
		}
	}
	if t.probe != nil {
		return d.echo(ctx, t.probe.register, func(v byte) bool { return v == t.probe.expect }, t.probe.expect)
	}
	switch p := t.payload.(type) {
	case I2CPayload:
		unlock := lockRoute(t.hops)
		defer unlock()
		if err := d.r.selectRoute(ctx, t.hops); err != nil {
			return err
		}
		if err := p.Bus.WriteToAddr(ctx, p.Address, nil); err != nil {
			return fmt.Errorf("no acknowledge from 0x%02x: %w", p.Address, err)
		}
		return nil
	case SPIPayload:
		// a missing device leaves MISO floating or pulled to one rail
		return d.echo(ctx, 0x00, func(v byte) bool { return v != 0x00 && v != 0xFF }, 0)
	}
	return fmt.Errorf("unknown bus kind")
}

func (d Device) echo(ctx context.Context, reg uint16, ok func(byte) bool, expect byte) error {
	v, err := d.ReadRegister(ctx, reg)
	if err != nil {
		return err
	}
	if !ok(v) {
		return fmt.Errorf("register 0x%02x reads 0x%02x (expected 0x%02x)", reg, v, expect)
	}
	return nil
}

func (t target) label() string {
	if t.name != "" {
		return t.name
	}
	return t.id.String()
}
