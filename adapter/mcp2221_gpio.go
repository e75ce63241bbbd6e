package adapter

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// gpioNotAssigned is reported for pins configured for a dedicated function.
const gpioNotAssigned = 0xEE

type GPIOMode byte

const (
	GPIOModeOut GPIOMode = iota
	GPIOModeIn
	GPIOModeNoOperation
)

func (m GPIOMode) String() string {
	switch m {
	case GPIOModeIn:
		return "INPUT"
	case GPIOModeOut:
		return "OUTPUT"
	default:
		return "NOOP"
	}
}

type GPIOState struct {
	Mode  GPIOMode `yaml:"mode"`
	Value byte     `yaml:"value"`
}

// ReadGPIO returns the state of GP0..GP3.
func (d *MCP2221) ReadGPIO(ctx context.Context) ([4]GPIOState, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	var res [4]GPIOState
	d.resetBuffers()
	d.request[0] = cmdGetGPIO
	if err := d.send(ctx, true); err != nil {
		return res, fmt.Errorf("read GPIO values command write failed: %w", err)
	}
	if d.response[1] != 0x00 {
		return res, ErrCommandFailed
	}
	for i := range res {
		value, dir := d.response[2+2*i], d.response[3+2*i]
		switch {
		case value == gpioNotAssigned || dir == gpioNotAssigned:
			res[i].Mode = GPIOModeNoOperation
		case dir == 0x00:
			res[i].Mode = GPIOModeOut
			res[i].Value = value
		default:
			res[i].Mode = GPIOModeIn
			res[i].Value = value
		}
	}
	return res, nil
}

// SetGPIO drives GPn as an output at the given level.
func (d *MCP2221) SetGPIO(ctx context.Context, n int, high bool) error {
	if n < 0 || n > 3 {
		return fmt.Errorf("no GP%d on MCP2221", n)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdSetGPIO
	off := 2 + 4*n
	d.request[off] = 0x01
	if high {
		d.request[off+1] = 0x01
	}
	d.request[off+2] = 0x01
	d.request[off+3] = 0x00
	if err := d.send(ctx, true); err != nil {
		return fmt.Errorf("set GPIO values command write failed: %w", err)
	}
	if d.response[1] != 0x00 || d.response[off+1] == gpioNotAssigned {
		return fmt.Errorf("GP%d: %w", n, ErrCommandFailed)
	}
	return nil
}

var _ gpio.PinOut = &Pin{}

// Pin is a general purpose pin of the bridge usable as a device enable line.
type Pin struct {
	dev *MCP2221
	n   int
}

func (d *MCP2221) Pin(n int) *Pin {
	return &Pin{dev: d, n: n}
}

func (p *Pin) String() string   { return p.Name() }
func (p *Pin) Name() string     { return fmt.Sprintf("MCP2221.GP%d", p.n) }
func (p *Pin) Number() int      { return p.n }
func (p *Pin) Function() string { return "Out" }
func (p *Pin) Halt() error      { return nil }

func (p *Pin) Out(l gpio.Level) error {
	return p.dev.SetGPIO(context.Background(), p.n, bool(l))
}

func (p *Pin) PWM(duty gpio.Duty, f physic.Frequency) error {
	return fmt.Errorf("%s: pwm not supported", p)
}
