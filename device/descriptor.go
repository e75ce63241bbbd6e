package device

import (
	"fmt"
	"strings"

	"github.com/mklimuk/busdev"
	"periph.io/x/conn/v3/gpio"
)

// BusKind is the physical protocol a device is attached with.
type BusKind uint8

const (
	BusNone BusKind = iota
	BusI2C
	BusSPI
)

func (k BusKind) String() string {
	switch k {
	case BusI2C:
		return "i2c"
	case BusSPI:
		return "spi"
	default:
		return "none"
	}
}

// Role is the logical category of a device.
type Role uint8

const (
	RoleNone Role = iota
	RoleSensor
	RoleMultiplexer
	RoleNonVolatileMemory
)

func (r Role) String() string {
	switch r {
	case RoleSensor:
		return "sensor"
	case RoleMultiplexer:
		return "multiplexer"
	case RoleNonVolatileMemory:
		return "nvm"
	default:
		return "none"
	}
}

// ParseRole accepts the names produced by Role.String.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return RoleNone, nil
	case "sensor":
		return RoleSensor, nil
	case "multiplexer", "mux":
		return RoleMultiplexer, nil
	case "nvm", "eeprom", "memory":
		return RoleNonVolatileMemory, nil
	}
	return RoleNone, fmt.Errorf("unknown role %q", s)
}

// ChannelUnknown is the active channel of a multiplexer that was never selected.
const ChannelUnknown = -1

// MaxMuxChannels is the number of downstream channels of a TCA9548A class multiplexer.
const MaxMuxChannels = 8

// ID addresses a descriptor in its registry arena. The zero ID is never valid.
type ID struct {
	index uint32
	gen   uint32
}

func (id ID) IsZero() bool {
	return id.gen == 0
}

func (id ID) String() string {
	return fmt.Sprintf("#%d.%d", id.index, id.gen)
}

// Payload is the protocol-specific part of a descriptor, either I2CPayload or SPIPayload.
type Payload interface {
	Kind() BusKind
}

// I2CPayload describes an addressed two-wire attachment.
type I2CPayload struct {
	Bus     busdev.I2CBus
	Address byte
	// Channel is the channel required on Mux; meaningless when Mux is zero.
	Channel int
	// Mux is a non-owning reference to the upstream multiplexer.
	Mux    ID
	Enable gpio.PinOut
}

func (I2CPayload) Kind() BusKind { return BusI2C }

// SPIPayload describes a chip-select attachment.
type SPIPayload struct {
	Bus    busdev.SPIBus
	Select busdev.Line
}

func (SPIPayload) Kind() BusKind { return BusSPI }

// Descriptor is a point in time copy of a registered device.
type Descriptor struct {
	ID            ID
	Name          string
	Role          Role
	Payload       Payload
	RegisterWidth int
	PEC           bool
	ActiveChannel int
	RefCount      int
}

// Kind is derived from the payload so that the two can never disagree.
func (d Descriptor) Kind() BusKind {
	if d.Payload == nil {
		return BusNone
	}
	return d.Payload.Kind()
}

func (d Descriptor) String() string {
	var b strings.Builder
	name := d.Name
	if name == "" {
		name = d.ID.String()
	}
	fmt.Fprintf(&b, "%s: bus=%s role=%s", name, d.Kind(), d.Role)
	switch p := d.Payload.(type) {
	case I2CPayload:
		fmt.Fprintf(&b, " addr=0x%02x", p.Address)
		if !p.Mux.IsZero() {
			fmt.Fprintf(&b, " mux=%s channel=%d", p.Mux, p.Channel)
		}
		if p.Enable != nil {
			fmt.Fprintf(&b, " enable=%s", p.Enable)
		}
	case SPIPayload:
		fmt.Fprintf(&b, " cs=%d", p.Select)
	}
	if d.RegisterWidth > 1 {
		fmt.Fprintf(&b, " regwidth=%d", d.RegisterWidth)
	}
	if d.PEC {
		b.WriteString(" pec")
	}
	if d.Role == RoleMultiplexer {
		if d.ActiveChannel == ChannelUnknown {
			b.WriteString(" active=unknown")
		} else {
			fmt.Fprintf(&b, " active=%d", d.ActiveChannel)
		}
		fmt.Fprintf(&b, " refs=%d", d.RefCount)
	}
	return b.String()
}
