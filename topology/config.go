// Package topology loads a YAML description of buses and devices and
// registers the devices in dependency order.
package topology

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mklimuk/busdev"
	"github.com/mklimuk/busdev/device"
)

type Config struct {
	Buses   []BusConfig    `yaml:"buses"`
	Devices []DeviceConfig `yaml:"devices"`
}

// BusConfig names a bus handle. Driver and Device tell the program opening
// the bus which adapter to use and where it is attached.
type BusConfig struct {
	Name   string            `yaml:"name"`
	Kind   string            `yaml:"kind"`
	Driver string            `yaml:"driver"`
	Device string            `yaml:"device,omitempty"`
	Speed  string            `yaml:"speed,omitempty"`
	Select map[int]string    `yaml:"select,omitempty"`
	Params map[string]string `yaml:"params,omitempty"`
}

type DeviceConfig struct {
	Name          string       `yaml:"name"`
	Bus           string       `yaml:"bus"`
	Address       *int         `yaml:"address,omitempty"`
	Select        *int         `yaml:"select,omitempty"`
	Role          string       `yaml:"role,omitempty"`
	Mux           string       `yaml:"mux,omitempty"`
	Channel       int          `yaml:"channel,omitempty"`
	RegisterWidth int          `yaml:"register_width,omitempty"`
	Enable        string       `yaml:"enable,omitempty"`
	Probe         *ProbeConfig `yaml:"probe,omitempty"`
	PEC           bool         `yaml:"pec,omitempty"`
}

type ProbeConfig struct {
	Register uint16 `yaml:"register"`
	Expect   byte   `yaml:"expect"`
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open topology file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a topology document.
func Parse(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("could not decode topology: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Bus(name string) (BusConfig, bool) {
	for _, b := range c.Buses {
		if b.Name == name {
			return b, true
		}
	}
	return BusConfig{}, false
}

// Validate checks the document without touching any bus. Multiplexers must
// be declared before the devices behind them.
func (c *Config) Validate() error {
	buses := make(map[string]device.BusKind, len(c.Buses))
	for i, b := range c.Buses {
		if b.Name == "" {
			return invalid("bus #%d has no name", i)
		}
		if _, ok := buses[b.Name]; ok {
			return invalid("bus %q declared twice", b.Name)
		}
		kind, err := parseKind(b.Kind)
		if err != nil {
			return invalid("bus %q: %v", b.Name, err)
		}
		if kind == device.BusI2C && len(b.Select) > 0 {
			return invalid("bus %q: select lines on an i2c bus", b.Name)
		}
		buses[b.Name] = kind
	}
	roles := make(map[string]device.Role, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return invalid("device #%d has no name", i)
		}
		if _, ok := roles[d.Name]; ok {
			return invalid("device %q declared twice", d.Name)
		}
		role, err := device.ParseRole(d.Role)
		if err != nil {
			return invalid("device %q: %v", d.Name, err)
		}
		kind, ok := buses[d.Bus]
		if !ok {
			return invalid("device %q: unknown bus %q", d.Name, d.Bus)
		}
		switch kind {
		case device.BusI2C:
			if d.Address == nil || d.Select != nil {
				return invalid("device %q: i2c devices need an address and no select line", d.Name)
			}
			if *d.Address < 0 || *d.Address > 0x7F {
				return invalid("device %q: address %#x outside 7-bit range", d.Name, *d.Address)
			}
		case device.BusSPI:
			if d.Select == nil || d.Address != nil {
				return invalid("device %q: spi devices need a select line and no address", d.Name)
			}
			if *d.Select < 0 || *d.Select > 0xFF {
				return invalid("device %q: select line %d out of range", d.Name, *d.Select)
			}
			if d.Mux != "" {
				return invalid("device %q: spi devices cannot sit behind a multiplexer", d.Name)
			}
			if d.PEC {
				return invalid("device %q: packet error codes need an smbus device", d.Name)
			}
		}
		if d.Mux != "" {
			upRole, ok := roles[d.Mux]
			if !ok {
				return invalid("device %q: multiplexer %q is not declared before it", d.Name, d.Mux)
			}
			if upRole != device.RoleMultiplexer {
				return invalid("device %q: %q is not a multiplexer", d.Name, d.Mux)
			}
			if d.Channel < 0 || d.Channel >= device.MaxMuxChannels {
				return invalid("device %q: channel %d out of range", d.Name, d.Channel)
			}
		}
		roles[d.Name] = role
	}
	return nil
}

func parseKind(s string) (device.BusKind, error) {
	switch s {
	case "i2c":
		return device.BusI2C, nil
	case "spi":
		return device.BusSPI, nil
	default:
		return device.BusNone, fmt.Errorf("unknown bus kind %q", s)
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", busdev.ErrInvalidTopology, fmt.Sprintf(format, args...))
}
