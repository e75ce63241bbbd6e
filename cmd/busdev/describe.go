package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/busdev/cmd/busdev/console"
	"github.com/mklimuk/busdev/device"
)

type describedDevice struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Bus           string `yaml:"bus"`
	Role          string `yaml:"role"`
	Address       string `yaml:"address,omitempty"`
	Select        *int   `yaml:"select,omitempty"`
	Mux           string `yaml:"mux,omitempty"`
	Channel       *int   `yaml:"channel,omitempty"`
	Enable        string `yaml:"enable,omitempty"`
	RegisterWidth int    `yaml:"register_width"`
	PEC           bool   `yaml:"pec,omitempty"`
	ActiveChannel *int   `yaml:"active_channel,omitempty"`
	RefCount      *int   `yaml:"ref_count,omitempty"`
}

func describe(desc device.Descriptor, names map[device.ID]string) describedDevice {
	out := describedDevice{
		ID:            desc.ID.String(),
		Name:          desc.Name,
		Bus:           desc.Kind().String(),
		Role:          desc.Role.String(),
		RegisterWidth: desc.RegisterWidth,
		PEC:           desc.PEC,
	}
	switch p := desc.Payload.(type) {
	case device.I2CPayload:
		out.Address = fmt.Sprintf("0x%02x", p.Address)
		if !p.Mux.IsZero() {
			out.Mux = names[p.Mux]
			out.Channel = &p.Channel
		}
		if p.Enable != nil {
			out.Enable = p.Enable.String()
		}
	case device.SPIPayload:
		line := int(p.Select)
		out.Select = &line
	}
	if desc.Role == device.RoleMultiplexer {
		out.ActiveChannel = &desc.ActiveChannel
		out.RefCount = &desc.RefCount
	}
	return out
}

var describeCmd = cli.Command{
	Name:  "describe",
	Usage: "print the registered device descriptors",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "log", Usage: "emit descriptors through the logger instead of YAML"},
	},
	Action: func(c *cli.Context) error {
		s, err := openSession(c)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		devices := s.reg.Devices()
		if c.Bool("log") {
			for _, d := range devices {
				d.Print("device")
			}
			return nil
		}
		names := make(map[device.ID]string, len(devices))
		var out []describedDevice
		for _, d := range devices {
			desc, err := d.Descriptor()
			if err != nil {
				return exitFor(err, "descriptor error")
			}
			names[desc.ID] = desc.Name
			out = append(out, describe(desc, names))
		}
		enc := yaml.NewEncoder(console.Writer())
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return console.Exit(console.ExitFailure, "encoding error: %s", console.Red(err))
		}
		return enc.Close()
	},
}
