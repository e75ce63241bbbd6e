package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/busdev/cmd/busdev/console"
	"github.com/mklimuk/busdev/device"
)

var detectCmd = cli.Command{
	Name:      "detect",
	Usage:     "check which configured devices answer",
	ArgsUsage: "[device...]",
	Action: func(c *cli.Context) error {
		s, err := openSession(c)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		names := c.Args().Slice()
		if len(names) == 0 {
			names = s.topo.Names()
		}
		w := tabwriter.NewWriter(console.Writer(), 12, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "NAME\tBUS\tROLE\tSTATUS\tDETAIL\n")
		missing := 0
		for _, name := range names {
			d, err := s.device(name)
			if err != nil {
				return err
			}
			desc, err := d.Descriptor()
			if err != nil {
				return exitFor(err, "descriptor error")
			}
			err = d.Probe(s.ctx)
			detail := ""
			if err != nil {
				missing++
				detail = console.Faint(err)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, location(desc), desc.Role, console.Status(err == nil), detail)
		}
		_ = w.Flush()
		if missing > 0 {
			return console.Exit(console.ExitNotDetected, "%d of %d devices not detected", missing, len(names))
		}
		return nil
	},
}

func location(desc device.Descriptor) string {
	switch p := desc.Payload.(type) {
	case device.I2CPayload:
		if p.Mux.IsZero() {
			return fmt.Sprintf("i2c 0x%02x", p.Address)
		}
		return fmt.Sprintf("i2c 0x%02x@%d", p.Address, p.Channel)
	case device.SPIPayload:
		return fmt.Sprintf("spi cs%d", p.Select)
	}
	return "none"
}
