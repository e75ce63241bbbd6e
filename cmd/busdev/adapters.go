package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/mklimuk/busdev/adapter"
	"github.com/mklimuk/busdev/cmd/busdev/console"
)

var adaptersCmd = cli.Command{
	Name:  "adapters",
	Usage: "list the bus adapters available on this host",
	Action: func(c *cli.Context) error {
		w := tabwriter.NewWriter(console.Writer(), 16, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "DRIVER\tKIND\tNAME\tDETAIL\n")
		for i, dev := range adapter.Enumerate() {
			_, _ = fmt.Fprintf(w, "mcp2221\ti2c\tindex=%d\t%s %s (serial %s)\n", i, dev.Manufacturer, dev.Product, dev.Serial)
		}
		if _, err := host.Init(); err != nil {
			console.Warnf("periph host init failed: %s", err)
		} else {
			for _, ref := range i2creg.All() {
				_, _ = fmt.Fprintf(w, "periph\ti2c\t%s\taliases=%v number=%d\n", ref.Name, ref.Aliases, ref.Number)
			}
			for _, ref := range spireg.All() {
				_, _ = fmt.Fprintf(w, "periph\tspi\t%s\taliases=%v number=%d\n", ref.Name, ref.Aliases, ref.Number)
			}
		}
		_, _ = fmt.Fprintf(w, "loopback\ti2c,spi\t-\tin-memory register files\n")
		return w.Flush()
	},
}
