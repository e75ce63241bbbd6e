package main

import (
	"encoding/hex"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/busdev/cmd/busdev/console"
)

var readCmd = cli.Command{
	Name:      "read",
	Usage:     "read consecutive registers of a device",
	ArgsUsage: "<device> <register>",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "length", Aliases: []string{"n"}, Usage: "number of bytes to read", Value: 1},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return console.Exit(console.ExitConfig, "expected a device name and a register")
		}
		reg, err := parseRegister(c.Args().Get(1))
		if err != nil {
			return console.Exit(console.ExitConfig, "%s", console.Red(err))
		}
		s, err := openSession(c)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		d, err := s.device(c.Args().Get(0))
		if err != nil {
			return err
		}
		data, err := d.ReadBuffer(s.ctx, reg, c.Int("length"))
		if err != nil {
			return exitFor(err, "read error")
		}
		console.Printf("%s", hex.Dump(data))
		return nil
	},
}
