package main

import (
	"encoding/hex"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/busdev/cmd/busdev/console"
)

var writeCmd = cli.Command{
	Name:      "write",
	Usage:     "write bytes to consecutive registers of a device",
	ArgsUsage: "<device> <register> <hex data>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 3 {
			return console.Exit(console.ExitConfig, "expected a device name, a register and data")
		}
		name := c.Args().Get(0)
		reg, err := parseRegister(c.Args().Get(1))
		if err != nil {
			return console.Exit(console.ExitConfig, "%s", console.Red(err))
		}
		data, err := hex.DecodeString(strings.TrimPrefix(c.Args().Get(2), "0x"))
		if err != nil {
			return console.Exit(console.ExitConfig, "invalid data hex string: %s", console.Red(err))
		}
		if !c.Bool("yes") {
			ok, err := console.Confirm("write " + console.White(hex.EncodeToString(data)) + " to " + console.White(name) + "?")
			if err != nil {
				return console.Exit(console.ExitFailure, "prompt error: %s", console.Red(err))
			}
			if !ok {
				return nil
			}
		}
		s, err := openSession(c)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		d, err := s.device(name)
		if err != nil {
			return err
		}
		if err := d.WriteBuffer(s.ctx, reg, data); err != nil {
			return exitFor(err, "write error")
		}
		console.PInfof(console.PictoMemo, "wrote %d bytes to %s at %#x", len(data), console.White(name), reg)
		return nil
	},
}
