package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/busdev"
	"github.com/mklimuk/busdev/busctx"
	"github.com/mklimuk/busdev/cmd/busdev/console"
	"github.com/mklimuk/busdev/device"
	"github.com/mklimuk/busdev/topology"
)

// session is an opened topology: buses, registry and devices.
type session struct {
	ctx   context.Context
	buses *opened
	reg   *device.Registry
	topo  *topology.Topology
}

func openSession(c *cli.Context) (*session, error) {
	ctx := busctx.SetVerbose(c.Context, c.Bool("verbose"))
	cfg, err := topology.Load(c.String("config"))
	if err != nil {
		return nil, console.Exit(console.ExitConfig, "topology error: %s", console.Red(err))
	}
	buses, err := openBuses(ctx, cfg)
	if err != nil {
		return nil, console.Exit(console.ExitFailure, "adapter initialization error: %s", console.Red(err))
	}
	reg := device.NewRegistry()
	topo, err := topology.Build(reg, cfg, buses.buses)
	if err != nil {
		_ = buses.Close()
		return nil, console.Exit(console.ExitConfig, "topology error: %s", console.Red(err))
	}
	return &session{ctx: ctx, buses: buses, reg: reg, topo: topo}, nil
}

func (s *session) device(name string) (device.Device, error) {
	d, ok := s.topo.Device(name)
	if !ok {
		return device.Device{}, console.Exit(console.ExitConfig, "no device named %s", console.White(name))
	}
	return d, nil
}

func (s *session) Close() error {
	return errors.Join(s.topo.Close(), s.buses.Close())
}

// exitFor maps bus errors to exit codes.
func exitFor(err error, msg string) cli.ExitCoder {
	switch {
	case errors.Is(err, busdev.ErrNotDetected):
		return console.Exit(console.ExitNotDetected, "%s: %s", msg, console.Red(err))
	case errors.Is(err, busdev.ErrInvalidTopology):
		return console.Exit(console.ExitConfig, "%s: %s", msg, console.Red(err))
	default:
		return console.Exit(console.ExitFailure, "%s: %s", msg, console.Red(err))
	}
}

func parseRegister(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid register %q: %w", s, err)
	}
	return uint16(v), nil
}
