package cmd

import (
	"fmt"
	"log/slog"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"
)

// QualityCmds returns the test, lint and hardware test commands.
func QualityCmds() []*cobra.Command {
	return []*cobra.Command{
		step("test", "Run unit tests against the loopback buses", test.Test),
		step("lint", "Run linting", test.Lint),
		step("integration-test", "Run integration tests, an adapter must be attached", test.Integ),
	}
}

func step(use, short string, run func() error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Debug("running", "step", use)
			if err := run(); err != nil {
				return fmt.Errorf("%s failed: %w", use, err)
			}
			return nil
		},
	}
}
