package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/driftlock-io/capstan/types"
)

// VersionCommand returns the version command. All components share a
// single version (lockstep versioning).
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(*cli.Context) error {
			fmt.Printf("capstan %s (commit: %s)\n", types.Version, commit)
			return nil
		},
	}
}
