// Package cmd provides CLI commands for the capstan binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags across commands.
var (
	// ConfigFlag points at the YAML config file. Flags always override
	// config file values.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to capstan.yaml config file",
	}

	// ManifestDirFlag overrides the manifest directory.
	ManifestDirFlag = &cli.StringFlag{
		Name:  "manifest-dir",
		Usage: "Directory holding recording manifests",
	}
)

// SharedFlags returns the flags common to every command.
func SharedFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		ManifestDirFlag,
	}
}
