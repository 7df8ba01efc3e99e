package cmd

import (
	"time"

	"github.com/urfave/cli/v2"
)

// Flag resolution helpers: an explicitly set flag wins over the config
// file value; zero config values fall through to package defaults.

func resolveString(c *cli.Context, name, fromConfig string) string {
	if c.IsSet(name) {
		return c.String(name)
	}
	return fromConfig
}

func resolveInt(c *cli.Context, name string, fromConfig int) int {
	if c.IsSet(name) {
		return c.Int(name)
	}
	return fromConfig
}

func resolveInt64(c *cli.Context, name string, fromConfig int64) int64 {
	if c.IsSet(name) {
		return c.Int64(name)
	}
	return fromConfig
}

func resolveUint64(c *cli.Context, name string, fromConfig uint64) uint64 {
	if c.IsSet(name) {
		return c.Uint64(name)
	}
	return fromConfig
}

func resolveDuration(c *cli.Context, name string, fromConfig time.Duration) time.Duration {
	if c.IsSet(name) {
		return c.Duration(name)
	}
	return fromConfig
}
