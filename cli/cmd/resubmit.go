package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/driftlock-io/capstan/manifest"
	"github.com/driftlock-io/capstan/types"
)

// ResubmitCommand returns the resubmit command, the explicit operator
// action that re-arms failed chunks back to pending with a fresh retry
// budget. Run it while the agent is stopped, or let a live agent pick
// the chunks up on its next manifest scan after restart.
func ResubmitCommand() *cli.Command {
	return &cli.Command{
		Name:  "resubmit",
		Usage: "Re-arm failed chunks of a recording for upload",
		Flags: append(SharedFlags(),
			&cli.StringFlag{
				Name:     "recording",
				Usage:    "Recording whose failed chunks to re-arm",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "index",
				Usage: "Re-arm only this chunk index",
				Value: -1,
			},
		),
		Action: resubmitAction,
	}
}

func resubmitAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	dir := resolveString(c, "manifest-dir", cfg.Storage.ManifestDir)
	if dir == "" {
		return cli.Exit("manifest directory required (--manifest-dir or config)", 1)
	}

	store, err := manifest.NewStore(dir, nil)
	if err != nil {
		return cli.Exit(fmt.Sprintf("open manifest store: %v", err), 1)
	}

	recordingID := c.String("recording")
	m, err := store.Load(recordingID)
	if err != nil {
		return cli.Exit(fmt.Sprintf("load manifest: %v", err), 1)
	}

	index := c.Int("index")
	rearmed := 0
	for i := range m.Entries {
		e := &m.Entries[i]
		if e.Status != types.StatusFailed {
			continue
		}
		if index >= 0 && e.Index != index {
			continue
		}
		if err := store.Rearm(recordingID, e.Index); err != nil {
			return cli.Exit(fmt.Sprintf("re-arm chunk %d: %v", e.Index, err), 1)
		}
		rearmed++
	}

	if index >= 0 && rearmed == 0 {
		return cli.Exit(fmt.Sprintf("chunk %d of %s is not failed", index, recordingID), 1)
	}

	fmt.Printf("re-armed %d chunk(s) of %s\n", rearmed, recordingID)
	return nil
}
