package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/driftlock-io/capstan/manifest"
	"github.com/driftlock-io/capstan/types"
)

// StatusCommand returns the status command. Read-only: it inspects
// manifest files directly and never mutates state, so it is safe to
// run alongside a live agent.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show per-recording upload progress",
		Flags: append(SharedFlags(),
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Emit machine-readable JSON",
			},
			&cli.StringFlag{
				Name:  "recording",
				Usage: "Limit output to one recording",
			},
		),
		Action: statusAction,
	}
}

// recordingStatus is the per-recording rollup emitted by status.
type recordingStatus struct {
	RecordingID string `json:"recording_id"`
	Total       int    `json:"total"`
	Pending     int    `json:"pending"`
	Uploading   int    `json:"uploading"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
}

func statusAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	dir := resolveString(c, "manifest-dir", cfg.Storage.ManifestDir)
	if dir == "" {
		return cli.Exit("manifest directory required (--manifest-dir or config)", 1)
	}

	manifests, err := manifest.LoadDir(dir)
	if err != nil {
		return cli.Exit(fmt.Sprintf("read manifests: %v", err), 1)
	}

	only := c.String("recording")
	statuses := make([]recordingStatus, 0, len(manifests))
	for i := range manifests {
		m := &manifests[i]
		if only != "" && m.RecordingID != only {
			continue
		}
		counts := m.CountByStatus()
		statuses = append(statuses, recordingStatus{
			RecordingID: m.RecordingID,
			Total:       len(m.Entries),
			Pending:     counts[types.StatusPending],
			Uploading:   counts[types.StatusUploading],
			Completed:   counts[types.StatusCompleted],
			Failed:      counts[types.StatusFailed],
		})
	}

	if only != "" && len(statuses) == 0 {
		return cli.Exit(fmt.Sprintf("no manifest for recording %q", only), 1)
	}

	if c.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}

	if len(statuses) == 0 {
		fmt.Println("no recordings")
		return nil
	}
	for _, s := range statuses {
		fmt.Printf("%s  total=%d pending=%d uploading=%d completed=%d failed=%d\n",
			s.RecordingID, s.Total, s.Pending, s.Uploading, s.Completed, s.Failed)
	}
	return nil
}
