package config

import (
	"fmt"
	"time"
)

// Config represents a capstan.yaml configuration file.
// All values are optional and act as defaults for capstan run flags.
// CLI flags always override config values.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Uploader UploaderConfig `yaml:"uploader"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Capture  CaptureConfig  `yaml:"capture"`
	LogLevel string         `yaml:"log_level"`
}

// StorageConfig holds local and remote storage defaults.
type StorageConfig struct {
	// ChunkDir is the local root for finalized chunk files.
	ChunkDir string `yaml:"chunk_dir"`
	// ManifestDir is the local root for manifest files.
	ManifestDir string `yaml:"manifest_dir"`
	// MinFreeBytes is the local free-space floor for chunk commits.
	MinFreeBytes uint64 `yaml:"min_free_bytes"`

	Bucket      string `yaml:"bucket"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	KeyPrefix   string `yaml:"key_prefix"`
	S3PathStyle bool   `yaml:"s3_path_style"`

	// MultipartThreshold and PartSize tune the multipart protocol.
	MultipartThreshold int64 `yaml:"multipart_threshold"`
	PartSize           int64 `yaml:"part_size"`
}

// UploaderConfig holds upload scheduler defaults.
type UploaderConfig struct {
	Concurrency    int      `yaml:"concurrency"`
	MaxRetries     int      `yaml:"max_retries"`
	BaseDelay      Duration `yaml:"base_delay"`
	MaxDelay       Duration `yaml:"max_delay"`
	ScanInterval   Duration `yaml:"scan_interval"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
}

// CatalogConfig holds catalog notifier defaults.
type CatalogConfig struct {
	// Type selects the notifier: "webhook", "redis", or "" for none.
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// CaptureConfig holds capture ingest defaults.
type CaptureConfig struct {
	// Pipe is the path to the capture process output pipe. Empty means
	// read frames from stdin.
	Pipe string `yaml:"pipe"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
