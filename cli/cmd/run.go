package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/driftlock-io/capstan/catalog"
	"github.com/driftlock-io/capstan/catalog/redis"
	"github.com/driftlock-io/capstan/catalog/webhook"
	"github.com/driftlock-io/capstan/chunk"
	"github.com/driftlock-io/capstan/cli/config"
	"github.com/driftlock-io/capstan/creds"
	"github.com/driftlock-io/capstan/ipc"
	"github.com/driftlock-io/capstan/log"
	"github.com/driftlock-io/capstan/manifest"
	"github.com/driftlock-io/capstan/metrics"
	"github.com/driftlock-io/capstan/scheduler"
	"github.com/driftlock-io/capstan/transfer"
	"github.com/driftlock-io/capstan/types"
)

// Exit codes for the run command.
const (
	// exitSuccess: ingest finished and every chunk reached completed.
	exitSuccess = 0
	// exitFatal: the agent could not start or the ingest stream broke.
	exitFatal = 1
	// exitChunksFailed: the agent finished but some chunks are failed.
	exitChunksFailed = 2
)

// drainInterval is how often the shutdown drain re-checks progress.
const drainInterval = 250 * time.Millisecond

// RunCommand returns the run command, the agent's execution entrypoint.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the upload agent: ingest capture frames and upload chunks",
		Flags: append(SharedFlags(),
			// Local storage flags
			&cli.StringFlag{
				Name:  "chunk-dir",
				Usage: "Directory for finalized chunk files",
			},
			&cli.Uint64Flag{
				Name:  "min-free-bytes",
				Usage: "Free-space floor for chunk commits",
			},
			// Remote storage flags
			&cli.StringFlag{
				Name:  "bucket",
				Usage: "Destination S3 bucket",
			},
			&cli.StringFlag{
				Name:  "region",
				Usage: "AWS region (optional, uses default chain)",
			},
			&cli.StringFlag{
				Name:  "endpoint",
				Usage: "Custom S3 endpoint URL (R2, MinIO)",
			},
			&cli.StringFlag{
				Name:  "key-prefix",
				Usage: "Object key prefix for uploaded chunks",
			},
			&cli.BoolFlag{
				Name:  "s3-path-style",
				Usage: "Force path-style S3 addressing",
			},
			&cli.Int64Flag{
				Name:  "multipart-threshold",
				Usage: "Size at which uploads switch to multipart",
			},
			&cli.Int64Flag{
				Name:  "part-size",
				Usage: "Multipart part size in bytes",
			},
			// Scheduler flags
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Max concurrent transfers",
			},
			&cli.IntFlag{
				Name:  "max-retries",
				Usage: "Retry budget per chunk",
			},
			&cli.DurationFlag{
				Name:  "base-delay",
				Usage: "Backoff base delay",
			},
			&cli.DurationFlag{
				Name:  "max-delay",
				Usage: "Backoff delay cap",
			},
			&cli.DurationFlag{
				Name:  "scan-interval",
				Usage: "Manifest scan interval",
			},
			&cli.DurationFlag{
				Name:  "attempt-timeout",
				Usage: "Wall-clock budget per transfer attempt",
			},
			// Catalog flags
			&cli.StringFlag{
				Name:  "catalog",
				Usage: "Catalog notifier: webhook, redis, or none",
			},
			&cli.StringFlag{
				Name:  "catalog-url",
				Usage: "Catalog endpoint URL (webhook) or redis:// URL",
			},
			&cli.StringFlag{
				Name:  "catalog-channel",
				Usage: "Redis pub/sub channel for chunk events",
			},
			// Capture flags
			&cli.StringFlag{
				Name:  "pipe",
				Usage: "Capture frame pipe path (default: stdin)",
			},
			&cli.BoolFlag{
				Name:  "no-drain",
				Usage: "Exit after ingest EOF without waiting for uploads",
			},
		),
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}

	logger := log.NewLogger()
	sessionID := uuid.NewString()
	logger.Info("agent starting", map[string]any{
		"session_id": sessionID,
		"version":    types.Version,
	})

	collector := metrics.NewCollector()

	store, err := manifest.NewStore(resolveString(c, "manifest-dir", cfg.Storage.ManifestDir), logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("open manifest store: %v", err), exitFatal)
	}

	writer, err := chunk.NewWriter(chunk.WriterConfig{
		Dir:          resolveString(c, "chunk-dir", cfg.Storage.ChunkDir),
		MinFreeBytes: resolveUint64(c, "min-free-bytes", cfg.Storage.MinFreeBytes),
		Logger:       logger,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("open chunk writer: %v", err), exitFatal)
	}

	// Env credentials, when present, are wrapped in a caching provider
	// so the scheduler can invalidate them after auth failures. Without
	// env keys the SDK default chain resolves credentials itself.
	var provider creds.Provider
	var invalidator scheduler.CredentialInvalidator
	if env := creds.FromEnv(); env != nil {
		caching, err := creds.NewCaching(env, creds.DefaultRefreshLeeway)
		if err != nil {
			return cli.Exit(fmt.Sprintf("credential provider: %v", err), exitFatal)
		}
		provider = caching
		invalidator = caching
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := transfer.NewS3Client(ctx, transfer.S3Config{
		Bucket:             resolveString(c, "bucket", cfg.Storage.Bucket),
		Region:             resolveString(c, "region", cfg.Storage.Region),
		Endpoint:           resolveString(c, "endpoint", cfg.Storage.Endpoint),
		UsePathStyle:       c.Bool("s3-path-style") || cfg.Storage.S3PathStyle,
		MultipartThreshold: resolveInt64(c, "multipart-threshold", cfg.Storage.MultipartThreshold),
		PartSize:           resolveInt64(c, "part-size", cfg.Storage.PartSize),
		Logger:             logger,
	}, provider)
	if err != nil {
		return cli.Exit(fmt.Sprintf("create transfer client: %v", err), exitFatal)
	}
	defer func() { _ = client.Close() }()

	notifier, err := buildNotifier(c, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("create catalog notifier: %v", err), exitFatal)
	}
	defer func() { _ = notifier.Close() }()

	sched := scheduler.New(store, client, notifier, scheduler.Config{
		Concurrency:    resolveInt(c, "concurrency", cfg.Uploader.Concurrency),
		MaxRetries:     resolveInt(c, "max-retries", cfg.Uploader.MaxRetries),
		BaseDelay:      resolveDuration(c, "base-delay", cfg.Uploader.BaseDelay.Duration),
		MaxDelay:       resolveDuration(c, "max-delay", cfg.Uploader.MaxDelay.Duration),
		ScanInterval:   resolveDuration(c, "scan-interval", cfg.Uploader.ScanInterval.Duration),
		AttemptTimeout: resolveDuration(c, "attempt-timeout", cfg.Uploader.AttemptTimeout.Duration),
		KeyPrefix:      resolveString(c, "key-prefix", cfg.Storage.KeyPrefix),
		Creds:          invalidator,
		Logger:         logger,
		Metrics:        collector,
	})
	if err := sched.Start(); err != nil {
		return cli.Exit(fmt.Sprintf("start scheduler: %v", err), exitFatal)
	}
	defer sched.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", map[string]any{
			"signal": sig.String(),
		})
		cancel()
	}()

	input, closeInput, err := openCaptureInput(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	defer closeInput()

	ingestErr := ipc.Ingest(ctx, input, ipc.IngestConfig{
		Writer:  writer,
		Store:   store,
		Wake:    sched.Kick,
		Logger:  logger,
		Metrics: collector,
	})
	if ingestErr != nil && ingestErr != context.Canceled {
		logger.Error("capture ingest failed", map[string]any{
			"error": ingestErr.Error(),
		})
	}

	// Let in-flight and pending uploads finish before stopping, unless
	// asked not to or already shutting down.
	if !c.Bool("no-drain") && ctx.Err() == nil {
		drainUploads(ctx, store, logger)
	}
	sched.Stop()

	reportMetrics(logger, collector)

	if ingestErr != nil && ingestErr != context.Canceled {
		return cli.Exit("", exitFatal)
	}
	if failed := countAll(store, types.StatusFailed); failed > 0 {
		logger.Error("agent finished with failed chunks", map[string]any{
			"failed_chunks": failed,
		})
		return cli.Exit("", exitChunksFailed)
	}
	return cli.Exit("", exitSuccess)
}

// loadConfig loads the YAML config when --config is set; otherwise an
// empty config so flag resolution falls back to package defaults.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		return &config.Config{}, nil
	}
	return config.Load(path)
}

// openCaptureInput opens the capture frame source: a named pipe when
// configured, stdin otherwise.
func openCaptureInput(c *cli.Context, cfg *config.Config) (io.Reader, func(), error) {
	pipe := resolveString(c, "pipe", cfg.Capture.Pipe)
	if pipe == "" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(pipe)
	if err != nil {
		return nil, nil, fmt.Errorf("open capture pipe: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// buildNotifier constructs the configured catalog notifier.
func buildNotifier(c *cli.Context, cfg *config.Config) (catalog.Notifier, error) {
	kind := resolveString(c, "catalog", cfg.Catalog.Type)
	url := resolveString(c, "catalog-url", cfg.Catalog.URL)

	switch kind {
	case "", "none":
		return catalog.NopNotifier{}, nil

	case "webhook":
		webhookCfg := webhook.Config{
			URL:     url,
			Headers: cfg.Catalog.Headers,
			Timeout: cfg.Catalog.Timeout.Duration,
		}
		if cfg.Catalog.Retries != nil {
			webhookCfg.Retries = *cfg.Catalog.Retries
		} else {
			webhookCfg.Retries = webhook.DefaultRetries
		}
		return webhook.New(webhookCfg)

	case "redis":
		redisCfg := redis.Config{
			URL:     url,
			Channel: resolveString(c, "catalog-channel", cfg.Catalog.Channel),
			Timeout: cfg.Catalog.Timeout.Duration,
		}
		if cfg.Catalog.Retries != nil {
			redisCfg.Retries = *cfg.Catalog.Retries
		} else {
			redisCfg.Retries = redis.DefaultRetries
		}
		return redis.New(redisCfg)

	default:
		return nil, fmt.Errorf("unknown catalog type %q (must be webhook, redis, or none)", kind)
	}
}

// drainUploads blocks until every chunk is terminal or ctx is canceled.
func drainUploads(ctx context.Context, store *manifest.Store, logger *log.Logger) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		remaining := countAll(store, types.StatusPending) + countAll(store, types.StatusUploading)
		if remaining == 0 {
			return
		}
		logger.Debug("waiting for uploads to drain", map[string]any{
			"remaining_chunks": remaining,
		})

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// countAll counts chunks with the given status across all manifests.
func countAll(store *manifest.Store, status types.ChunkStatus) int {
	total := 0
	for _, m := range store.LoadAll() {
		total += m.CountByStatus()[status]
	}
	return total
}

// reportMetrics logs the final metrics snapshot at shutdown.
func reportMetrics(logger *log.Logger, collector *metrics.Collector) {
	snap := collector.Snapshot()
	logger.Info("agent metrics", map[string]any{
		"chunks_finalized":     snap.ChunksFinalized,
		"bytes_finalized":      snap.BytesFinalized,
		"uploads_started":      snap.UploadsStarted,
		"uploads_completed":    snap.UploadsCompleted,
		"uploads_retried":      snap.UploadsRetried,
		"uploads_failed":       snap.UploadsFailed,
		"bytes_transferred":    snap.BytesTransferred,
		"credential_refreshes": snap.CredentialRefreshes,
		"notify_failures":      snap.NotifyFailure,
	})
}
