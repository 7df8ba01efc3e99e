package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/driftlock-io/capstan/chunk"
	"github.com/driftlock-io/capstan/log"
	"github.com/driftlock-io/capstan/manifest"
	"github.com/driftlock-io/capstan/metrics"
	"github.com/driftlock-io/capstan/types"
)

// IngestConfig wires the frame ingest loop to the rest of the agent.
type IngestConfig struct {
	// Writer finalizes chunk buffers into immutable files.
	Writer *chunk.Writer
	// Store receives one manifest entry per finalized chunk.
	Store *manifest.Store
	// Wake, when set, is called after each enqueued chunk so the
	// scheduler picks it up without waiting for the next scan tick.
	Wake func()

	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Ingest consumes capture frames from r until EOF, finalizing each
// chunk buffer to disk and enqueueing it for upload.
//
// Fatal frame errors (truncation, oversize) end the stream with an
// error; per-frame decode and finalize failures are logged and skipped
// so one bad buffer cannot take down the recording. Returns nil on
// clean EOF.
func Ingest(ctx context.Context, r io.Reader, cfg IngestConfig) error {
	if cfg.Writer == nil || cfg.Store == nil {
		return errors.New("ingest requires a chunk writer and manifest store")
	}

	decoder := NewFrameDecoder(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		payload, err := decoder.ReadFrame()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read capture frame: %w", err)
		}

		decoded, err := DecodeFrame(payload)
		if err != nil {
			if IsFatalFrameError(err) {
				return fmt.Errorf("decode capture frame: %w", err)
			}
			logWarn(cfg.Logger, "skipping undecodable frame", map[string]any{
				"error": err.Error(),
			})
			continue
		}

		switch frame := decoded.(type) {
		case *types.ChunkBufferFrame:
			ingestChunkBuffer(cfg, frame)
		case *types.RecordingDoneFrame:
			logInfo(cfg.Logger, "recording finished", map[string]any{
				"recording_id": frame.RecordingID,
				"chunk_count":  frame.ChunkCount,
			})
		}
	}
}

// ingestChunkBuffer finalizes one buffer and records it as pending.
// The manifest entry is persisted before any network activity, so a
// crash after this point still uploads the chunk on restart.
func ingestChunkBuffer(cfg IngestConfig, frame *types.ChunkBufferFrame) {
	meta, err := cfg.Writer.Finalize(frame.RecordingID, frame.Index, frame.DurationSeconds, frame.Data)
	if err != nil {
		logError(cfg.Logger, "chunk finalize failed", map[string]any{
			"recording_id": frame.RecordingID,
			"chunk_index":  frame.Index,
			"size_bytes":   len(frame.Data),
			"error":        err.Error(),
		})
		return
	}

	if err := cfg.Store.AppendOrUpdate(frame.RecordingID, types.EntryFromMetadata(meta)); err != nil {
		logError(cfg.Logger, "chunk enqueue failed", map[string]any{
			"recording_id": frame.RecordingID,
			"chunk_index":  frame.Index,
			"error":        err.Error(),
		})
		return
	}
	cfg.Metrics.IncChunkFinalized(meta.SizeBytes)

	if cfg.Wake != nil {
		cfg.Wake()
	}
}

func logInfo(l *log.Logger, msg string, fields map[string]any) {
	if l != nil {
		l.Info(msg, fields)
	}
}

func logWarn(l *log.Logger, msg string, fields map[string]any) {
	if l != nil {
		l.Warn(msg, fields)
	}
}

func logError(l *log.Logger, msg string, fields map[string]any) {
	if l != nil {
		l.Error(msg, fields)
	}
}
