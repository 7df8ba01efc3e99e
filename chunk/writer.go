// Package chunk finalizes capture buffers into immutable chunk files.
//
// A chunk file is committed with write-temp-then-atomic-rename so no
// other component ever observes a partially written file. The SHA-256
// checksum in the returned metadata covers exactly the committed bytes.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/driftlock-io/capstan/iox"
	"github.com/driftlock-io/capstan/log"
	"github.com/driftlock-io/capstan/types"
)

// ErrInsufficientStorage is returned when the configured free-space
// floor would be violated by committing a chunk. Fatal to that chunk;
// the capture layer decides whether to skip or abort.
var ErrInsufficientStorage = errors.New("insufficient storage for chunk")

// DefaultMinFreeBytes is the default free-space floor (256 MiB).
const DefaultMinFreeBytes = 256 * 1024 * 1024

// WriterConfig configures a Writer.
type WriterConfig struct {
	// Dir is the root directory for chunk files. Chunks are placed at
	// Dir/<recording_id>/chunk_<index>.bin.
	Dir string
	// MinFreeBytes is the free-space floor that must remain after a
	// commit. Zero uses DefaultMinFreeBytes.
	MinFreeBytes uint64
	// Logger is an optional logger. If nil, no logging is emitted.
	Logger *log.Logger
}

// Writer finalizes capture buffers into chunk files.
type Writer struct {
	config WriterConfig
	logger *log.Logger
}

// NewWriter creates a Writer, creating the chunk root directory if needed.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, errors.New("chunk writer requires a directory")
	}
	if cfg.MinFreeBytes == 0 {
		cfg.MinFreeBytes = DefaultMinFreeBytes
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	return &Writer{config: cfg, logger: cfg.Logger}, nil
}

// ChunkFileName returns the canonical chunk file name for an index.
func ChunkFileName(index int) string {
	return fmt.Sprintf("chunk_%06d.bin", index)
}

// Finalize commits a capture buffer as an immutable chunk file and
// returns its metadata. Any I/O error is fatal to this chunk; no
// partial file is left behind on failure.
func (w *Writer) Finalize(recordingID string, index int, durationSeconds float64, buf []byte) (types.ChunkMetadata, error) {
	if recordingID == "" {
		return types.ChunkMetadata{}, errors.New("finalize requires a recording id")
	}
	if index < 0 {
		return types.ChunkMetadata{}, fmt.Errorf("finalize: negative chunk index %d", index)
	}

	if err := w.checkFreeSpace(int64(len(buf))); err != nil {
		return types.ChunkMetadata{}, err
	}

	recDir := filepath.Join(w.config.Dir, recordingID)
	if err := os.MkdirAll(recDir, 0o755); err != nil {
		return types.ChunkMetadata{}, fmt.Errorf("create recording dir: %w", err)
	}
	finalPath := filepath.Join(recDir, ChunkFileName(index))

	checksum, err := commitChunkFile(finalPath, buf)
	if err != nil {
		return types.ChunkMetadata{}, err
	}

	meta := types.ChunkMetadata{
		RecordingID:     recordingID,
		Index:           index,
		FilePath:        finalPath,
		SizeBytes:       int64(len(buf)),
		Checksum:        checksum,
		DurationSeconds: durationSeconds,
	}

	if w.logger != nil {
		w.logger.Debug("chunk finalized", map[string]any{
			"recording_id": recordingID,
			"index":        index,
			"size_bytes":   meta.SizeBytes,
			"checksum":     checksum,
		})
	}

	return meta, nil
}

// checkFreeSpace verifies the commit leaves at least MinFreeBytes free.
func (w *Writer) checkFreeSpace(commitBytes int64) error {
	free, err := iox.FreeSpace(w.config.Dir)
	if err != nil {
		return fmt.Errorf("check free space: %w", err)
	}
	if free < w.config.MinFreeBytes+uint64(commitBytes) {
		return fmt.Errorf("%w: %d bytes free, need %d plus %d floor",
			ErrInsufficientStorage, free, commitBytes, w.config.MinFreeBytes)
	}
	return nil
}

// commitChunkFile writes buf to path via temp-write, fsync, atomic
// rename, hashing the bytes as they are written. Returns the SHA-256
// hex digest of the committed contents.
func commitChunkFile(path string, buf []byte) (string, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp chunk: %w", err)
	}
	tmpPath := tmp.Name()

	fail := func(err error) (string, error) {
		iox.DiscardClose(tmp)
		_ = os.Remove(tmpPath)
		return "", err
	}

	hasher := sha256.New()
	if _, err := tmp.Write(buf); err != nil {
		return fail(fmt.Errorf("write chunk: %w", err))
	}
	// The hasher cannot fail; bytes hashed are exactly the bytes written.
	_, _ = hasher.Write(buf)

	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync chunk: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close chunk: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("commit chunk: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyChecksum re-reads the file at path and reports whether its
// SHA-256 digest matches want.
func VerifyChecksum(path, want string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read chunk for verify: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == want, nil
}
