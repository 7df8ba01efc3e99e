// Package manifest implements the crash-durable upload manifest store.
//
// One manifest file exists per recording, holding every chunk's upload
// lifecycle state. The store is the single logical owner of all
// manifests: every mutation passes through one mutex so concurrent
// upload workers can never interleave writes to the same record. Each
// mutation is staged in memory and committed to disk with a single
// atomic replace, so a crash mid-write leaves either the old or the
// new manifest version, never a corrupt hybrid.
//
// The manifest files are the sole source of truth for resume. Any
// entry found in the uploading state at startup is reconciled back to
// pending: an in-flight transfer cannot have survived a crash.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/driftlock-io/capstan/iox"
	"github.com/driftlock-io/capstan/log"
	"github.com/driftlock-io/capstan/types"
)

// FormatVersion is the manifest file format version. Bump only with a
// migration path; persisted manifests must stay readable across restarts.
const FormatVersion = 1

// manifestExt is the manifest file suffix within the store directory.
const manifestExt = ".manifest.json"

// Sentinel errors for manifest operations.
var (
	// ErrNotFound indicates no manifest exists for the recording.
	ErrNotFound = errors.New("manifest not found")

	// ErrEntryNotFound indicates no chunk entry exists for the index.
	ErrEntryNotFound = errors.New("chunk entry not found")

	// ErrInvalidTransition indicates a status change the chunk state
	// machine does not permit.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// manifestFile is the on-disk representation of a manifest.
type manifestFile struct {
	FormatVersion int                `json:"format_version"`
	RecordingID   string             `json:"recording_id"`
	Chunks        []types.ChunkEntry `json:"chunks"`
}

// Store owns every recording manifest under a single directory.
type Store struct {
	dir    string
	logger *log.Logger

	mu        sync.Mutex
	manifests map[string]*types.Manifest
}

// NewStore opens (or creates) a manifest store rooted at dir, loads all
// existing manifests, and reconciles crash-interrupted entries: any
// chunk found uploading is restored to pending and persisted before the
// store is returned.
func NewStore(dir string, logger *log.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("manifest store requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}

	s := &Store{
		dir:       dir,
		logger:    logger,
		manifests: make(map[string]*types.Manifest),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// recover loads every manifest file and reconciles uploading entries
// back to pending. Unreadable manifests are logged and skipped so one
// corrupt recording cannot halt the rest.
func (s *Store) recover() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan manifest dir: %w", err)
	}

	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, manifestExt) {
			continue
		}
		path := filepath.Join(s.dir, name)

		m, err := readManifestFile(path)
		if err != nil {
			s.warn("skipping unreadable manifest", map[string]any{
				"path":  path,
				"error": err.Error(),
			})
			continue
		}

		reconciled := 0
		for i := range m.Entries {
			if m.Entries[i].Status == types.StatusUploading {
				m.Entries[i].Status = types.StatusPending
				reconciled++
			}
		}
		if reconciled > 0 {
			if err := s.persist(m); err != nil {
				return fmt.Errorf("persist reconciled manifest %s: %w", m.RecordingID, err)
			}
			s.info("reconciled interrupted uploads", map[string]any{
				"recording_id": m.RecordingID,
				"chunks":       reconciled,
			})
		}

		s.manifests[m.RecordingID] = m
	}
	return nil
}

// Create registers a manifest for a new recording and persists it.
// Creating an already-registered recording is a no-op.
func (s *Store) Create(recordingID string) error {
	if recordingID == "" {
		return errors.New("create requires a recording id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.manifests[recordingID]; exists {
		return nil
	}
	m := &types.Manifest{RecordingID: recordingID}
	if err := s.persist(m); err != nil {
		return err
	}
	s.manifests[recordingID] = m
	return nil
}

// AppendOrUpdate inserts the entry, or replaces the existing entry with
// the same index, and persists the manifest. The manifest is created
// implicitly if the recording is unknown.
func (s *Store) AppendOrUpdate(recordingID string, entry types.ChunkEntry) error {
	if !entry.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, entry.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.manifests[recordingID]
	if !exists {
		m = &types.Manifest{RecordingID: recordingID}
	}

	staged := cloneManifest(m)
	if existing := staged.Entry(entry.Index); existing != nil {
		*existing = entry
	} else {
		staged.Entries = append(staged.Entries, entry)
	}

	if err := s.persist(staged); err != nil {
		return err
	}
	s.manifests[recordingID] = staged
	return nil
}

// Load returns a copy of the manifest for a recording.
func (s *Store) Load(recordingID string) (types.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.manifests[recordingID]
	if !exists {
		return types.Manifest{}, fmt.Errorf("%w: %s", ErrNotFound, recordingID)
	}
	return *cloneManifest(m), nil
}

// LoadAll returns copies of every manifest, ordered by recording id.
func (s *Store) LoadAll() []types.Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Manifest, 0, len(s.manifests))
	for _, m := range s.manifests {
		out = append(out, *cloneManifest(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordingID < out[j].RecordingID })
	return out
}

// MarkUploading transitions a pending entry to uploading, recording the
// destination key and attempt time. Persisted before the transfer starts.
func (s *Store) MarkUploading(recordingID string, index int, remoteKey string, at time.Time) error {
	return s.update(recordingID, index, func(e *types.ChunkEntry) error {
		if e.Status != types.StatusPending {
			return fmt.Errorf("%w: %s -> uploading", ErrInvalidTransition, e.Status)
		}
		e.Status = types.StatusUploading
		e.RemoteKey = remoteKey
		e.LastAttemptAt = &at
		return nil
	})
}

// MarkCompleted transitions an uploading entry to completed with the
// transfer receipt. Completed is terminal.
func (s *Store) MarkCompleted(recordingID string, index int, receipt types.TransferReceipt) error {
	return s.update(recordingID, index, func(e *types.ChunkEntry) error {
		if e.Status != types.StatusUploading {
			return fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, e.Status)
		}
		e.Status = types.StatusCompleted
		e.RemoteKey = receipt.RemoteKey
		e.IntegrityTag = receipt.IntegrityTag
		return nil
	})
}

// MarkRetry transitions an uploading entry back to pending after a
// retryable failure, incrementing the retry count.
func (s *Store) MarkRetry(recordingID string, index int, at time.Time) error {
	return s.update(recordingID, index, func(e *types.ChunkEntry) error {
		if e.Status != types.StatusUploading {
			return fmt.Errorf("%w: %s -> pending", ErrInvalidTransition, e.Status)
		}
		e.Status = types.StatusPending
		e.RetryCount++
		e.LastAttemptAt = &at
		return nil
	})
}

// MarkFailed transitions an uploading entry to failed. Failed is
// terminal; the scheduler never retries it automatically.
func (s *Store) MarkFailed(recordingID string, index int) error {
	return s.update(recordingID, index, func(e *types.ChunkEntry) error {
		if e.Status != types.StatusUploading {
			return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, e.Status)
		}
		e.Status = types.StatusFailed
		return nil
	})
}

// MarkInterrupted transitions an uploading entry back to pending without
// counting the attempt. Used when an in-flight transfer is abandoned on
// clean shutdown rather than failing.
func (s *Store) MarkInterrupted(recordingID string, index int) error {
	return s.update(recordingID, index, func(e *types.ChunkEntry) error {
		if e.Status != types.StatusUploading {
			return fmt.Errorf("%w: %s -> pending (interrupted)", ErrInvalidTransition, e.Status)
		}
		e.Status = types.StatusPending
		return nil
	})
}

// Rearm resets a failed entry to a fresh pending entry with its retry
// count cleared. This is the explicit manual-resubmission operation,
// distinct from automatic retry.
func (s *Store) Rearm(recordingID string, index int) error {
	return s.update(recordingID, index, func(e *types.ChunkEntry) error {
		if e.Status != types.StatusFailed {
			return fmt.Errorf("%w: %s -> pending (rearm)", ErrInvalidTransition, e.Status)
		}
		e.Status = types.StatusPending
		e.RetryCount = 0
		e.LastAttemptAt = nil
		e.IntegrityTag = ""
		return nil
	})
}

// update stages a single-entry mutation on a copy, persists atomically,
// and only then swaps the in-memory manifest. A persist failure leaves
// both memory and disk on the previous version.
func (s *Store) update(recordingID string, index int, fn func(*types.ChunkEntry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.manifests[recordingID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, recordingID)
	}

	staged := cloneManifest(m)
	entry := staged.Entry(index)
	if entry == nil {
		return fmt.Errorf("%w: %s index %d", ErrEntryNotFound, recordingID, index)
	}
	if err := fn(entry); err != nil {
		return err
	}

	if err := s.persist(staged); err != nil {
		return err
	}
	s.manifests[recordingID] = staged
	return nil
}

// persist writes the manifest to its file with a single atomic replace.
// Caller must hold mu.
func (s *Store) persist(m *types.Manifest) error {
	file := manifestFile{
		FormatVersion: FormatVersion,
		RecordingID:   m.RecordingID,
		Chunks:        m.Entries,
	}
	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest %s: %w", m.RecordingID, err)
	}
	path := s.pathFor(m.RecordingID)
	if err := iox.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest %s: %w", m.RecordingID, err)
	}
	return nil
}

// pathFor returns the manifest file path for a recording.
func (s *Store) pathFor(recordingID string) string {
	return filepath.Join(s.dir, recordingID+manifestExt)
}

// LoadDir reads every manifest under dir without opening a store,
// reconciling, or writing anything. Read-only commands use it so they
// never race an agent running against the same directory. Unreadable
// manifests are skipped.
func LoadDir(dir string) ([]types.Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan manifest dir: %w", err)
	}

	var out []types.Manifest
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, manifestExt) {
			continue
		}
		m, err := readManifestFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordingID < out[j].RecordingID })
	return out, nil
}

// readManifestFile decodes a manifest file into the in-memory form.
func readManifestFile(path string) (*types.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file manifestFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if file.RecordingID == "" {
		return nil, errors.New("manifest missing recording_id")
	}
	for i := range file.Chunks {
		if !file.Chunks[i].Status.Valid() {
			return nil, fmt.Errorf("chunk %d: unknown status %q", file.Chunks[i].Index, file.Chunks[i].Status)
		}
	}
	return &types.Manifest{RecordingID: file.RecordingID, Entries: file.Chunks}, nil
}

// cloneManifest deep-copies a manifest so callers never alias store state.
func cloneManifest(m *types.Manifest) *types.Manifest {
	out := &types.Manifest{RecordingID: m.RecordingID}
	if len(m.Entries) > 0 {
		out.Entries = make([]types.ChunkEntry, len(m.Entries))
		copy(out.Entries, m.Entries)
		for i := range out.Entries {
			if ts := out.Entries[i].LastAttemptAt; ts != nil {
				c := *ts
				out.Entries[i].LastAttemptAt = &c
			}
		}
	}
	return out
}

func (s *Store) info(msg string, fields map[string]any) {
	if s.logger != nil {
		s.logger.Info(msg, fields)
	}
}

func (s *Store) warn(msg string, fields map[string]any) {
	if s.logger != nil {
		s.logger.Warn(msg, fields)
	}
}
