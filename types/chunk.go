// Package types defines the core domain types shared across Capstan packages.
package types

import "time"

// ChunkStatus represents the upload lifecycle state of a chunk.
type ChunkStatus string

// Chunk status constants. These are the exact values persisted in
// manifest files and must remain stable across releases.
const (
	// StatusPending means the chunk is eligible for upload (initial state,
	// also the state restored after a retryable failure or crash recovery).
	StatusPending ChunkStatus = "pending"
	// StatusUploading means a transfer is in flight for this chunk.
	StatusUploading ChunkStatus = "uploading"
	// StatusCompleted means the chunk was durably delivered (terminal).
	StatusCompleted ChunkStatus = "completed"
	// StatusFailed means the chunk exhausted retries or hit a
	// non-retryable failure (terminal).
	StatusFailed ChunkStatus = "failed"
)

// IsTerminal returns true if no further automatic transition occurs
// from this status.
func (s ChunkStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid returns true if s is one of the known status values.
func (s ChunkStatus) Valid() bool {
	switch s {
	case StatusPending, StatusUploading, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ChunkMetadata describes a finalized chunk file. Produced once by the
// chunk writer and immutable afterwards.
type ChunkMetadata struct {
	// RecordingID is the recording this chunk belongs to.
	RecordingID string
	// Index is the zero-based chunk position, strictly increasing per recording.
	Index int
	// FilePath is the absolute path of the committed chunk file.
	FilePath string
	// SizeBytes is the committed file size.
	SizeBytes int64
	// Checksum is the SHA-256 hex digest over the full file contents,
	// computed only after the file is fully and atomically written.
	Checksum string
	// DurationSeconds is the captured duration of this chunk.
	DurationSeconds float64
}

// ChunkEntry is the per-chunk record inside a manifest. Mutable, but
// owned exclusively by the manifest store; scheduler workers request
// mutations rather than writing fields directly.
type ChunkEntry struct {
	Index           int         `json:"index"`
	FilePath        string      `json:"file_path"`
	SizeBytes       int64       `json:"size_bytes"`
	Checksum        string      `json:"checksum"`
	DurationSeconds float64     `json:"duration_seconds,omitempty"`
	Status          ChunkStatus `json:"status"`
	// RemoteKey is the destination object key, set once an upload starts.
	RemoteKey string `json:"remote_key,omitempty"`
	// IntegrityTag is the store-returned integrity tag (ETag-equivalent),
	// set on successful completion.
	IntegrityTag string `json:"integrity_tag,omitempty"`
	// RetryCount is the number of failed attempts so far.
	RetryCount int `json:"retry_count"`
	// LastAttemptAt is the wall-clock time of the most recent attempt.
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// EntryFromMetadata builds the initial pending entry for a finalized chunk.
func EntryFromMetadata(meta ChunkMetadata) ChunkEntry {
	return ChunkEntry{
		Index:           meta.Index,
		FilePath:        meta.FilePath,
		SizeBytes:       meta.SizeBytes,
		Checksum:        meta.Checksum,
		DurationSeconds: meta.DurationSeconds,
		Status:          StatusPending,
	}
}

// Manifest is the durable per-recording record of every chunk's upload
// lifecycle state. Entry order is capture order; upload completion order
// across entries is not guaranteed.
type Manifest struct {
	RecordingID string       `json:"recording_id"`
	Entries     []ChunkEntry `json:"chunks"`
}

// Entry returns a pointer to the entry with the given index, or nil.
func (m *Manifest) Entry(index int) *ChunkEntry {
	for i := range m.Entries {
		if m.Entries[i].Index == index {
			return &m.Entries[i]
		}
	}
	return nil
}

// CountByStatus returns the number of entries per status.
func (m *Manifest) CountByStatus() map[ChunkStatus]int {
	counts := make(map[ChunkStatus]int, 4)
	for i := range m.Entries {
		counts[m.Entries[i].Status]++
	}
	return counts
}
