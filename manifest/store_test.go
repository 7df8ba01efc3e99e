package manifest

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/driftlock-io/capstan/types"
)

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func pendingEntry(index int) types.ChunkEntry {
	return types.ChunkEntry{
		Index:    index,
		FilePath: "/tmp/chunk.bin",
		Checksum: "abc",
		Status:   types.StatusPending,
	}
}

func TestCreateAndLoad(t *testing.T) {
	s := newTestStore(t, t.TempDir())

	if err := s.Create("rec-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Idempotent.
	if err := s.Create("rec-1"); err != nil {
		t.Fatalf("Create again: %v", err)
	}

	m, err := s.Load("rec-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.RecordingID != "rec-1" || len(m.Entries) != 0 {
		t.Fatalf("unexpected manifest: %+v", m)
	}

	if _, err := s.Load("rec-unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load unknown = %v, want ErrNotFound", err)
	}
}

func TestAppendOrUpdate(t *testing.T) {
	s := newTestStore(t, t.TempDir())

	if err := s.AppendOrUpdate("rec-1", pendingEntry(0)); err != nil {
		t.Fatalf("AppendOrUpdate: %v", err)
	}
	if err := s.AppendOrUpdate("rec-1", pendingEntry(1)); err != nil {
		t.Fatalf("AppendOrUpdate: %v", err)
	}

	// Replacing index 0 must not grow the list.
	updated := pendingEntry(0)
	updated.Checksum = "def"
	if err := s.AppendOrUpdate("rec-1", updated); err != nil {
		t.Fatalf("AppendOrUpdate replace: %v", err)
	}

	m, err := s.Load("rec-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(m.Entries))
	}
	if m.Entries[0].Checksum != "def" {
		t.Fatalf("entry 0 checksum = %s, want def", m.Entries[0].Checksum)
	}
}

func TestStatusTransitions(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	if err := s.AppendOrUpdate("rec-1", pendingEntry(0)); err != nil {
		t.Fatalf("AppendOrUpdate: %v", err)
	}

	now := time.Now().UTC()
	if err := s.MarkUploading("rec-1", 0, "rec/chunk_0", now); err != nil {
		t.Fatalf("MarkUploading: %v", err)
	}

	// Double-claim must be rejected.
	if err := s.MarkUploading("rec-1", 0, "rec/chunk_0", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second MarkUploading = %v, want ErrInvalidTransition", err)
	}

	receipt := types.TransferReceipt{RemoteKey: "rec/chunk_0", IntegrityTag: "etag-1"}
	if err := s.MarkCompleted("rec-1", 0, receipt); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	m, _ := s.Load("rec-1")
	e := m.Entry(0)
	if e.Status != types.StatusCompleted || e.IntegrityTag != "etag-1" {
		t.Fatalf("entry after completion: %+v", e)
	}

	// Completed is terminal.
	if err := s.MarkUploading("rec-1", 0, "x", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("MarkUploading on completed = %v, want ErrInvalidTransition", err)
	}
}

func TestRetryAndFail(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	if err := s.AppendOrUpdate("rec-1", pendingEntry(0)); err != nil {
		t.Fatalf("AppendOrUpdate: %v", err)
	}

	now := time.Now().UTC()
	for i := 1; i <= 2; i++ {
		if err := s.MarkUploading("rec-1", 0, "k", now); err != nil {
			t.Fatalf("MarkUploading: %v", err)
		}
		if err := s.MarkRetry("rec-1", 0, now); err != nil {
			t.Fatalf("MarkRetry: %v", err)
		}
		m, _ := s.Load("rec-1")
		e := m.Entry(0)
		if e.Status != types.StatusPending || e.RetryCount != i {
			t.Fatalf("after retry %d: status=%s retryCount=%d", i, e.Status, e.RetryCount)
		}
	}

	if err := s.MarkUploading("rec-1", 0, "k", now); err != nil {
		t.Fatalf("MarkUploading: %v", err)
	}
	if err := s.MarkFailed("rec-1", 0); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	m, _ := s.Load("rec-1")
	if m.Entry(0).Status != types.StatusFailed {
		t.Fatalf("status = %s, want failed", m.Entry(0).Status)
	}
}

func TestMarkInterrupted(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	if err := s.AppendOrUpdate("rec-1", pendingEntry(0)); err != nil {
		t.Fatalf("AppendOrUpdate: %v", err)
	}
	now := time.Now().UTC()

	_ = s.MarkUploading("rec-1", 0, "k", now)
	_ = s.MarkRetry("rec-1", 0, now)
	_ = s.MarkUploading("rec-1", 0, "k", now)

	if err := s.MarkInterrupted("rec-1", 0); err != nil {
		t.Fatalf("MarkInterrupted: %v", err)
	}
	m, _ := s.Load("rec-1")
	e := m.Entry(0)
	if e.Status != types.StatusPending {
		t.Fatalf("status = %s, want pending", e.Status)
	}
	// The abandoned attempt does not count against the retry budget.
	if e.RetryCount != 1 {
		t.Fatalf("retryCount = %d, want 1", e.RetryCount)
	}

	if err := s.MarkInterrupted("rec-1", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("MarkInterrupted on pending = %v, want ErrInvalidTransition", err)
	}
}

func TestRearm(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	if err := s.AppendOrUpdate("rec-1", pendingEntry(0)); err != nil {
		t.Fatalf("AppendOrUpdate: %v", err)
	}
	now := time.Now().UTC()

	// Rearm only applies to failed entries.
	if err := s.Rearm("rec-1", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Rearm on pending = %v, want ErrInvalidTransition", err)
	}

	_ = s.MarkUploading("rec-1", 0, "k", now)
	_ = s.MarkFailed("rec-1", 0)

	if err := s.Rearm("rec-1", 0); err != nil {
		t.Fatalf("Rearm: %v", err)
	}
	m, _ := s.Load("rec-1")
	e := m.Entry(0)
	if e.Status != types.StatusPending || e.RetryCount != 0 || e.LastAttemptAt != nil {
		t.Fatalf("entry after rearm: %+v", e)
	}
}

func TestRestartReconcilesUploading(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	for i := 0; i < 3; i++ {
		if err := s.AppendOrUpdate("rec-1", pendingEntry(i)); err != nil {
			t.Fatalf("AppendOrUpdate: %v", err)
		}
	}
	now := time.Now().UTC()
	_ = s.MarkUploading("rec-1", 1, "k", now)

	// Simulated crash: reopen the store from the same directory.
	s2 := newTestStore(t, dir)
	m, err := s2.Load("rec-1")
	if err != nil {
		t.Fatalf("Load after restart: %v", err)
	}
	for _, e := range m.Entries {
		if e.Status == types.StatusUploading {
			t.Fatalf("chunk %d still uploading after restart", e.Index)
		}
	}
	if m.Entry(1).Status != types.StatusPending {
		t.Fatalf("chunk 1 status = %s, want pending", m.Entry(1).Status)
	}

	// The reconciliation must also be persisted.
	s3 := newTestStore(t, dir)
	m, _ = s3.Load("rec-1")
	if m.Entry(1).Status != types.StatusPending {
		t.Fatal("reconciliation was not persisted")
	}
}

func TestRecoverSkipsCorruptManifest(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)
	if err := s.AppendOrUpdate("rec-good", pendingEntry(0)); err != nil {
		t.Fatalf("AppendOrUpdate: %v", err)
	}

	// Drop a corrupt manifest file next to the good one.
	bad := filepath.Join(dir, "rec-bad.manifest.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s2 := newTestStore(t, dir)
	all := s2.LoadAll()
	if len(all) != 1 || all[0].RecordingID != "rec-good" {
		t.Fatalf("LoadAll = %+v, want only rec-good", all)
	}
}

func TestManifestFileFormat(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)
	if err := s.AppendOrUpdate("rec-1", pendingEntry(0)); err != nil {
		t.Fatalf("AppendOrUpdate: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "rec-1.manifest.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var file struct {
		FormatVersion int                `json:"format_version"`
		RecordingID   string             `json:"recording_id"`
		Chunks        []types.ChunkEntry `json:"chunks"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if file.FormatVersion != FormatVersion || file.RecordingID != "rec-1" || len(file.Chunks) != 1 {
		t.Fatalf("unexpected file contents: %+v", file)
	}
	if file.Chunks[0].Status != types.StatusPending {
		t.Fatalf("persisted status = %s, want pending", file.Chunks[0].Status)
	}
}

func TestConcurrentMutations(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	const n = 16
	for i := 0; i < n; i++ {
		if err := s.AppendOrUpdate("rec-1", pendingEntry(i)); err != nil {
			t.Fatalf("AppendOrUpdate: %v", err)
		}
	}

	now := time.Now().UTC()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := s.MarkUploading("rec-1", idx, "k", now); err != nil {
				t.Errorf("MarkUploading(%d): %v", idx, err)
				return
			}
			if err := s.MarkCompleted("rec-1", idx, types.TransferReceipt{RemoteKey: "k", IntegrityTag: "e"}); err != nil {
				t.Errorf("MarkCompleted(%d): %v", idx, err)
			}
		}(i)
	}
	wg.Wait()

	m, _ := s.Load("rec-1")
	counts := m.CountByStatus()
	if counts[types.StatusCompleted] != n {
		t.Fatalf("completed = %d, want %d", counts[types.StatusCompleted], n)
	}
}
