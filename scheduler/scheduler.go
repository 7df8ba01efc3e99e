// Package scheduler drives chunk uploads from the manifest store to
// remote object storage.
//
// A single polling loop scans every manifest on a fixed interval,
// claims eligible pending entries, and hands them to a worker pool
// bounded at a fixed number of concurrent transfers across all
// recordings. Claims are serialized through the scan loop, so a chunk
// can never be dispatched twice: once claimed it is persisted as
// uploading and skipped by subsequent scans.
//
// Retry policy is deterministic exponential backoff gated at scan
// time; entries whose backoff window has not elapsed are simply not
// eligible yet and cost nothing beyond the scan.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/driftlock-io/capstan/catalog"
	"github.com/driftlock-io/capstan/log"
	"github.com/driftlock-io/capstan/manifest"
	"github.com/driftlock-io/capstan/metrics"
	"github.com/driftlock-io/capstan/transfer"
	"github.com/driftlock-io/capstan/types"
)

// Defaults for scheduler configuration.
const (
	// DefaultConcurrency bounds simultaneous transfers across all recordings.
	DefaultConcurrency = 3

	// DefaultMaxRetries is the retry budget per chunk before the entry
	// is parked as failed.
	DefaultMaxRetries = 3

	// DefaultBaseDelay seeds the exponential backoff schedule.
	DefaultBaseDelay = time.Second

	// DefaultMaxDelay caps the backoff schedule.
	DefaultMaxDelay = 60 * time.Second

	// DefaultScanInterval is the manifest re-scan period. Short enough
	// that fresh chunks and expired backoff windows are picked up
	// promptly, long enough not to thrash the store.
	DefaultScanInterval = 250 * time.Millisecond

	// DefaultAttemptTimeout is the wall-clock budget for one transfer
	// attempt, multipart sequences included.
	DefaultAttemptTimeout = 10 * time.Minute

	// notifyTimeout bounds delivery of one terminal-state notification.
	notifyTimeout = 30 * time.Second
)

// ErrAlreadyRunning is returned by Start when the scheduler is running.
var ErrAlreadyRunning = errors.New("scheduler already running")

// CredentialInvalidator is the hook the scheduler calls after an
// authorization failure so the next attempt picks up fresh credentials.
type CredentialInvalidator interface {
	Invalidate()
}

// Config carries scheduler tuning. Zero values take the defaults above.
type Config struct {
	// Concurrency is the system-wide transfer limit N.
	Concurrency int

	// MaxRetries is the per-chunk retry budget.
	MaxRetries int

	// BaseDelay and MaxDelay define the backoff schedule
	// min(BaseDelay * 2^retryCount, MaxDelay).
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// ScanInterval is the manifest polling period.
	ScanInterval time.Duration

	// AttemptTimeout bounds a single transfer attempt.
	AttemptTimeout time.Duration

	// KeyPrefix is prepended to every destination object key.
	KeyPrefix string

	// Creds, when set, is invalidated after authorization failures.
	Creds CredentialInvalidator

	Logger  *log.Logger
	Metrics *metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	return c
}

// Scheduler owns the scan loop and the transfer worker pool.
type Scheduler struct {
	config   Config
	store    *manifest.Store
	client   transfer.Client
	notifier catalog.Notifier
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
}

// New creates a Scheduler over the given store, transfer client, and
// catalog notifier. A nil notifier disables notifications.
func New(store *manifest.Store, client transfer.Client, notifier catalog.Notifier, cfg Config) *Scheduler {
	if notifier == nil {
		notifier = catalog.NopNotifier{}
	}
	return &Scheduler{
		config:   cfg.withDefaults(),
		store:    store,
		client:   client,
		notifier: notifier,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the scan loop. Returns ErrAlreadyRunning if the
// scheduler is already started.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx)

	s.logInfo("scheduler started", map[string]any{
		"concurrency":   s.config.Concurrency,
		"max_retries":   s.config.MaxRetries,
		"scan_interval": s.config.ScanInterval.String(),
	})
	return nil
}

// Stop cancels the scan loop and blocks until every in-flight worker
// has returned. Entries abandoned mid-transfer are restored to pending
// without consuming retry budget. Safe to call when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logInfo("scheduler stopped", nil)
}

// Kick requests an immediate re-scan without waiting for the next
// tick. Used after new chunks are enqueued. Non-blocking.
func (s *Scheduler) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the scan loop. It owns the worker pool semaphore; every
// claimed entry holds one slot from claim to state persistence.
func (s *Scheduler) run(ctx context.Context) {
	sem := make(chan struct{}, s.config.Concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		s.scanOnce(ctx, sem, &wg)

		select {
		case <-ctx.Done():
			wg.Wait()
			close(s.done)
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// scanOnce walks every manifest and dispatches eligible pending
// entries until the pool is full. Claims happen here, in loop order,
// so no entry can be claimed twice.
func (s *Scheduler) scanOnce(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	now := s.now()

	for _, m := range s.store.LoadAll() {
		for i := range m.Entries {
			e := m.Entries[i]
			if !s.eligible(&e, now) {
				continue
			}

			// Non-blocking slot acquisition; a full pool ends the scan.
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			default:
				return
			}

			key := transfer.ObjectKey(s.config.KeyPrefix, m.RecordingID, e.Index)
			if err := s.store.MarkUploading(m.RecordingID, e.Index, key, now); err != nil {
				// Bookkeeping trouble in one recording must not stall
				// the pool; release the slot and keep scanning.
				<-sem
				s.logWarn("claim failed", map[string]any{
					"recording_id": m.RecordingID,
					"chunk_index":  e.Index,
					"error":        err.Error(),
				})
				continue
			}
			s.config.Metrics.IncUploadStarted()

			wg.Add(1)
			go func(recordingID string, entry types.ChunkEntry, destKey string) {
				defer wg.Done()
				defer func() { <-sem }()
				s.execute(ctx, recordingID, entry, destKey)
			}(m.RecordingID, e, key)
		}
	}
}

// eligible reports whether a pending entry may be attempted at t.
func (s *Scheduler) eligible(e *types.ChunkEntry, t time.Time) bool {
	if e.Status != types.StatusPending {
		return false
	}
	if e.RetryCount == 0 || e.LastAttemptAt == nil {
		return true
	}
	return !t.Before(e.LastAttemptAt.Add(backoffDelay(e.RetryCount, s.config.BaseDelay, s.config.MaxDelay)))
}

// execute runs one transfer attempt for a claimed entry and persists
// the outcome. entry carries the pre-claim state, so entry.RetryCount
// is the number of attempts already consumed.
func (s *Scheduler) execute(ctx context.Context, recordingID string, entry types.ChunkEntry, destKey string) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.config.AttemptTimeout)
	defer cancel()

	meta := types.ChunkMetadata{
		RecordingID:     recordingID,
		Index:           entry.Index,
		FilePath:        entry.FilePath,
		SizeBytes:       entry.SizeBytes,
		Checksum:        entry.Checksum,
		DurationSeconds: entry.DurationSeconds,
	}

	receipt, err := s.client.Transfer(attemptCtx, entry.FilePath, destKey, meta)
	if err == nil {
		s.complete(recordingID, entry, receipt)
		return
	}

	// Shutdown abandons the attempt without consuming retry budget.
	if ctx.Err() != nil {
		if markErr := s.store.MarkInterrupted(recordingID, entry.Index); markErr != nil {
			s.logWarn("mark interrupted failed", map[string]any{
				"recording_id": recordingID,
				"chunk_index":  entry.Index,
				"error":        markErr.Error(),
			})
		}
		return
	}

	s.fail(recordingID, entry, destKey, err)
}

// complete persists the completed state and notifies the catalog.
func (s *Scheduler) complete(recordingID string, entry types.ChunkEntry, receipt types.TransferReceipt) {
	if err := s.store.MarkCompleted(recordingID, entry.Index, receipt); err != nil {
		s.logError("mark completed failed", map[string]any{
			"recording_id": recordingID,
			"chunk_index":  entry.Index,
			"error":        err.Error(),
		})
		return
	}
	s.config.Metrics.IncUploadCompleted(entry.SizeBytes)

	s.logInfo("chunk uploaded", map[string]any{
		"recording_id": recordingID,
		"chunk_index":  entry.Index,
		"remote_key":   receipt.RemoteKey,
		"size_bytes":   entry.SizeBytes,
		"parts":        receipt.Parts,
	})

	s.notify(&catalog.ChunkEvent{
		SchemaVersion: catalog.SchemaVersion,
		RecordingID:   recordingID,
		ChunkIndex:    entry.Index,
		Status:        types.StatusCompleted,
		RemoteKey:     receipt.RemoteKey,
		IntegrityTag:  receipt.IntegrityTag,
		SizeBytes:     entry.SizeBytes,
		RetryCount:    entry.RetryCount,
		Timestamp:     s.now().UTC().Format(time.RFC3339),
	})
}

// fail decides between re-queueing and parking the entry as failed,
// then persists that decision. Auth failures additionally invalidate
// cached credentials so the next attempt refreshes them.
func (s *Scheduler) fail(recordingID string, entry types.ChunkEntry, destKey string, err error) {
	if transfer.IsAuthFailure(err) && s.config.Creds != nil {
		s.config.Creds.Invalidate()
		s.config.Metrics.IncCredentialRefresh()
	}
	if errors.Is(err, transfer.ErrIntegrityMismatch) {
		s.logError("integrity mismatch", map[string]any{
			"recording_id": recordingID,
			"chunk_index":  entry.Index,
			"remote_key":   destKey,
			"checksum":     entry.Checksum,
		})
	}

	if transfer.IsRetryable(err) && entry.RetryCount < s.config.MaxRetries {
		if markErr := s.store.MarkRetry(recordingID, entry.Index, s.now()); markErr != nil {
			s.logError("mark retry failed", map[string]any{
				"recording_id": recordingID,
				"chunk_index":  entry.Index,
				"error":        markErr.Error(),
			})
			return
		}
		s.config.Metrics.IncUploadRetried()
		s.logWarn("chunk upload failed, will retry", map[string]any{
			"recording_id": recordingID,
			"chunk_index":  entry.Index,
			"attempt":      entry.RetryCount + 1,
			"next_delay":   backoffDelay(entry.RetryCount+1, s.config.BaseDelay, s.config.MaxDelay).String(),
			"error":        err.Error(),
		})
		return
	}

	if markErr := s.store.MarkFailed(recordingID, entry.Index); markErr != nil {
		s.logError("mark failed failed", map[string]any{
			"recording_id": recordingID,
			"chunk_index":  entry.Index,
			"error":        markErr.Error(),
		})
		return
	}
	s.config.Metrics.IncUploadFailed()
	s.logError("chunk upload failed permanently", map[string]any{
		"recording_id": recordingID,
		"chunk_index":  entry.Index,
		"retry_count":  entry.RetryCount,
		"retryable":    transfer.IsRetryable(err),
		"error":        err.Error(),
	})

	s.notify(&catalog.ChunkEvent{
		SchemaVersion: catalog.SchemaVersion,
		RecordingID:   recordingID,
		ChunkIndex:    entry.Index,
		Status:        types.StatusFailed,
		RemoteKey:     destKey,
		SizeBytes:     entry.SizeBytes,
		RetryCount:    entry.RetryCount,
		Timestamp:     s.now().UTC().Format(time.RFC3339),
	})
}

// notify delivers one terminal-state event on its own deadline. A lost
// notification never affects manifest state.
func (s *Scheduler) notify(event *catalog.ChunkEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if err := s.notifier.Publish(ctx, event); err != nil {
		s.config.Metrics.IncNotifyFailure()
		s.logWarn("catalog notification failed", map[string]any{
			"recording_id": event.RecordingID,
			"chunk_index":  event.ChunkIndex,
			"status":       string(event.Status),
			"error":        err.Error(),
		})
		return
	}
	s.config.Metrics.IncNotifySuccess()
}

// backoffDelay computes min(base * 2^retryCount, max) for retryCount
// attempts already consumed. Shift-based, with overflow protection for
// large counts.
func backoffDelay(retryCount int, base, max time.Duration) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	if retryCount >= 62 {
		return max
	}
	d := base << uint(retryCount)
	if d <= 0 || d > max {
		return max
	}
	return d
}

func (s *Scheduler) logInfo(msg string, fields map[string]any) {
	if s.config.Logger != nil {
		s.config.Logger.Info(msg, fields)
	}
}

func (s *Scheduler) logWarn(msg string, fields map[string]any) {
	if s.config.Logger != nil {
		s.config.Logger.Warn(msg, fields)
	}
}

func (s *Scheduler) logError(msg string, fields map[string]any) {
	if s.config.Logger != nil {
		s.config.Logger.Error(msg, fields)
	}
}

