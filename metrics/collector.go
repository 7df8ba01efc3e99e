// Package metrics provides in-process metrics collection for the
// upload agent. The Collector accumulates counters for the lifetime of
// the process. It is a leaf package with no internal dependencies.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all collected metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Chunk finalization
	ChunksFinalized int64
	BytesFinalized  int64

	// Upload lifecycle
	UploadsStarted   int64
	UploadsCompleted int64
	UploadsRetried   int64
	UploadsFailed    int64
	BytesTransferred int64

	// Credentials
	CredentialRefreshes int64

	// Catalog notifications
	NotifySuccess int64
	NotifyFailure int64
}

// Collector accumulates metrics for a running agent.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	chunksFinalized int64
	bytesFinalized  int64

	uploadsStarted   int64
	uploadsCompleted int64
	uploadsRetried   int64
	uploadsFailed    int64
	bytesTransferred int64

	credentialRefreshes int64

	notifySuccess int64
	notifyFailure int64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// IncChunkFinalized records a finalized chunk of the given size.
func (c *Collector) IncChunkFinalized(sizeBytes int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.chunksFinalized++
	c.bytesFinalized += sizeBytes
	c.mu.Unlock()
}

// IncUploadStarted records a claimed upload attempt.
func (c *Collector) IncUploadStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.uploadsStarted++
	c.mu.Unlock()
}

// IncUploadCompleted records a successful upload of the given size.
func (c *Collector) IncUploadCompleted(sizeBytes int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.uploadsCompleted++
	c.bytesTransferred += sizeBytes
	c.mu.Unlock()
}

// IncUploadRetried records a retryable failure scheduled for re-attempt.
func (c *Collector) IncUploadRetried() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.uploadsRetried++
	c.mu.Unlock()
}

// IncUploadFailed records a chunk reaching the failed terminal state.
func (c *Collector) IncUploadFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.uploadsFailed++
	c.mu.Unlock()
}

// IncCredentialRefresh records a forced credential refresh after an
// authorization failure.
func (c *Collector) IncCredentialRefresh() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.credentialRefreshes++
	c.mu.Unlock()
}

// IncNotifySuccess records a delivered catalog notification.
func (c *Collector) IncNotifySuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.notifySuccess++
	c.mu.Unlock()
}

// IncNotifyFailure records a catalog notification that could not be delivered.
func (c *Collector) IncNotifyFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.notifyFailure++
	c.mu.Unlock()
}

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		ChunksFinalized: c.chunksFinalized,
		BytesFinalized:  c.bytesFinalized,

		UploadsStarted:   c.uploadsStarted,
		UploadsCompleted: c.uploadsCompleted,
		UploadsRetried:   c.uploadsRetried,
		UploadsFailed:    c.uploadsFailed,
		BytesTransferred: c.bytesTransferred,

		CredentialRefreshes: c.credentialRefreshes,

		NotifySuccess: c.notifySuccess,
		NotifyFailure: c.notifyFailure,
	}
}
