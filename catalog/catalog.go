// Package catalog defines the catalog notification boundary.
//
// The uploader emits one event per terminal chunk state; the external
// catalog aggregates them into session-level records. The uploader
// does not depend on the catalog's own schema. Notifier lifecycle is
// owned by the agent; users provide configuration only.
package catalog

import (
	"context"
	"sync"

	"github.com/driftlock-io/capstan/types"
)

// SchemaVersion identifies the chunk event payload shape.
const SchemaVersion = "1.0.0"

// ChunkEvent is the payload published when a chunk reaches a terminal
// upload state.
type ChunkEvent struct {
	SchemaVersion string `json:"schema_version"`
	RecordingID   string `json:"recording_id"`
	ChunkIndex    int    `json:"chunk_index"`
	// Status is "completed" or "failed"; the scheduler only emits
	// terminal states.
	Status       types.ChunkStatus `json:"status"`
	RemoteKey    string            `json:"remote_key,omitempty"`
	IntegrityTag string            `json:"integrity_tag,omitempty"`
	SizeBytes    int64             `json:"size_bytes,omitempty"`
	RetryCount   int               `json:"retry_count"`
	// Timestamp is the event time in ISO 8601 UTC format.
	Timestamp string `json:"timestamp"`
}

// Notifier publishes terminal chunk events to a downstream system.
type Notifier interface {
	// Publish sends a chunk event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *ChunkEvent) error

	// Close releases notifier resources.
	Close() error
}

// NopNotifier discards all events. Used when no catalog is configured.
type NopNotifier struct{}

// Publish implements Notifier as a no-op.
func (NopNotifier) Publish(context.Context, *ChunkEvent) error { return nil }

// Close implements Notifier as a no-op.
func (NopNotifier) Close() error { return nil }

// StubNotifier records published events for testing.
type StubNotifier struct {
	mu     sync.Mutex
	events []ChunkEvent
	err    error
}

// NewStubNotifier creates a stub notifier.
func NewStubNotifier() *StubNotifier {
	return &StubNotifier{}
}

// FailWith makes subsequent Publish calls return err.
func (n *StubNotifier) FailWith(err error) {
	n.mu.Lock()
	n.err = err
	n.mu.Unlock()
}

// Publish implements Notifier by recording the event.
func (n *StubNotifier) Publish(_ context.Context, event *ChunkEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, *event)
	return nil
}

// Events returns a copy of all recorded events.
func (n *StubNotifier) Events() []ChunkEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ChunkEvent, len(n.events))
	copy(out, n.events)
	return out
}

// Close implements Notifier.
func (n *StubNotifier) Close() error { return nil }

// Verify interface conformance.
var (
	_ Notifier = NopNotifier{}
	_ Notifier = (*StubNotifier)(nil)
)
