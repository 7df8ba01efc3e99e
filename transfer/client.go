package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/driftlock-io/capstan/chunk"
	"github.com/driftlock-io/capstan/types"
)

// Client performs the bytes-on-the-wire transfer of one chunk file to
// remote object storage.
type Client interface {
	// Transfer uploads the file at filePath to destKey and returns a
	// receipt. Failures are classified *Error values; callers decide
	// retry behavior via IsRetryable/IsAuthFailure.
	// Must respect context cancellation and deadlines.
	Transfer(ctx context.Context, filePath, destKey string, meta types.ChunkMetadata) (types.TransferReceipt, error)

	// Close releases client resources.
	Close() error
}

// ObjectKey derives the deterministic destination key for a chunk.
// Re-uploading the same chunk always targets the same key, giving the
// store idempotent overwrite semantics.
func ObjectKey(prefix, recordingID string, index int) string {
	key := fmt.Sprintf("%s/%s", recordingID, chunk.ChunkFileName(index))
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// StubCall is a recorded Transfer invocation for testing.
type StubCall struct {
	FilePath string
	DestKey  string
	Meta     types.ChunkMetadata
}

// StubClient records Transfer calls and returns scripted results.
// Results are consumed per destination key in FIFO order; a key with
// no scripted results succeeds with a synthetic receipt.
type StubClient struct {
	mu      sync.Mutex
	calls   []StubCall
	scripts map[string][]error
	hook    func(ctx context.Context, call StubCall)
}

// NewStubClient creates a stub transfer client.
func NewStubClient() *StubClient {
	return &StubClient{scripts: make(map[string][]error)}
}

// ScriptError queues err as the result of the next Transfer for destKey.
func (c *StubClient) ScriptError(destKey string, err error) {
	c.mu.Lock()
	c.scripts[destKey] = append(c.scripts[destKey], err)
	c.mu.Unlock()
}

// SetHook installs fn to run inside every Transfer call, after the call
// is recorded and before the result is returned. Tests use it to hold
// transfers in flight and observe concurrency.
func (c *StubClient) SetHook(fn func(ctx context.Context, call StubCall)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Transfer implements Client by recording the call.
func (c *StubClient) Transfer(ctx context.Context, filePath, destKey string, meta types.ChunkMetadata) (types.TransferReceipt, error) {
	if err := ctx.Err(); err != nil {
		return types.TransferReceipt{}, wrap("transfer", destKey, err)
	}

	call := StubCall{FilePath: filePath, DestKey: destKey, Meta: meta}

	c.mu.Lock()
	c.calls = append(c.calls, call)
	hook := c.hook
	var scripted error
	if queue := c.scripts[destKey]; len(queue) > 0 {
		scripted = queue[0]
		c.scripts[destKey] = queue[1:]
	}
	c.mu.Unlock()

	if hook != nil {
		hook(ctx, call)
	}

	if scripted != nil {
		return types.TransferReceipt{}, scripted
	}
	return types.TransferReceipt{
		RemoteKey:    destKey,
		IntegrityTag: fmt.Sprintf("stub-etag-%s", meta.Checksum),
		Parts:        1,
	}, nil
}

// Calls returns a copy of all recorded calls.
func (c *StubClient) Calls() []StubCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StubCall, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns the number of recorded calls.
func (c *StubClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Close implements Client.
func (c *StubClient) Close() error { return nil }

// Verify StubClient implements Client.
var _ Client = (*StubClient)(nil)
