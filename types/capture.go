package types

// Capture frame type discriminants. The capture process streams
// length-prefixed msgpack frames over a pipe; the agent discriminates
// on the type field before full decode.
const (
	// ChunkBufferType marks a frame carrying raw chunk bytes.
	ChunkBufferType = "chunk_buffer"
	// RecordingDoneType marks a control frame ending a recording.
	RecordingDoneType = "recording_done"
)

// ChunkBufferFrame carries one captured chunk buffer from the capture
// process. The agent finalizes the buffer into an immutable chunk file
// and enqueues it for upload.
type ChunkBufferFrame struct {
	// Type is always "chunk_buffer".
	Type string `msgpack:"type"`
	// RecordingID is the recording this buffer belongs to.
	RecordingID string `msgpack:"recording_id"`
	// Index is the zero-based chunk position within the recording.
	Index int `msgpack:"index"`
	// DurationSeconds is the captured duration of this buffer.
	DurationSeconds float64 `msgpack:"duration_seconds"`
	// Data is the raw chunk bytes.
	Data []byte `msgpack:"data"`
}

// RecordingDoneFrame signals that the capture process has finished a
// recording and no further chunk buffers will arrive for it.
type RecordingDoneFrame struct {
	// Type is always "recording_done".
	Type string `msgpack:"type"`
	// RecordingID is the finished recording.
	RecordingID string `msgpack:"recording_id"`
	// ChunkCount is the total number of chunks emitted for the recording.
	ChunkCount int `msgpack:"chunk_count"`
}
