package transfer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/driftlock-io/capstan/types"
)

// fakeS3 records API calls and returns scripted failures.
type fakeS3 struct {
	mu sync.Mutex

	putCalls      int
	createCalls   int
	partCalls     int
	completeCalls int
	abortCalls    int

	partSizes []int64

	putErr      error
	partErrAt   int // fail the Nth part (1-based), 0 = never
	completeErr error
	abortErr    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &s3.PutObjectOutput{ETag: aws.String(`"etag-single"`)}, nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, _ *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partCalls++
	f.partSizes = append(f.partSizes, aws.ToInt64(in.ContentLength))
	if f.partErrAt > 0 && f.partCalls == f.partErrAt {
		return nil, errors.New("dial tcp: connection refused")
	}
	return &s3.UploadPartOutput{ETag: aws.String(`"etag-part"`)}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String(`"etag-multi"`)}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, _ *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls++
	if f.abortErr != nil {
		return nil, f.abortErr
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

func writeTestFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunk.bin")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xAB}, size), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// testConfig keeps multipart sizes small; MinPartSize is validated only
// on the public constructor.
func testConfig() S3Config {
	return S3Config{
		Bucket:             "test-bucket",
		MultipartThreshold: 1024,
		PartSize:           512,
	}
}

func TestTransferSingleShotBelowThreshold(t *testing.T) {
	fake := &fakeS3{}
	client := newS3ClientWithAPI(fake, testConfig())

	path := writeTestFile(t, 512)
	receipt, err := client.Transfer(context.Background(), path, "rec/chunk_000000.bin", types.ChunkMetadata{Checksum: "ab12"})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	if fake.putCalls != 1 || fake.createCalls != 0 {
		t.Fatalf("put=%d create=%d, want single-shot path", fake.putCalls, fake.createCalls)
	}
	if receipt.RemoteKey != "rec/chunk_000000.bin" || receipt.IntegrityTag == "" || receipt.Parts != 1 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestTransferMultipartAboveThreshold(t *testing.T) {
	fake := &fakeS3{}
	client := newS3ClientWithAPI(fake, testConfig())

	// 1300 bytes with 512-byte parts: 512 + 512 + 276.
	path := writeTestFile(t, 1300)
	receipt, err := client.Transfer(context.Background(), path, "rec/chunk_000001.bin", types.ChunkMetadata{})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	if fake.createCalls != 1 || fake.completeCalls != 1 || fake.abortCalls != 0 {
		t.Fatalf("create=%d complete=%d abort=%d", fake.createCalls, fake.completeCalls, fake.abortCalls)
	}
	if fake.partCalls != 3 {
		t.Fatalf("partCalls = %d, want 3", fake.partCalls)
	}
	want := []int64{512, 512, 276}
	for i, size := range fake.partSizes {
		if size != want[i] {
			t.Fatalf("part %d size = %d, want %d", i+1, size, want[i])
		}
	}
	if receipt.Parts != 3 || receipt.IntegrityTag == "" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestTransferExactlyAtThresholdUsesMultipart(t *testing.T) {
	fake := &fakeS3{}
	client := newS3ClientWithAPI(fake, testConfig())

	path := writeTestFile(t, 1024)
	if _, err := client.Transfer(context.Background(), path, "k", types.ChunkMetadata{}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if fake.createCalls != 1 || fake.putCalls != 0 {
		t.Fatalf("create=%d put=%d, want multipart at threshold", fake.createCalls, fake.putCalls)
	}
}

func TestTransferPartFailureAborts(t *testing.T) {
	fake := &fakeS3{partErrAt: 2}
	client := newS3ClientWithAPI(fake, testConfig())

	path := writeTestFile(t, 1300)
	_, err := client.Transfer(context.Background(), path, "k", types.ChunkMetadata{})
	if err == nil {
		t.Fatal("expected error from failed part")
	}
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
	if fake.abortCalls != 1 {
		t.Fatalf("abortCalls = %d, want 1 (orphaned session)", fake.abortCalls)
	}
	if fake.completeCalls != 0 {
		t.Fatal("complete called after failed part")
	}
}

func TestTransferCompleteFailureAborts(t *testing.T) {
	fake := &fakeS3{completeErr: errors.New("connection reset by peer")}
	client := newS3ClientWithAPI(fake, testConfig())

	path := writeTestFile(t, 1300)
	_, err := client.Transfer(context.Background(), path, "k", types.ChunkMetadata{})
	if err == nil {
		t.Fatal("expected error from failed complete")
	}
	if fake.abortCalls != 1 {
		t.Fatalf("abortCalls = %d, want 1", fake.abortCalls)
	}
}

func TestTransferAbortFailureKeepsOriginalError(t *testing.T) {
	fake := &fakeS3{partErrAt: 1, abortErr: errors.New("abort also failed")}
	client := newS3ClientWithAPI(fake, testConfig())

	path := writeTestFile(t, 1300)
	_, err := client.Transfer(context.Background(), path, "k", types.ChunkMetadata{})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want the original part failure", err)
	}
}

func TestTransferSourceMissing(t *testing.T) {
	client := newS3ClientWithAPI(&fakeS3{}, testConfig())

	_, err := client.Transfer(context.Background(), filepath.Join(t.TempDir(), "gone.bin"), "k", types.ChunkMetadata{})
	if !errors.Is(err, ErrSourceMissing) {
		t.Fatalf("err = %v, want ErrSourceMissing", err)
	}
	if IsRetryable(err) {
		t.Fatal("missing source must not be retryable")
	}
}

func TestObjectKeyDeterministic(t *testing.T) {
	a := ObjectKey("captures", "rec-1", 7)
	b := ObjectKey("captures", "rec-1", 7)
	if a != b {
		t.Fatalf("keys differ: %s vs %s", a, b)
	}
	if a != "captures/rec-1/chunk_000007.bin" {
		t.Fatalf("key = %s", a)
	}
	if got := ObjectKey("", "rec-1", 0); got != "rec-1/chunk_000000.bin" {
		t.Fatalf("key without prefix = %s", got)
	}
}

func TestChecksumBase64(t *testing.T) {
	if got := checksumBase64(""); got != "" {
		t.Fatalf("empty digest -> %q", got)
	}
	if got := checksumBase64("zz"); got != "" {
		t.Fatalf("malformed digest -> %q", got)
	}
	if got := checksumBase64("ab"); got != "qw==" {
		t.Fatalf("checksumBase64(ab) = %q, want qw==", got)
	}
}

func TestS3ConfigValidate(t *testing.T) {
	cfg := S3Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing bucket")
	}
	cfg = S3Config{Bucket: "b", PartSize: 1024}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for undersized part")
	}
}
