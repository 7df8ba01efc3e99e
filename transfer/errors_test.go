package transfer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
)

func TestClassifyAPIErrors(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"ExpiredToken", ErrAuthExpired},
		{"InvalidAccessKeyId", ErrAuthExpired},
		{"AccessDenied", ErrAuthExpired},
		{"SlowDown", ErrThrottled},
		{"BadDigest", ErrIntegrityMismatch},
		{"InvalidPart", ErrStoreRejected},
		{"MalformedXML", ErrStoreRejected},
		{"NoSuchBucket", ErrStoreRejected},
		{"RequestTimeout", ErrTimeout},
		{"InternalError", ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := &smithy.GenericAPIError{Code: tt.code, Message: "x"}
			if got := Classify(err); !errors.Is(got, tt.want) {
				t.Fatalf("Classify(%s) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestClassifyTransportErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"dial", errors.New("dial tcp 10.0.0.1:443: connection refused"), ErrNetwork},
		{"reset", errors.New("read: connection reset by peer"), ErrNetwork},
		{"missing file", errors.New("open /tmp/chunk.bin: no such file or directory"), ErrSourceMissing},
		{"unknown", errors.New("something odd"), ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); !errors.Is(got, tt.want) {
				t.Fatalf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []error{ErrNetwork, ErrTimeout, ErrThrottled, ErrAuthExpired, ErrIntegrityMismatch}
	for _, kind := range retryable {
		err := &Error{Kind: kind, Op: "put", Err: errors.New("x")}
		if !IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = false, want true", kind)
		}
	}

	terminal := []error{ErrSourceMissing, ErrStoreRejected}
	for _, kind := range terminal {
		err := &Error{Kind: kind, Op: "put", Err: errors.New("x")}
		if IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = true, want false", kind)
		}
	}
}

func TestIsAuthFailure(t *testing.T) {
	auth := &Error{Kind: ErrAuthExpired, Op: "put", Err: errors.New("x")}
	if !IsAuthFailure(auth) {
		t.Fatal("IsAuthFailure = false for auth error")
	}
	if IsAuthFailure(&Error{Kind: ErrNetwork, Op: "put", Err: errors.New("x")}) {
		t.Fatal("IsAuthFailure = true for network error")
	}
}

func TestErrorChain(t *testing.T) {
	underlying := errors.New("socket closed")
	err := wrap("upload_part", "rec/chunk_000001.bin", underlying)

	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("errors.Is(err, ErrNetwork) = false: %v", err)
	}
	if !errors.Is(err, underlying) {
		t.Fatal("underlying error lost from chain")
	}

	var te *Error
	if !errors.As(err, &te) {
		t.Fatal("errors.As(*Error) = false")
	}
	if te.Op != "upload_part" || te.Key != "rec/chunk_000001.bin" {
		t.Fatalf("unexpected wrapper fields: %+v", te)
	}
}

func TestWrapNil(t *testing.T) {
	if err := wrap("put", "k", nil); err != nil {
		t.Fatalf("wrap(nil) = %v, want nil", err)
	}
}

func TestErrorMessageIncludesKey(t *testing.T) {
	err := &Error{Kind: ErrThrottled, Op: "put", Key: "k", Err: fmt.Errorf("x")}
	if err.Error() == "" {
		t.Fatal("empty error message")
	}
}
