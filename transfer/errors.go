// Package transfer moves chunk bytes to remote object storage.
//
// This file defines sentinel errors and the classified error wrapper
// for transfer failures. Classification drives the scheduler's retry
// decisions, so callers use errors.Is/errors.As for typed assertions
// rather than string matching.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// Sentinel errors for transfer failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrSourceMissing indicates the local chunk file vanished before or
	// during the transfer. Non-retryable; the chunk is failed.
	ErrSourceMissing = errors.New("source chunk file missing")

	// ErrNetwork indicates a network/transport failure. Retryable.
	ErrNetwork = errors.New("network failure")

	// ErrTimeout indicates the attempt exceeded its wall-clock budget.
	// Treated as a retryable network failure.
	ErrTimeout = errors.New("transfer timed out")

	// ErrThrottled indicates the store is rate limiting. Retryable.
	ErrThrottled = errors.New("rate limited")

	// ErrAuthExpired indicates an authorization/credential failure.
	// Retryable, but the caller must refresh credentials first.
	ErrAuthExpired = errors.New("authorization expired")

	// ErrStoreRejected indicates the store rejected a malformed request.
	// Non-retryable.
	ErrStoreRejected = errors.New("store rejected request")

	// ErrIntegrityMismatch indicates the store-side integrity check did
	// not match the expected checksum. Retryable (may be transient
	// corruption) but flagged prominently by the scheduler.
	ErrIntegrityMismatch = errors.New("integrity mismatch")
)

// Error wraps an underlying failure with transfer classification.
// The original error stays in the chain for errors.As inspection.
type Error struct {
	// Kind is the sentinel for classification (e.g. ErrNetwork).
	Kind error
	// Op is the operation that failed (e.g. "put", "upload_part").
	Op string
	// Key is the destination object key involved, if any.
	Key string
	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// wrap classifies err and wraps it with operation context.
// Returns nil if err is nil.
func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Classify(err), Op: op, Key: key, Err: err}
}

// IsRetryable reports whether a failed transfer may be attempted again.
// Authorization failures are retryable on the assumption that the
// caller refreshes credentials before the next attempt.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrThrottled),
		errors.Is(err, ErrAuthExpired),
		errors.Is(err, ErrIntegrityMismatch):
		return true
	}
	return false
}

// IsAuthFailure reports whether the failure calls for a credential
// refresh before retrying.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// Classify determines the sentinel for the given error. API error codes
// are checked first; message patterns are the fallback for transport
// errors the SDK does not type.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ExpiredToken", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"TokenRefreshRequired", "AccessDenied", "InvalidToken":
			return ErrAuthExpired
		case "SlowDown", "TooManyRequests", "Throttling", "ThrottlingException":
			return ErrThrottled
		case "BadDigest", "InvalidDigest", "XAmzContentSHA256Mismatch":
			return ErrIntegrityMismatch
		case "NoSuchBucket", "InvalidArgument", "InvalidRequest", "MalformedXML",
			"InvalidPart", "InvalidPartOrder", "EntityTooLarge", "EntityTooSmall":
			return ErrStoreRejected
		case "RequestTimeout":
			return ErrTimeout
		case "InternalError", "ServiceUnavailable":
			return ErrNetwork
		}
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ErrTimeout
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case containsAny(errStr, "no such file", "does not exist", "enoent"):
		return ErrSourceMissing
	case containsAny(errStr, "expiredtoken", "credentials", "unauthorized", "403", "401"):
		return ErrAuthExpired
	case containsAny(errStr, "timeout", "timed out", "deadline exceeded"):
		return ErrTimeout
	case containsAny(errStr, "slowdown", "throttl", "429", "rate exceeded"):
		return ErrThrottled
	case containsAny(errStr, "connection refused", "connection reset", "no route to host",
		"network unreachable", "dial tcp", "eof", "broken pipe", "dns"):
		return ErrNetwork
	default:
		// Unclassified failures are treated as network-level so the
		// retry budget, not a guess, decides their fate.
		return ErrNetwork
	}
}

// containsAny checks if s contains any of the substrings.
// Caller is expected to pass a lowercased s.
func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
