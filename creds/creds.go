// Package creds defines the credential provider boundary.
//
// Storage credentials are short-lived capability tokens issued by an
// external service. The uploader treats them as read-only and
// time-boxed: it never mutates them and must request fresh ones when
// the transfer client reports an authorization failure. The provider
// is an injected interface so tests can supply deterministic expiring
// or non-expiring credentials.
package creds

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"
)

// Credentials is a time-boxed storage capability token.
type Credentials struct {
	// AccessKeyID identifies the credential.
	AccessKeyID string
	// SecretAccessKey is the signing secret.
	SecretAccessKey string
	// SessionToken is the short-lived session token, if issued.
	SessionToken string
	// ExpiresAt is when the credential stops being valid. Zero means
	// the credential does not expire.
	ExpiresAt time.Time
}

// CanExpire returns true if the credential carries an expiry.
func (c Credentials) CanExpire() bool {
	return !c.ExpiresAt.IsZero()
}

// ExpiresWithin returns true if the credential expires within d of now.
func (c Credentials) ExpiresWithin(now time.Time, d time.Duration) bool {
	return c.CanExpire() && !now.Add(d).Before(c.ExpiresAt)
}

// Provider supplies storage credentials on demand.
type Provider interface {
	// Credentials returns a credential valid at the time of the call.
	// Must respect context cancellation.
	Credentials(ctx context.Context) (Credentials, error)
}

// Static is a Provider returning a fixed credential. Intended for
// tests and for environments with long-lived keys.
type Static struct {
	creds Credentials
}

// NewStatic creates a static provider.
func NewStatic(c Credentials) *Static {
	return &Static{creds: c}
}

// Credentials implements Provider.
func (s *Static) Credentials(context.Context) (Credentials, error) {
	return s.creds, nil
}

// FromEnv returns a static provider built from the standard AWS
// environment variables, or nil if no access key is set. Callers
// falling back to nil typically let the SDK default chain resolve
// credentials instead.
func FromEnv() *Static {
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	if accessKey == "" {
		return nil
	}
	return NewStatic(Credentials{
		AccessKeyID:     accessKey,
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
	})
}

// DefaultRefreshLeeway is how far ahead of expiry the caching provider
// refreshes proactively.
const DefaultRefreshLeeway = 2 * time.Minute

// Caching wraps a Provider and caches the issued credential until it
// nears expiry. Invalidate forces the next call to hit the inner
// provider, which callers use after an authorization failure so a
// stale token is never retried indefinitely.
type Caching struct {
	inner  Provider
	leeway time.Duration
	now    func() time.Time

	mu     sync.Mutex
	cached Credentials
	valid  bool
}

// NewCaching creates a caching provider. A non-positive leeway uses
// DefaultRefreshLeeway.
func NewCaching(inner Provider, leeway time.Duration) (*Caching, error) {
	if inner == nil {
		return nil, errors.New("caching provider requires an inner provider")
	}
	if leeway <= 0 {
		leeway = DefaultRefreshLeeway
	}
	return &Caching{inner: inner, leeway: leeway, now: time.Now}, nil
}

// Credentials returns the cached credential, refreshing from the inner
// provider when the cache is empty, invalidated, or nearing expiry.
func (c *Caching) Credentials(ctx context.Context) (Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && !c.cached.ExpiresWithin(c.now(), c.leeway) {
		return c.cached, nil
	}

	fresh, err := c.inner.Credentials(ctx)
	if err != nil {
		return Credentials{}, err
	}
	c.cached = fresh
	c.valid = true
	return fresh, nil
}

// Invalidate drops the cached credential so the next call refreshes.
func (c *Caching) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// Verify interface conformance.
var (
	_ Provider = (*Static)(nil)
	_ Provider = (*Caching)(nil)
)
