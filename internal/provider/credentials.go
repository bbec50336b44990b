package provider

import (
	"context"
	"sync"
	"time"
)

// Credentials are what the client needs to authenticate a call.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// CredentialSource resolves the active provider credential.
type CredentialSource interface {
	Credentials(ctx context.Context) (*Credentials, error)
}

// StaticCredentials always returns the same credential.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials(context.Context) (*Credentials, error) {
	c := Credentials(s)
	return &c, nil
}

// credentialCache memoizes a CredentialSource for ttl.
type credentialCache struct {
	source CredentialSource
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	cached    *Credentials
	expiresAt time.Time
}

func (c *credentialCache) get(ctx context.Context) (*Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.now().Before(c.expiresAt) {
		return c.cached, nil
	}

	creds, err := c.source.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	c.cached = creds
	c.expiresAt = c.now().Add(c.ttl)
	return creds, nil
}

func (c *credentialCache) invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}
