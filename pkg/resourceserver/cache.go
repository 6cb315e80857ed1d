package resourceserver

import (
	"context"
	"sync"

	"golang.org/x/oauth2"
)

// LoadState tracks one identity's authorization load.
type LoadState int

const (
	NotLoaded LoadState = iota
	Loading
	Loaded
)

type cacheEntry struct {
	state LoadState
	done  chan struct{}
	auth  Authorization
}

// AuthorizationCache memoizes ComputeAuthorization per identity for the
// lifetime of one request, so the remote group walk happens at most once.
// Concurrent callers for the same identity wait for the in-flight load.
type AuthorizationCache struct {
	adapter Adapter
	token   *oauth2.Token

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// NewAuthorizationCache creates a cache bound to an adapter and access token.
func NewAuthorizationCache(adapter Adapter, token *oauth2.Token) *AuthorizationCache {
	return &AuthorizationCache{
		adapter: adapter,
		token:   token,
		entries: make(map[string]*cacheEntry),
	}
}

// Adapter returns the adapter the cache computes with.
func (c *AuthorizationCache) Adapter() Adapter {
	return c.adapter
}

// Get returns the authorization for identity, computing it on first use.
// A cancelled wait reports the authorization as unavailable. A result
// computed under a cancelled context is returned to its caller but not
// cached; waiters retry with their own context.
func (c *AuthorizationCache) Get(ctx context.Context, identity *Identity) Authorization {
	c.mu.Lock()
	e, ok := c.entries[identity.ID]
	if ok {
		c.mu.Unlock()
		select {
		case <-e.done:
			if e.state != Loaded {
				return c.Get(ctx, identity)
			}
			return e.auth
		case <-ctx.Done():
			return Authorization{}
		}
	}

	e = &cacheEntry{state: Loading, done: make(chan struct{})}
	c.entries[identity.ID] = e
	c.mu.Unlock()

	auth := c.adapter.ComputeAuthorization(ctx, c.token, identity)

	c.mu.Lock()
	if ctx.Err() != nil {
		e.state = NotLoaded
		if c.entries[identity.ID] == e {
			delete(c.entries, identity.ID)
		}
	} else {
		e.auth = auth
		e.state = Loaded
	}
	c.mu.Unlock()
	close(e.done)
	return auth
}

// State reports the load state for an identity id.
func (c *AuthorizationCache) State(identityID string) LoadState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[identityID]; ok {
		return e.state
	}
	return NotLoaded
}

// IsActive is Adapter.IsUserActive on the cached authorization.
func (c *AuthorizationCache) IsActive(ctx context.Context, identity *Identity) bool {
	return c.adapter.IsUserActive(c.Get(ctx, identity))
}

// IsAdmin is Adapter.IsUserAdmin on the cached authorization.
func (c *AuthorizationCache) IsAdmin(ctx context.Context, identity *Identity) bool {
	return c.adapter.IsUserAdmin(c.Get(ctx, identity))
}
