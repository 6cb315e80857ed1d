// Package session provides the session-scoped key/value capability that
// carries login state across the redirect to the remote provider.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable is returned by stores that cannot persist anything, e.g.
// before the host started a session. Callers fall back to signed cookies.
var ErrUnavailable = errors.New("session storage unavailable")

// Store is the storage of one browser session.
type Store interface {
	// Get returns the value and whether it exists and has not expired.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Manager hands out the Store for a session id.
type Manager interface {
	Session(id string) Store
}

// NewID returns a fresh random session id.
func NewID() string {
	return uuid.NewString()
}

// Unavailable is a Store that refuses every operation.
type Unavailable struct{}

func (Unavailable) Get(context.Context, string) (string, bool, error) {
	return "", false, ErrUnavailable
}

func (Unavailable) Set(context.Context, string, string, time.Duration) error {
	return ErrUnavailable
}

func (Unavailable) Delete(context.Context, string) error {
	return ErrUnavailable
}
