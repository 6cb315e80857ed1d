package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRateLimiterBurstAndRefill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	rl := NewRateLimiter(3, 1.0).WithClock(clock.now)

	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow("10.0.0.1")
		assert.True(t, ok, "request %d", i+1)
	}
	ok, wait := rl.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	ok, _ = rl.Allow("10.0.0.2")
	assert.True(t, ok, "keys are independent")

	clock.advance(2 * time.Second)
	ok, _ = rl.Allow("10.0.0.1")
	assert.True(t, ok)
	ok, _ = rl.Allow("10.0.0.1")
	assert.True(t, ok)
	ok, _ = rl.Allow("10.0.0.1")
	assert.False(t, ok)
}

func TestRateLimiterSweep(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	rl := NewRateLimiter(1, 1.0).WithClock(clock.now)

	rl.Allow("a")
	clock.advance(time.Minute)
	rl.Allow("b")
	require.Equal(t, 2, rl.Len())

	assert.Equal(t, 1, rl.Sweep(30*time.Second))
	assert.Equal(t, 1, rl.Len())
}

func TestPerClient(t *testing.T) {
	newHandler := func(trustProxy bool) http.Handler {
		clock := &fakeClock{t: time.Unix(1700000000, 0)}
		rl := NewRateLimiter(1, 0.5).WithClock(clock.now)
		return PerClient(rl, trustProxy)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
	}
	call := func(handler http.Handler, remote, forwarded string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/oauth2/login", nil)
		req.RemoteAddr = remote
		if forwarded != "" {
			req.Header.Set("X-Forwarded-For", forwarded)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("direct clients", func(t *testing.T) {
		handler := newHandler(false)
		assert.Equal(t, http.StatusNoContent, call(handler, "192.0.2.1:1234", "").Code)
		limited := call(handler, "192.0.2.1:5678", "")
		assert.Equal(t, http.StatusTooManyRequests, limited.Code)
		assert.Equal(t, "2", limited.Header().Get("Retry-After"))
		assert.Contains(t, limited.Body.String(), "rate_limit_exceeded")

		for _, forwarded := range []string{"198.51.100.7", "198.51.100.8, 192.0.2.1"} {
			assert.Equal(t, http.StatusTooManyRequests, call(handler, "192.0.2.1:1234", forwarded).Code,
				"rotating X-Forwarded-For does not reset the limit")
		}
		assert.Equal(t, http.StatusNoContent, call(handler, "192.0.2.2:1234", "").Code)
	})

	t.Run("behind a trusted proxy", func(t *testing.T) {
		handler := newHandler(true)
		assert.Equal(t, http.StatusNoContent, call(handler, "10.0.0.1:1234", "198.51.100.7").Code)
		assert.Equal(t, http.StatusTooManyRequests, call(handler, "10.0.0.1:1234", "198.51.100.7, 10.0.0.2").Code)
		assert.Equal(t, http.StatusNoContent, call(handler, "10.0.0.1:1234", "198.51.100.8").Code)
	})
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(req, false))

	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.2")
	req.Header.Set("X-Real-IP", " 203.0.113.9 ")
	assert.Equal(t, "2001:db8::1", ClientIP(req, false))
	assert.Equal(t, "198.51.100.7", ClientIP(req, true))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "203.0.113.9", ClientIP(req, true))
}
