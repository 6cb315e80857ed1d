package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/tendant/simple-oauth2/pkg/config"
	"github.com/tendant/simple-oauth2/pkg/nonce"
	"github.com/tendant/simple-oauth2/pkg/oauthflow"
	"github.com/tendant/simple-oauth2/pkg/ratelimit"
	"github.com/tendant/simple-oauth2/pkg/reconciler"
	"github.com/tendant/simple-oauth2/pkg/resourceserver"
	"github.com/tendant/simple-oauth2/pkg/resourceserver/resourceservertest"
	"github.com/tendant/simple-oauth2/pkg/session"
)

type testServer struct {
	router  chi.Router
	adapter *resourceservertest.Adapter
	repo    *reconciler.InMemoryRepository
}

func newTestServer(t *testing.T, configure ...func(*Handle)) *testServer {
	t.Helper()
	adapter := resourceservertest.New("gitlab")
	reg := resourceserver.NewRegistry()
	require.NoError(t, reg.Register("gitlab", "GitLab", func(resourceserver.Options) (resourceserver.Adapter, error) {
		return adapter, nil
	}, resourceserver.Options{Enabled: true}))
	require.NoError(t, reg.Register("hidden", "Hidden", func(resourceserver.Options) (resourceserver.Adapter, error) {
		return resourceservertest.New("hidden"), nil
	}, resourceserver.Options{}))

	repo := reconciler.NewInMemoryRepository()
	sessions := session.NewInMemoryManager()
	nonces := nonce.NewService([]byte("state-secret"), nonce.WithCookie(false, http.SameSiteLaxMode, "/"))
	rec := reconciler.New(repo, reconciler.WithPasswordHasher(reconciler.BcryptHasher{Cost: bcrypt.MinCost}))
	ctrl := oauthflow.NewController(reg, nonces, rec)

	h := NewHandle(ctrl, sessions, repo, jwtauth.New("HS256", []byte("jwt-secret"), nil),
		config.LoginConfig{
			BaseURL:        "https://cms.example.com",
			CallbackPath:   "/oauth2/login",
			FrontendURL:    "https://cms.example.com/typo3/",
			Mode:           "backend",
			CookieSameSite: "lax",
			SessionCookie:  "oauth2_session",
			SessionTTL:     30 * time.Minute,
		},
		config.JWTConfig{TTL: time.Hour, CookieName: "jwt"},
	)
	for _, fn := range configure {
		fn(h)
	}
	return &testServer{router: h.Routes(), adapter: adapter, repo: repo}
}

func (s *testServer) get(target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func location(t *testing.T, rec *httptest.ResponseRecorder) *url.URL {
	t.Helper()
	u, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return u
}

const loginPath = "/oauth2/login?login_status=login&resource-server-identifier="

func TestListProviders(t *testing.T) {
	s := newTestServer(t)
	rec := s.get("/providers")
	require.Equal(t, http.StatusOK, rec.Code)

	var body ProvidersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Providers, 1)
	assert.Equal(t, "gitlab", body.Providers[0].Identifier)
	assert.Equal(t, "GitLab", body.Providers[0].Title)
	assert.Equal(t, loginPath+"gitlab", body.Providers[0].LoginURL)
}

func TestLoginEndToEnd(t *testing.T) {
	s := newTestServer(t)

	begin := s.get(loginPath + "gitlab")
	require.Equal(t, http.StatusSeeOther, begin.Code)
	sessionCookie := cookieNamed(begin, "oauth2_session")
	require.NotNil(t, sessionCookie)
	assert.True(t, sessionCookie.HttpOnly)

	authorize := location(t, begin)
	assert.Equal(t, "provider.test", authorize.Host)
	state := authorize.Query().Get("state")
	require.NotEmpty(t, state)
	assert.NotEmpty(t, authorize.Query().Get("code_challenge"))

	callback := s.get(loginPath+"gitlab&state="+url.QueryEscape(state)+"&code=abc", sessionCookie)
	require.Equal(t, http.StatusSeeOther, callback.Code)
	assert.Equal(t, "https://cms.example.com/typo3/", callback.Header().Get("Location"))
	jwtCookie := cookieNamed(callback, "jwt")
	require.NotNil(t, jwtCookie)

	me := s.get("/me", jwtCookie)
	require.Equal(t, http.StatusOK, me.Code)
	var body Me
	require.NoError(t, json.Unmarshal(me.Body.Bytes(), &body))
	assert.Equal(t, "jdoe", body.Username)
	assert.Equal(t, "gitlab|42", body.OAuthIdentifier)
	assert.Equal(t, "1,2", body.UserGroups)
	assert.True(t, body.Admin)

	t.Run("state cannot be replayed", func(t *testing.T) {
		replay := s.get(loginPath+"gitlab&state="+url.QueryEscape(state)+"&code=abc", sessionCookie)
		require.Equal(t, http.StatusSeeOther, replay.Code)
		assert.Equal(t, "login_required", location(t, replay).Query().Get("error"))
		assert.Nil(t, cookieNamed(replay, "jwt"))
	})
}

func TestCallbackWithoutSessionIsAnonymous(t *testing.T) {
	s := newTestServer(t)
	// The state was bound to a session the callback no longer presents.
	begin := s.get(loginPath + "gitlab")
	require.Equal(t, http.StatusSeeOther, begin.Code)
	state := location(t, begin).Query().Get("state")

	callback := s.get(loginPath + "gitlab&state=" + url.QueryEscape(state) + "&code=abc")
	require.Equal(t, http.StatusSeeOther, callback.Code)
	assert.Equal(t, "login_required", location(t, callback).Query().Get("error"))
	assert.Zero(t, s.adapter.Calls("ExchangeCodeForToken"))
}

func TestLoginFailures(t *testing.T) {
	t.Run("missing parameters", func(t *testing.T) {
		s := newTestServer(t)
		rec := s.get("/oauth2/login")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("disabled provider", func(t *testing.T) {
		s := newTestServer(t)
		rec := s.get(loginPath + "hidden")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		var body Error
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "provider_not_found", body.Error)
	})

	t.Run("provider error", func(t *testing.T) {
		s := newTestServer(t)
		rec := s.get(loginPath + "gitlab&error=access_denied&state=x")
		require.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "access_denied", location(t, rec).Query().Get("error"))
	})

	t.Run("state of a refused login is spent", func(t *testing.T) {
		s := newTestServer(t)
		begin := s.get(loginPath + "gitlab")
		sessionCookie := cookieNamed(begin, "oauth2_session")
		require.NotNil(t, sessionCookie)
		state := location(t, begin).Query().Get("state")

		refused := s.get(loginPath+"gitlab&error=access_denied&state="+url.QueryEscape(state), sessionCookie)
		require.Equal(t, http.StatusSeeOther, refused.Code)
		assert.Equal(t, "access_denied", location(t, refused).Query().Get("error"))

		rec := s.get(loginPath+"gitlab&state="+url.QueryEscape(state)+"&code=abc", sessionCookie)
		require.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "login_required", location(t, rec).Query().Get("error"))
		assert.Nil(t, cookieNamed(rec, "jwt"))
		assert.Zero(t, s.adapter.Calls("ExchangeCodeForToken"))
	})

	t.Run("token exchange", func(t *testing.T) {
		s := newTestServer(t)
		s.adapter.ExchangeFunc = func(context.Context, resourceserver.RequestContext, string, string) (*oauth2.Token, error) {
			return nil, assert.AnError
		}
		begin := s.get(loginPath + "gitlab")
		state := location(t, begin).Query().Get("state")

		rec := s.get(loginPath+"gitlab&state="+url.QueryEscape(state)+"&code=abc", cookieNamed(begin, "oauth2_session"))
		require.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "login_failed", location(t, rec).Query().Get("error"))
	})

	t.Run("no access at provider", func(t *testing.T) {
		s := newTestServer(t)
		s.adapter.ComputeFunc = func(context.Context, *oauth2.Token, *resourceserver.Identity) resourceserver.Authorization {
			return resourceserver.Authorization{Available: true}
		}
		begin := s.get(loginPath + "gitlab")
		state := location(t, begin).Query().Get("state")

		rec := s.get(loginPath+"gitlab&state="+url.QueryEscape(state)+"&code=abc", cookieNamed(begin, "oauth2_session"))
		require.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "not_authorized", location(t, rec).Query().Get("error"))
		assert.Nil(t, cookieNamed(rec, "jwt"))

		inserts, _, _ := s.repo.Counts()
		assert.Equal(t, 1, inserts, "the user is still reconciled")
	})
}

func TestLoginIsRateLimited(t *testing.T) {
	s := newTestServer(t, func(h *Handle) {
		h.WithRateLimiter(ratelimit.NewRateLimiter(2, 0))
	})
	assert.Equal(t, http.StatusSeeOther, s.get(loginPath+"gitlab").Code)
	assert.Equal(t, http.StatusSeeOther, s.get(loginPath+"gitlab").Code)
	assert.Equal(t, http.StatusTooManyRequests, s.get(loginPath+"gitlab").Code)
	assert.Equal(t, http.StatusOK, s.get("/providers").Code, "only the login endpoint is limited")
}

func TestMeRequiresSession(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, s.get("/me").Code)
	assert.Equal(t, http.StatusUnauthorized, s.get("/me", &http.Cookie{Name: "jwt", Value: "garbage"}).Code)
}

func TestLogout(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	c := cookieNamed(rec, "jwt")
	require.NotNil(t, c)
	assert.Equal(t, -1, c.MaxAge)
}
