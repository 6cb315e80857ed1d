// Package oauthflow drives the remote login: redirect to the provider,
// validate the callback, fetch the identity and hand it to the reconciler,
// then confirm the user is still active.
//
// A Controller lives for the process. A Flow lives for one host request and
// is not safe for concurrent use. Flows never write HTTP responses; they
// return directives and cookies for the host to send.
package oauthflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	oerrors "github.com/tendant/simple-oauth2/pkg/errors"
	"github.com/tendant/simple-oauth2/pkg/nonce"
	"github.com/tendant/simple-oauth2/pkg/pkce"
	"github.com/tendant/simple-oauth2/pkg/reconciler"
	"github.com/tendant/simple-oauth2/pkg/resourceserver"
	"github.com/tendant/simple-oauth2/pkg/session"
)

// attemptKey holds the single live LoginAttempt of a session.
const attemptKey = "oauth2.attempt"

// State of a Flow.
type State int

const (
	Start State = iota
	AwaitingCallback
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case Start:
		return "start"
	case AwaitingCallback:
		return "awaiting_callback"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// AuthResult is the answer of ConfirmAuthenticated.
type AuthResult int

const (
	// NotConfirmed means the login cannot be confirmed by this flow.
	NotConfirmed AuthResult = 100
	// Confirmed means the user is fully authenticated.
	Confirmed AuthResult = 200
)

// LoginAttempt is stored in the session between redirect and callback.
type LoginAttempt struct {
	Provider     string    `json:"provider"`
	State        string    `json:"state"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RedirectDirective tells the host where to send the browser.
type RedirectDirective struct {
	URL        string
	StatusCode int
	Cookies    []*http.Cookie
}

// Controller wires the registry, the nonce service and the reconciler.
type Controller struct {
	registry   *resourceserver.Registry
	nonces     *nonce.Service
	reconciler *reconciler.Reconciler
	now        func() time.Time
}

// NewController creates a Controller
func NewController(registry *resourceserver.Registry, nonces *nonce.Service, rec *reconciler.Reconciler) *Controller {
	return &Controller{
		registry:   registry,
		nonces:     nonces,
		reconciler: rec,
		now:        time.Now,
	}
}

// Registry returns the provider registry.
func (c *Controller) Registry() *resourceserver.Registry {
	return c.registry
}

// NewFlow starts a flow for one host request.
func (c *Controller) NewFlow(req resourceserver.RequestContext) *Flow {
	return &Flow{c: c, req: req}
}

// ResumeFlow rebuilds an authenticated flow from an access token persisted
// by another process, so ConfirmAuthenticated can run there.
func (c *Controller) ResumeFlow(req resourceserver.RequestContext, provider string, token *oauth2.Token) (*Flow, error) {
	adapter, err := c.resolve(provider)
	if err != nil {
		return nil, err
	}
	f := c.NewFlow(req)
	f.provider = provider
	f.adapter = adapter
	if token != nil {
		f.token = token
		f.cache = resourceserver.NewAuthorizationCache(adapter, token)
		f.state = Authenticated
	}
	return f, nil
}

func (c *Controller) resolve(provider string) (resourceserver.Adapter, error) {
	if !c.registry.IsEnabled(provider) {
		return nil, &resourceserver.NotRegisteredError{Identifier: provider}
	}
	return c.registry.Resolve(provider)
}

func statePurpose(provider string) string {
	return "login-" + provider
}

// Flow is one pass through the login state machine.
type Flow struct {
	c   *Controller
	req resourceserver.RequestContext

	state    State
	provider string
	adapter  resourceserver.Adapter
	token    *oauth2.Token
	identity *resourceserver.Identity
	cache    *resourceserver.AuthorizationCache
	cookies  []*http.Cookie
}

// State returns the current state.
func (f *Flow) State() State {
	return f.state
}

// Provider returns the provider the flow talks to, if known.
func (f *Flow) Provider() string {
	return f.provider
}

// Identity returns the fetched identity after a successful callback.
func (f *Flow) Identity() *resourceserver.Identity {
	return f.identity
}

// AccessToken returns the token retained by HandleCallback. Hosts that
// confirm in another process persist it and call Controller.ResumeFlow.
func (f *Flow) AccessToken() *oauth2.Token {
	return f.token
}

// ResponseCookies are the cookies the host must send with its response.
func (f *Flow) ResponseCookies() []*http.Cookie {
	return f.cookies
}

func (f *Flow) fail(msg string, args ...any) {
	f.state = Failed
	slog.Info(msg, append([]any{"provider", f.provider}, args...)...)
}

// BeginLogin prepares the redirect to provider and stores the login
// attempt, replacing any earlier attempt of the session.
func (f *Flow) BeginLogin(ctx context.Context, provider string) (*RedirectDirective, error) {
	f.provider = provider
	adapter, err := f.c.resolve(provider)
	if err != nil {
		f.fail("Login for unknown provider", "error", err)
		return nil, err
	}
	f.adapter = adapter

	purpose := statePurpose(provider)
	token, err := f.c.nonces.Issue(ctx, f.req.Session, purpose)
	if err != nil {
		f.state = Failed
		return nil, oerrors.InternalWrap(err, "failed to issue state token")
	}

	var challenge pkce.Pair
	if token.Cookie == nil {
		// The verifier needs the session; without one the flow runs
		// without PKCE and relies on the cookie-bound state alone.
		challenge, err = pkce.New()
		if err != nil {
			f.state = Failed
			return nil, oerrors.InternalWrap(err, "failed to create code verifier")
		}
		if err := f.saveAttempt(ctx, LoginAttempt{
			Provider:     provider,
			State:        token.Value,
			CodeVerifier: challenge.Verifier,
			CreatedAt:    f.c.now(),
		}); err != nil {
			f.state = Failed
			return nil, err
		}
	} else {
		f.cookies = append(f.cookies, token.Cookie)
	}

	redirect, err := adapter.BuildAuthorizationRedirect(ctx, f.req, token.Value, challenge)
	if err != nil {
		f.state = Failed
		return nil, oerrors.InternalWrap(err, "failed to build authorization redirect")
	}

	f.state = AwaitingCallback
	slog.Info("Redirecting to provider", "provider", provider)
	return &RedirectDirective{
		URL:        redirect,
		StatusCode: http.StatusSeeOther,
		Cookies:    f.cookies,
	}, nil
}

// HandleCallback validates the provider callback and reconciles the user.
//
// A missing, forged, expired or replayed state is a protocol failure: the
// result is (nil, nil) and the request is simply anonymous. Failures
// talking to the provider or the local store return (nil, err) with an
// error code. Both leave the flow Failed.
func (f *Flow) HandleCallback(ctx context.Context, provider, state, code string) (*reconciler.Record, error) {
	f.provider = provider
	purpose := statePurpose(provider)
	if c := f.bindingCookie(purpose); c != nil {
		f.cookies = append(f.cookies, f.c.nonces.ClearCookie(purpose))
	}
	attempt := f.takeAttempt(ctx)

	adapter, err := f.c.resolve(provider)
	if err != nil {
		f.fail("Callback for unknown provider", "error", err)
		return nil, err
	}
	f.adapter = adapter

	if err := f.c.nonces.Validate(ctx, f.req.Session, f.req.Cookies, state, purpose); err != nil {
		f.fail("Callback state rejected", "code", oerrors.GetCode(err), "error", err)
		return nil, nil
	}

	var verifier string
	if attempt != nil {
		if attempt.Provider != provider || attempt.State != state {
			f.fail("Callback does not match the login attempt")
			return nil, nil
		}
		verifier = attempt.CodeVerifier
	}

	token, err := adapter.ExchangeCodeForToken(ctx, f.req, code, verifier)
	if err != nil {
		f.fail("Token exchange failed", "error", err)
		return nil, err
	}
	identity, err := adapter.FetchIdentity(ctx, token)
	if err != nil {
		f.fail("Identity fetch failed", "error", err)
		return nil, err
	}

	f.token = token
	f.identity = identity
	f.cache = resourceserver.NewAuthorizationCache(adapter, token)
	f.state = Authenticated

	rec, err := f.c.reconciler.Reconcile(ctx, reconciler.Input{
		Identity:      identity,
		Authorization: f.cache,
		Mode:          f.req.Mode,
	})
	if err != nil {
		f.fail("User reconciliation failed", "user", identity.Username, "error", err)
		return nil, err
	}
	slog.Info("Remote login succeeded", "provider", provider, "user", identity.Username, "uid", rec.ID)
	return rec, nil
}

// AbortCallback ends a login the provider refused. The stored attempt and
// the state binding are erased and a valid state is spent, so the same
// state cannot complete a login later. The flow is left Failed.
func (f *Flow) AbortCallback(ctx context.Context, provider, state string) {
	f.provider = provider
	purpose := statePurpose(provider)
	if c := f.bindingCookie(purpose); c != nil {
		f.cookies = append(f.cookies, f.c.nonces.ClearCookie(purpose))
	}
	f.takeAttempt(ctx)
	if err := f.c.nonces.Validate(ctx, f.req.Session, f.req.Cookies, state, purpose); err != nil {
		slog.Debug("Aborted callback carried no usable state", "provider", provider, "error", err)
	}
	f.fail("Provider refused the login")
}

// ConfirmAuthenticated re-fetches the identity with the retained token and
// confirms rec belongs to it and is still active at the provider. Without
// a retained token the answer is NotConfirmed.
func (f *Flow) ConfirmAuthenticated(ctx context.Context, rec *reconciler.Record) AuthResult {
	if f.state != Authenticated || f.token == nil || rec == nil {
		return NotConfirmed
	}

	identity, err := f.adapter.FetchIdentity(ctx, f.token)
	if err != nil {
		slog.Info("Identity no longer available", "provider", f.provider, "error", err)
		return NotConfirmed
	}
	if f.identity != nil && f.identity.ID != identity.ID {
		slog.Warn("Identity changed between callback and confirmation", "provider", f.provider)
		return NotConfirmed
	}
	f.identity = identity

	if rec.OAuthIdentifier != f.adapter.OAuthIdentifier(identity) {
		slog.Warn("Record does not belong to the identity", "provider", f.provider, "uid", rec.ID)
		return NotConfirmed
	}
	if rec.Disabled {
		slog.Info("Local user is disabled", "provider", f.provider, "uid", rec.ID)
		return NotConfirmed
	}
	if !f.cache.IsActive(ctx, identity) {
		slog.Info("User has no access at the provider", "provider", f.provider, "user", identity.Username)
		return NotConfirmed
	}
	return Confirmed
}

func (f *Flow) bindingCookie(purpose string) *http.Cookie {
	name := f.c.nonces.CookieName(purpose)
	for _, c := range f.req.Cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (f *Flow) saveAttempt(ctx context.Context, a LoginAttempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return oerrors.InternalWrap(err, "failed to encode login attempt")
	}
	if err := f.req.Session.Set(ctx, attemptKey, string(data), f.c.nonces.TTL()); err != nil {
		return oerrors.InternalWrap(err, "failed to store login attempt")
	}
	return nil
}

// takeAttempt loads and erases the stored attempt. Storage problems are
// treated as a missing attempt.
func (f *Flow) takeAttempt(ctx context.Context) *LoginAttempt {
	store := f.req.Session
	if store == nil {
		return nil
	}
	raw, ok, err := store.Get(ctx, attemptKey)
	if err != nil && !errors.Is(err, session.ErrUnavailable) {
		slog.Warn("Failed to read login attempt", "error", err)
	}
	if delErr := store.Delete(ctx, attemptKey); delErr != nil && !errors.Is(delErr, session.ErrUnavailable) {
		slog.Warn("Failed to clear login attempt", "error", delErr)
	}
	if err != nil || !ok {
		return nil
	}

	var a LoginAttempt
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		slog.Warn("Discarding malformed login attempt", "error", err)
		return nil
	}
	return &a
}
