// Package resourceservertest provides a scriptable resourceserver.Adapter
// for tests of the login flow and the reconciler.
package resourceservertest

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/oauth2"

	"github.com/tendant/simple-oauth2/pkg/pkce"
	"github.com/tendant/simple-oauth2/pkg/resourceserver"
)

// Adapter is a fake provider. Nil funcs fall back to a cooperative default
// provider that knows a single user "jdoe" with developer access.
type Adapter struct {
	ID         string
	AdminLevel resourceserver.AccessLevel

	ExchangeFunc      func(ctx context.Context, req resourceserver.RequestContext, code, verifier string) (*oauth2.Token, error)
	FetchIdentityFunc func(ctx context.Context, token *oauth2.Token) (*resourceserver.Identity, error)
	ComputeFunc       func(ctx context.Context, token *oauth2.Token, identity *resourceserver.Identity) resourceserver.Authorization
	MapFunc           func(ctx context.Context, identity *resourceserver.Identity, mode resourceserver.LoginMode, auth resourceserver.Authorization) (resourceserver.LocalFields, error)

	mu    sync.Mutex
	calls map[string]int
}

// New creates a fake adapter with identifier id and admin threshold developer.
func New(id string) *Adapter {
	return &Adapter{ID: id, AdminLevel: resourceserver.Developer}
}

// DefaultIdentity is the identity returned when FetchIdentityFunc is nil.
func DefaultIdentity() *resourceserver.Identity {
	return &resourceserver.Identity{
		ID:       "42",
		Username: "jdoe",
		Email:    "jdoe@example.com",
		Name:     "Jane Doe",
	}
}

// Calls returns how often method was invoked.
func (a *Adapter) Calls(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[method]
}

func (a *Adapter) record(method string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls == nil {
		a.calls = make(map[string]int)
	}
	a.calls[method]++
}

func (a *Adapter) Identifier() string {
	return a.ID
}

func (a *Adapter) BuildAuthorizationRedirect(_ context.Context, req resourceserver.RequestContext, state string, challenge pkce.Pair) (string, error) {
	a.record("BuildAuthorizationRedirect")
	q := url.Values{}
	q.Set("state", state)
	q.Set("redirect_uri", req.RedirectURI(a.ID))
	q.Set("code_challenge", challenge.Challenge)
	return "https://provider.test/oauth/authorize?" + q.Encode(), nil
}

func (a *Adapter) ExchangeCodeForToken(ctx context.Context, req resourceserver.RequestContext, code, verifier string) (*oauth2.Token, error) {
	a.record("ExchangeCodeForToken")
	if a.ExchangeFunc != nil {
		return a.ExchangeFunc(ctx, req, code, verifier)
	}
	return &oauth2.Token{AccessToken: "access-" + code, TokenType: "Bearer"}, nil
}

func (a *Adapter) FetchIdentity(ctx context.Context, token *oauth2.Token) (*resourceserver.Identity, error) {
	a.record("FetchIdentity")
	if a.FetchIdentityFunc != nil {
		return a.FetchIdentityFunc(ctx, token)
	}
	return DefaultIdentity(), nil
}

func (a *Adapter) ComputeAuthorization(ctx context.Context, token *oauth2.Token, identity *resourceserver.Identity) resourceserver.Authorization {
	a.record("ComputeAuthorization")
	if a.ComputeFunc != nil {
		return a.ComputeFunc(ctx, token, identity)
	}
	return resourceserver.Authorization{Level: resourceserver.Developer, Available: true}
}

func (a *Adapter) IsUserActive(auth resourceserver.Authorization) bool {
	return auth.Available && auth.Level > resourceserver.NoAccess
}

func (a *Adapter) IsUserAdmin(auth resourceserver.Authorization) bool {
	return auth.Available && auth.Level >= a.AdminLevel
}

func (a *Adapter) OAuthIdentifier(identity *resourceserver.Identity) string {
	return resourceserver.OAuthIdentifier(a.ID, identity.ID)
}

func (a *Adapter) MapIdentityToLocalFields(ctx context.Context, identity *resourceserver.Identity, mode resourceserver.LoginMode, auth resourceserver.Authorization) (resourceserver.LocalFields, error) {
	a.record("MapIdentityToLocalFields")
	if a.MapFunc != nil {
		return a.MapFunc(ctx, identity, mode, auth)
	}
	groups := "1"
	if auth.Level >= a.AdminLevel {
		groups = "1,2"
	}
	return resourceserver.LocalFields{
		Username:   identity.Username,
		Email:      identity.Email,
		RealName:   identity.Name,
		UserGroups: groups,
	}, nil
}
