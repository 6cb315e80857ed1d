// Package resourceserver defines the capability every remote identity
// provider offers to the login flow, the registry that resolves providers by
// identifier, and the per-request authorization cache.
package resourceserver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/tendant/simple-oauth2/pkg/pkce"
	"github.com/tendant/simple-oauth2/pkg/session"
)

// AccessLevel ranks a user's privilege at the provider. Values follow the
// GitLab permission model.
type AccessLevel int

const (
	NoAccess   AccessLevel = 0
	Guest      AccessLevel = 10
	Reporter   AccessLevel = 20
	Developer  AccessLevel = 30
	Maintainer AccessLevel = 40
	Owner      AccessLevel = 50
)

func (l AccessLevel) String() string {
	switch l {
	case NoAccess:
		return "none"
	case Guest:
		return "guest"
	case Reporter:
		return "reporter"
	case Developer:
		return "developer"
	case Maintainer:
		return "maintainer"
	case Owner:
		return "owner"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Authorization is the outcome of an authorization computation. Available
// is false when the provider would not show the project at all, which is
// different from a visible project granting level 0.
type Authorization struct {
	Level     AccessLevel
	Available bool
}

// Identity is the resource owner as returned by the provider.
type Identity struct {
	ID       string
	Username string
	Email    string
	Name     string
	// External marks provider accounts flagged as external/guest users.
	External bool
}

// LocalFields are the local record fields derived from an identity.
type LocalFields struct {
	Username   string
	Email      string
	RealName   string
	UserGroups string
	Options    int
}

// LoginMode selects which local user and group tables a login targets.
type LoginMode string

const (
	ModeBackend  LoginMode = "backend"
	ModeFrontend LoginMode = "frontend"
)

// UserTable returns the local user table for the mode.
func (m LoginMode) UserTable() string {
	if m == ModeFrontend {
		return "fe_users"
	}
	return "be_users"
}

// GroupTable returns the local group table for the mode.
func (m LoginMode) GroupTable() string {
	if m == ModeFrontend {
		return "fe_groups"
	}
	return "be_groups"
}

// RequestContext carries what the flow needs from the current host request.
// It replaces any ambient request or session globals.
type RequestContext struct {
	// BaseURL is scheme and host, e.g. https://cms.example.com.
	BaseURL string
	// CallbackPath is the path the provider redirects back to.
	CallbackPath string
	Mode         LoginMode
	Session      session.Store
	Cookies      []*http.Cookie
}

// RedirectURI returns the exact callback URL for a provider. Providers
// compare it byte for byte between authorization and token exchange.
func (r RequestContext) RedirectURI(identifier string) string {
	q := url.Values{}
	q.Set("login_status", "login")
	q.Set("resource-server-identifier", identifier)
	return r.BaseURL + r.CallbackPath + "?" + q.Encode()
}

// GroupDirectory looks up local groups tagged with a provider access level.
type GroupDirectory interface {
	GroupsForAccessLevel(ctx context.Context, table string, level AccessLevel) ([]int64, error)
}

// Adapter wraps one remote identity provider.
type Adapter interface {
	// Identifier is the registry key, also used in oauth identifiers.
	Identifier() string

	// BuildAuthorizationRedirect returns the provider authorization URL
	// carrying state and the PKCE challenge.
	BuildAuthorizationRedirect(ctx context.Context, req RequestContext, state string, challenge pkce.Pair) (string, error)

	// ExchangeCodeForToken trades the authorization code for an access
	// token. Every failure is reported as TOKEN_EXCHANGE_FAILED.
	ExchangeCodeForToken(ctx context.Context, req RequestContext, code, verifier string) (*oauth2.Token, error)

	// FetchIdentity loads the resource owner. Failures are reported as
	// IDENTITY_FETCH_FAILED.
	FetchIdentity(ctx context.Context, token *oauth2.Token) (*Identity, error)

	// ComputeAuthorization never fails; unreachable data lowers the result.
	ComputeAuthorization(ctx context.Context, token *oauth2.Token, identity *Identity) Authorization

	IsUserActive(auth Authorization) bool
	IsUserAdmin(auth Authorization) bool

	// OAuthIdentifier returns "identifier|externalId".
	OAuthIdentifier(identity *Identity) string

	MapIdentityToLocalFields(ctx context.Context, identity *Identity, mode LoginMode, auth Authorization) (LocalFields, error)
}

// OAuthIdentifier joins a provider identifier and an external id.
func OAuthIdentifier(provider, externalID string) string {
	return provider + "|" + externalID
}
