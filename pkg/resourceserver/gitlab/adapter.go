// Package gitlab implements the resource server adapter for GitLab: login via
// GitLab OAuth2 and local privileges derived from the user's access to one
// configured project.
package gitlab

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tendant/simple-oauth2/pkg/config"
	oerrors "github.com/tendant/simple-oauth2/pkg/errors"
	"github.com/tendant/simple-oauth2/pkg/pkce"
	"github.com/tendant/simple-oauth2/pkg/resourceserver"
)

// UsernameMaxLength is the local username column limit.
const UsernameMaxLength = 50

// Scopes requested at authorization time.
var Scopes = []string{"read_api", "read_user", "openid"}

// Adapter is the GitLab resourceserver.Adapter.
type Adapter struct {
	cfg         config.ResourceServerConfig
	oauth       oauth2.Config
	httpClient  *http.Client
	timeout     time.Duration
	newAPI      APIFactory
	groups      resourceserver.GroupDirectory
	concurrency int
}

// Option configures an Adapter
type Option func(*Adapter)

// WithHTTPClient sets the client used for token exchange and API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) {
		a.httpClient = client
	}
}

// WithTimeout bounds every outbound call.
func WithTimeout(timeout time.Duration) Option {
	return func(a *Adapter) {
		a.timeout = timeout
	}
}

// WithAPIFactory replaces the REST client, e.g. with a fake in tests.
func WithAPIFactory(factory APIFactory) Option {
	return func(a *Adapter) {
		a.newAPI = factory
	}
}

// WithGroupDirectory sets the local group lookup used for group mapping.
func WithGroupDirectory(groups resourceserver.GroupDirectory) Option {
	return func(a *Adapter) {
		a.groups = groups
	}
}

// WithConcurrency bounds parallel group requests during the group walk.
func WithConcurrency(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// New creates a GitLab adapter. The project path is required: without it
// no authorization can be computed.
func New(cfg config.ResourceServerConfig, opts ...Option) (*Adapter, error) {
	if cfg.Identifier == "" {
		return nil, oerrors.New(oerrors.ErrCodeConfiguration, "gitlab: identifier must be set")
	}
	if cfg.ProjectPath == "" {
		return nil, oerrors.Newf(oerrors.ErrCodeConfiguration, "gitlab %s: a project path must be set", cfg.Identifier)
	}
	if cfg.RemoteDomain == "" {
		return nil, oerrors.Newf(oerrors.ErrCodeConfiguration, "gitlab %s: a remote domain must be set", cfg.Identifier)
	}
	if cfg.AdminLevel < 0 {
		return nil, oerrors.Newf(oerrors.ErrCodeConfiguration, "gitlab %s: admin level cannot be negative", cfg.Identifier)
	}
	if cfg.AdminLevel == 0 {
		cfg.AdminLevel = config.DefaultAdminLevel
	}

	domain := strings.TrimRight(cfg.RemoteDomain, "/")
	a := &Adapter{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  domain + "/oauth/authorize",
				TokenURL: domain + "/oauth/token",
				// Explicit style: auto-detection retries the exchange,
				// and GitLab rejects a reused code.
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: Scopes,
		},
		timeout:     10 * time.Second,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.httpClient == nil {
		a.httpClient = &http.Client{Timeout: a.timeout}
	}
	if a.newAPI == nil {
		a.newAPI = a.defaultAPI
	}
	return a, nil
}

// Factory adapts New to the registry. Options given here apply to every
// adapter the factory builds.
func Factory(opts ...Option) resourceserver.Factory {
	return func(o resourceserver.Options) (resourceserver.Adapter, error) {
		a, err := New(o.Config, opts...)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

func (a *Adapter) defaultAPI(ctx context.Context, token *oauth2.Token) API {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	// A static source never refreshes, so a failed call is never replayed.
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))
	return NewHTTPAPI(a.cfg.RemoteDomain, client, a.timeout)
}

func (a *Adapter) configFor(req resourceserver.RequestContext) *oauth2.Config {
	conf := a.oauth
	conf.RedirectURL = req.RedirectURI(a.cfg.Identifier)
	return &conf
}

// Identifier implements resourceserver.Adapter.
func (a *Adapter) Identifier() string {
	return a.cfg.Identifier
}

// BuildAuthorizationRedirect implements resourceserver.Adapter.
func (a *Adapter) BuildAuthorizationRedirect(_ context.Context, req resourceserver.RequestContext, state string, challenge pkce.Pair) (string, error) {
	if state == "" {
		return "", oerrors.Internal("authorization redirect without state")
	}
	return a.configFor(req).AuthCodeURL(state, challenge.AuthCodeOptions()...), nil
}

// ExchangeCodeForToken implements resourceserver.Adapter.
func (a *Adapter) ExchangeCodeForToken(ctx context.Context, req resourceserver.RequestContext, code, verifier string) (*oauth2.Token, error) {
	if code == "" {
		return nil, oerrors.New(oerrors.ErrCodeTokenExchangeFailed, "missing authorization code")
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)

	token, err := a.configFor(req).Exchange(ctx, code, pkce.ExchangeOptions(verifier)...)
	if err != nil {
		slog.Warn("GitLab token exchange failed", "provider", a.cfg.Identifier, "error", err)
		return nil, oerrors.Wrap(err, oerrors.ErrCodeTokenExchangeFailed, "token exchange failed")
	}
	return token, nil
}

// FetchIdentity implements resourceserver.Adapter.
func (a *Adapter) FetchIdentity(ctx context.Context, token *oauth2.Token) (*resourceserver.Identity, error) {
	if token == nil {
		return nil, oerrors.New(oerrors.ErrCodeIdentityFetchFailed, "no access token")
	}
	user, err := a.newAPI(ctx, token).CurrentUser(ctx)
	if err != nil {
		slog.Warn("GitLab user lookup failed", "provider", a.cfg.Identifier, "error", err)
		return nil, oerrors.Wrap(err, oerrors.ErrCodeIdentityFetchFailed, "failed to fetch resource owner")
	}
	return &resourceserver.Identity{
		ID:       strconv.FormatInt(user.ID, 10),
		Username: user.Username,
		Email:    user.Email,
		Name:     user.Name,
		External: user.External,
	}, nil
}

// IsUserActive implements resourceserver.Adapter.
func (a *Adapter) IsUserActive(auth resourceserver.Authorization) bool {
	return auth.Available && auth.Level > resourceserver.NoAccess
}

// IsUserAdmin implements resourceserver.Adapter.
func (a *Adapter) IsUserAdmin(auth resourceserver.Authorization) bool {
	return auth.Available && auth.Level >= resourceserver.AccessLevel(a.cfg.AdminLevel)
}

// OAuthIdentifier implements resourceserver.Adapter.
func (a *Adapter) OAuthIdentifier(identity *resourceserver.Identity) string {
	return resourceserver.OAuthIdentifier(a.cfg.Identifier, identity.ID)
}

// MapIdentityToLocalFields implements resourceserver.Adapter. Groups are the
// local groups tagged with the user's access level, or the default groups
// when the level is zero or no group carries that level.
func (a *Adapter) MapIdentityToLocalFields(ctx context.Context, identity *resourceserver.Identity, mode resourceserver.LoginMode, auth resourceserver.Authorization) (resourceserver.LocalFields, error) {
	groups := a.cfg.DefaultGroups
	if auth.Level > resourceserver.NoAccess && a.groups != nil {
		ids, err := a.groups.GroupsForAccessLevel(ctx, mode.GroupTable(), auth.Level)
		switch {
		case err != nil:
			slog.Warn("Local group lookup failed, using default groups",
				"provider", a.cfg.Identifier, "level", auth.Level, "error", err)
		case len(ids) > 0:
			groups = ids
		}
	}

	return resourceserver.LocalFields{
		Username:   truncate(identity.Username, UsernameMaxLength),
		Email:      identity.Email,
		RealName:   identity.Name,
		UserGroups: joinIDs(groups),
		Options:    a.cfg.UserOptions,
	}, nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
