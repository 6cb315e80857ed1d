// Package api exposes the login flow over HTTP: one login endpoint that
// starts or completes a remote login, the provider list for the login form,
// and the local session issued after a confirmed login.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"
	"github.com/jinzhu/copier"

	"github.com/tendant/simple-oauth2/pkg/config"
	oerrors "github.com/tendant/simple-oauth2/pkg/errors"
	"github.com/tendant/simple-oauth2/pkg/oauthflow"
	"github.com/tendant/simple-oauth2/pkg/ratelimit"
	"github.com/tendant/simple-oauth2/pkg/reconciler"
	"github.com/tendant/simple-oauth2/pkg/resourceserver"
	"github.com/tendant/simple-oauth2/pkg/session"
)

const (
	paramLoginStatus = "login_status"
	paramProvider    = "resource-server-identifier"
)

// Error is the JSON error body.
type Error struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Provider is one entry of the login form picker.
type Provider struct {
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	LoginURL   string `json:"login_url"`
}

// ProvidersResponse lists enabled providers.
type ProvidersResponse struct {
	Providers []Provider `json:"providers"`
}

// Me is the logged-in local user.
type Me struct {
	ID              int64  `json:"id"`
	OAuthIdentifier string `json:"oauth_identifier"`
	Username        string `json:"username"`
	Email           string `json:"email"`
	RealName        string `json:"realname"`
	Admin           bool   `json:"admin"`
	UserGroups      string `json:"usergroup"`
}

// Handle serves the login endpoints.
type Handle struct {
	controller *oauthflow.Controller
	sessions   session.Manager
	users      reconciler.UserRepository
	tokenAuth  *jwtauth.JWTAuth
	login      config.LoginConfig
	jwt        config.JWTConfig
	limiter    *ratelimit.RateLimiter
}

// NewHandle creates the login API handler
func NewHandle(
	controller *oauthflow.Controller,
	sessions session.Manager,
	users reconciler.UserRepository,
	tokenAuth *jwtauth.JWTAuth,
	login config.LoginConfig,
	jwt config.JWTConfig,
) *Handle {
	return &Handle{
		controller: controller,
		sessions:   sessions,
		users:      users,
		tokenAuth:  tokenAuth,
		login:      login,
		jwt:        jwt,
	}
}

// WithRateLimiter throttles the login endpoint per client.
func (h *Handle) WithRateLimiter(rl *ratelimit.RateLimiter) *Handle {
	h.limiter = rl
	return h
}

// Routes returns a router serving the endpoints.
func (h *Handle) Routes() chi.Router {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes adds the endpoints to r. The login endpoint is served at
// the configured callback path, which must match the registered redirect URI.
func (h *Handle) RegisterRoutes(r chi.Router) {
	r.Get("/providers", h.ListProviders)
	if h.limiter != nil {
		r.With(ratelimit.PerClient(h.limiter, h.login.TrustProxyHeaders)).Get(h.login.CallbackPath, h.Login)
	} else {
		r.Get(h.login.CallbackPath, h.Login)
	}
	r.Post("/logout", h.Logout)

	r.Group(func(r chi.Router) {
		r.Use(jwtauth.Verify(h.tokenAuth, jwtauth.TokenFromHeader, h.tokenFromCookie))
		r.Use(jwtauth.Authenticator(h.tokenAuth))
		r.Get("/me", h.Me)
	})
}

func (h *Handle) mode() resourceserver.LoginMode {
	return resourceserver.LoginMode(h.login.Mode)
}

func (h *Handle) loginURL(provider string) string {
	q := url.Values{}
	q.Set(paramLoginStatus, "login")
	q.Set(paramProvider, provider)
	return h.login.CallbackPath + "?" + q.Encode()
}

// ListProviders returns the enabled providers in registration order.
func (h *Handle) ListProviders(w http.ResponseWriter, r *http.Request) {
	entries := h.controller.Registry().ListEnabled()
	providers := make([]Provider, 0, len(entries))
	for _, e := range entries {
		providers = append(providers, Provider{
			Identifier: e.Identifier,
			Title:      e.Title,
			LoginURL:   h.loginURL(e.Identifier),
		})
	}
	render.JSON(w, r, ProvidersResponse{Providers: providers})
}

// Login starts a login when the request carries no state and completes it
// when the provider sent the browser back with one.
func (h *Handle) Login(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider := q.Get(paramProvider)
	if q.Get(paramLoginStatus) != "login" || provider == "" {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", "login_status=login and a provider are required")
		return
	}

	if errCode := q.Get("error"); errCode != "" {
		slog.Warn("Provider returned an error", "provider", provider, "error", errCode, "description", q.Get("error_description"))
		flow := h.controller.NewFlow(h.requestContext(r, h.sessionID(r)))
		flow.AbortCallback(r.Context(), provider, q.Get("state"))
		for _, c := range flow.ResponseCookies() {
			http.SetCookie(w, c)
		}
		h.redirectToFrontend(w, r, "access_denied")
		return
	}

	if !q.Has("state") {
		h.begin(w, r, provider)
		return
	}
	h.callback(w, r, provider, q.Get("state"), q.Get("code"))
}

func (h *Handle) begin(w http.ResponseWriter, r *http.Request, provider string) {
	sessionID := h.sessionID(r)
	if sessionID == "" {
		sessionID = session.NewID()
		http.SetCookie(w, h.sessionCookie(sessionID))
	}

	flow := h.controller.NewFlow(h.requestContext(r, sessionID))
	directive, err := flow.BeginLogin(r.Context(), provider)
	if err != nil {
		h.writeFlowError(w, r, provider, err)
		return
	}
	for _, c := range directive.Cookies {
		http.SetCookie(w, c)
	}
	http.Redirect(w, r, directive.URL, directive.StatusCode)
}

func (h *Handle) callback(w http.ResponseWriter, r *http.Request, provider, state, code string) {
	ctx := r.Context()
	flow := h.controller.NewFlow(h.requestContext(r, h.sessionID(r)))

	rec, err := flow.HandleCallback(ctx, provider, state, code)
	for _, c := range flow.ResponseCookies() {
		http.SetCookie(w, c)
	}
	if err != nil {
		var notRegistered *resourceserver.NotRegisteredError
		if errors.As(err, &notRegistered) {
			h.writeFlowError(w, r, provider, err)
			return
		}
		slog.Error("Remote login failed", "provider", provider, "code", oerrors.GetCode(err), "error", err)
		h.redirectToFrontend(w, r, "login_failed")
		return
	}
	if rec == nil {
		h.redirectToFrontend(w, r, "login_required")
		return
	}

	if flow.ConfirmAuthenticated(ctx, rec) != oauthflow.Confirmed {
		h.redirectToFrontend(w, r, "not_authorized")
		return
	}

	cookie, err := h.issueSession(rec, provider)
	if err != nil {
		slog.Error("Failed to issue session token", "error", err)
		h.redirectToFrontend(w, r, "login_failed")
		return
	}
	http.SetCookie(w, cookie)
	http.Redirect(w, r, h.login.FrontendURL, http.StatusSeeOther)
}

// Me returns the local user of the session token.
func (h *Handle) Me(w http.ResponseWriter, r *http.Request) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		h.writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}
	sub, _ := claims["sub"].(string)
	uid, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		h.writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid session subject")
		return
	}

	rec, err := h.users.FindByID(r.Context(), h.mode().UserTable(), uid)
	if err != nil {
		if errors.Is(err, reconciler.ErrUserNotFound) {
			h.writeError(w, r, http.StatusNotFound, "not_found", "user not found")
			return
		}
		slog.Error("Failed getting me", "uid", uid, "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load user")
		return
	}

	var me Me
	if err := copier.Copy(&me, rec); err != nil {
		slog.Error("Failed to map user", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load user")
		return
	}
	render.JSON(w, r, me)
}

// Logout drops the session token.
func (h *Handle) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.jwt.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.login.CookieSecure,
		SameSite: h.login.SameSite(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handle) issueSession(rec *reconciler.Record, provider string) (*http.Cookie, error) {
	expiresAt := time.Now().Add(h.jwt.TTL)
	claims := map[string]interface{}{
		"sub":              strconv.FormatInt(rec.ID, 10),
		"oauth_identifier": rec.OAuthIdentifier,
		"username":         rec.Username,
		"admin":            rec.Admin,
		"provider":         provider,
	}
	jwtauth.SetIssuedNow(claims)
	jwtauth.SetExpiry(claims, expiresAt)

	_, token, err := h.tokenAuth.Encode(claims)
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     h.jwt.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.login.CookieSecure,
		SameSite: h.login.SameSite(),
	}, nil
}

func (h *Handle) tokenFromCookie(r *http.Request) string {
	c, err := r.Cookie(h.jwt.CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (h *Handle) sessionID(r *http.Request) string {
	c, err := r.Cookie(h.login.SessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

func (h *Handle) sessionCookie(id string) *http.Cookie {
	return &http.Cookie{
		Name:     h.login.SessionCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(h.login.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.login.CookieSecure,
		SameSite: h.login.SameSite(),
	}
}

func (h *Handle) requestContext(r *http.Request, sessionID string) resourceserver.RequestContext {
	req := resourceserver.RequestContext{
		BaseURL:      h.baseURL(r),
		CallbackPath: h.login.CallbackPath,
		Mode:         h.mode(),
		Cookies:      r.Cookies(),
	}
	if sessionID != "" {
		req.Session = h.sessions.Session(sessionID)
	}
	return req
}

func (h *Handle) baseURL(r *http.Request) string {
	if h.login.BaseURL != "" {
		return strings.TrimRight(h.login.BaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func (h *Handle) redirectToFrontend(w http.ResponseWriter, r *http.Request, reason string) {
	target := h.login.FrontendURL
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	http.Redirect(w, r, target+sep+url.Values{"error": {reason}}.Encode(), http.StatusSeeOther)
}

func (h *Handle) writeFlowError(w http.ResponseWriter, r *http.Request, provider string, err error) {
	var notRegistered *resourceserver.NotRegisteredError
	if errors.As(err, &notRegistered) {
		h.writeError(w, r, http.StatusNotFound, "provider_not_found", "provider not found or disabled")
		return
	}
	slog.Error("Failed to start login", "provider", provider, "error", err)
	h.writeError(w, r, oerrors.MapErrorCodeToHTTPStatus(oerrors.GetCode(err)), "internal_error", "failed to start login")
}

func (h *Handle) writeError(w http.ResponseWriter, r *http.Request, status int, code, description string) {
	render.Status(r, status)
	render.JSON(w, r, Error{Error: code, ErrorDescription: description})
}

