// Package reconciler merges a remote identity into the local user tables:
// find by oauth identifier, then by username or email, else create.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	oerrors "github.com/tendant/simple-oauth2/pkg/errors"
	"github.com/tendant/simple-oauth2/pkg/resourceserver"
)

// UnavailablePolicy decides what a login does when the provider would not
// show its authorization data.
type UnavailablePolicy string

const (
	// GrantZero reconciles the user with privilege level 0.
	GrantZero UnavailablePolicy = "grant-zero"
	// Deny rejects the login.
	Deny UnavailablePolicy = "deny"
)

// Input is one reconciliation request.
type Input struct {
	Identity      *resourceserver.Identity
	Authorization *resourceserver.AuthorizationCache
	Mode          resourceserver.LoginMode
}

// Reconciler creates or refreshes local users.
type Reconciler struct {
	repo        UserRepository
	hasher      PasswordHasher
	override    bool
	unavailable UnavailablePolicy
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithOverride refreshes admin, enable and mapped fields on every login.
// Without it only the oauth identifier link of an existing user changes.
func WithOverride(override bool) Option {
	return func(r *Reconciler) {
		r.override = override
	}
}

// WithUnavailablePolicy sets the policy for missing authorization data.
func WithUnavailablePolicy(p UnavailablePolicy) Option {
	return func(r *Reconciler) {
		if p != "" {
			r.unavailable = p
		}
	}
}

// WithPasswordHasher sets the hasher for password placeholders.
func WithPasswordHasher(h PasswordHasher) Option {
	return func(r *Reconciler) {
		r.hasher = h
	}
}

// New creates a Reconciler
func New(repo UserRepository, opts ...Option) *Reconciler {
	r := &Reconciler{
		repo:        repo,
		hasher:      BcryptHasher{},
		unavailable: GrantZero,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile returns the local record for in.Identity, creating it on the
// first login. Replaying an unchanged identity leaves every field except
// the update timestamp as it was.
func (r *Reconciler) Reconcile(ctx context.Context, in Input) (*Record, error) {
	if in.Identity == nil || in.Authorization == nil {
		return nil, oerrors.Internal("reconcile without identity")
	}
	adapter := in.Authorization.Adapter()
	auth := in.Authorization.Get(ctx, in.Identity)
	if !auth.Available && r.unavailable == Deny {
		slog.Info("Login denied, authorization data unavailable",
			"provider", adapter.Identifier(), "user", in.Identity.Username)
		return nil, oerrors.New(oerrors.ErrCodeAuthorizationUnavailable, "authorization data unavailable")
	}

	table := in.Mode.UserTable()
	oauthID := adapter.OAuthIdentifier(in.Identity)

	fields, err := adapter.MapIdentityToLocalFields(ctx, in.Identity, in.Mode, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to map identity: %w", err)
	}

	rec, err := r.repo.FindByOAuthIdentifier(ctx, table, oauthID)
	if errors.Is(err, ErrUserNotFound) {
		rec, err = r.repo.FindByUsernameOrEmail(ctx, table, fields.Username, fields.Email)
	}
	switch {
	case errors.Is(err, ErrUserNotFound):
		created, err := r.create(ctx, table, oauthID, fields, adapter.IsUserAdmin(auth))
		if !errors.Is(err, ErrConflict) {
			return created, err
		}
		// A concurrent login created the user first.
		slog.Info("User created concurrently, updating instead", "provider", adapter.Identifier(), "oauth_identifier", oauthID)
		rec, err = r.repo.FindByOAuthIdentifier(ctx, table, oauthID)
		if err != nil {
			return nil, fmt.Errorf("failed to re-read conflicting user: %w", err)
		}
	case err != nil:
		return nil, err
	}

	return r.update(ctx, table, *rec, oauthID, fields, adapter.IsUserAdmin(auth))
}

func (r *Reconciler) create(ctx context.Context, table, oauthID string, fields resourceserver.LocalFields, admin bool) (*Record, error) {
	password, err := unusablePassword(r.hasher)
	if err != nil {
		return nil, err
	}
	rec := Record{
		OAuthIdentifier: oauthID,
		Password:        password,
		Admin:           admin,
	}
	applyFields(&rec, fields)

	id, err := r.repo.Insert(ctx, table, rec)
	if err != nil {
		return nil, err
	}
	created, err := r.repo.FindByID(ctx, table, id)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read created user: %w", err)
	}
	slog.Info("Created user from remote login", "table", table, "uid", id, "oauth_identifier", oauthID)
	return created, nil
}

func (r *Reconciler) update(ctx context.Context, table string, rec Record, oauthID string, fields resourceserver.LocalFields, admin bool) (*Record, error) {
	rec.OAuthIdentifier = oauthID
	if r.override {
		rec.Admin = admin
		rec.Disabled = false
		rec.StartTime = 0
		rec.EndTime = 0
		applyFields(&rec, fields)
	}

	updated, err := r.repo.Update(ctx, table, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to update user %d: %w", rec.ID, err)
	}
	slog.Debug("Updated user from remote login", "table", table, "uid", rec.ID, "override", r.override)
	return updated, nil
}

func applyFields(rec *Record, f resourceserver.LocalFields) {
	rec.Username = f.Username
	rec.Email = f.Email
	rec.RealName = f.RealName
	rec.UserGroups = f.UserGroups
	rec.Options = f.Options
}
