package reconciler

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUserNotFound is returned by lookups that match no live record.
	ErrUserNotFound = errors.New("user not found")
	// ErrConflict is returned when a write hits the oauth identifier
	// uniqueness constraint.
	ErrConflict = errors.New("user already exists")
)

// Record is a local user row.
type Record struct {
	ID              int64     `json:"id"`
	OAuthIdentifier string    `json:"oauth_identifier"`
	Username        string    `json:"username"`
	Email           string    `json:"email"`
	RealName        string    `json:"realname"`
	Password        string    `json:"-"`
	Admin           bool      `json:"admin"`
	Disabled        bool      `json:"disable"`
	StartTime       int64     `json:"starttime"`
	EndTime         int64     `json:"endtime"`
	UserGroups      string    `json:"usergroup"`
	Options         int       `json:"options"`
	CreatedAt       time.Time `json:"crdate"`
	UpdatedAt       time.Time `json:"tstamp"`
}

// SameContent reports whether two records are equal ignoring timestamps.
func (r Record) SameContent(o Record) bool {
	r.CreatedAt, r.UpdatedAt = time.Time{}, time.Time{}
	o.CreatedAt, o.UpdatedAt = time.Time{}, time.Time{}
	return r == o
}

// UserRepository reads and writes one of the local user tables. Lookups
// ignore deleted rows and return ErrUserNotFound on no match.
type UserRepository interface {
	FindByOAuthIdentifier(ctx context.Context, table, oauthIdentifier string) (*Record, error)
	// FindByUsernameOrEmail matches the username, or the email when it is
	// not empty. The oldest match wins.
	FindByUsernameOrEmail(ctx context.Context, table, username, email string) (*Record, error)
	FindByID(ctx context.Context, table string, id int64) (*Record, error)
	// Insert stores rec and returns its new id.
	Insert(ctx context.Context, table string, rec Record) (int64, error)
	// Update rewrites the row with rec.ID and returns it as stored.
	Update(ctx context.Context, table string, rec Record) (*Record, error)
}
