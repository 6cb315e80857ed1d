package reconciler

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tendant/simple-oauth2/pkg/resourceserver"
)

const uniqueViolation = "23505"

const userColumns = `uid, oauth_identifier, username, email, realname, password,
	admin, disable, starttime, endtime, usergroup, options, crdate, tstamp`

// DBTX is the pgx subset shared by pools, connections and transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements UserRepository on be_users / fe_users.
type PostgresRepository struct {
	db DBTX
}

// NewPostgresRepository creates a PostgreSQL user repository
func NewPostgresRepository(db DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func userTable(table string) (string, error) {
	if !slices.Contains([]string{resourceserver.ModeBackend.UserTable(), resourceserver.ModeFrontend.UserTable()}, table) {
		return "", fmt.Errorf("unknown user table %q", table)
	}
	return table, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec     Record
		oauthID *string
	)
	err := row.Scan(
		&rec.ID,
		&oauthID,
		&rec.Username,
		&rec.Email,
		&rec.RealName,
		&rec.Password,
		&rec.Admin,
		&rec.Disabled,
		&rec.StartTime,
		&rec.EndTime,
		&rec.UserGroups,
		&rec.Options,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if oauthID != nil {
		rec.OAuthIdentifier = *oauthID
	}
	return &rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrConflict
	}
	return err
}

func (r *PostgresRepository) FindByOAuthIdentifier(ctx context.Context, table, oauthIdentifier string) (*Record, error) {
	t, err := userTable(table)
	if err != nil {
		return nil, err
	}
	if oauthIdentifier == "" {
		return nil, ErrUserNotFound
	}
	rec, err := scanRecord(r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+t+` WHERE oauth_identifier = $1 AND deleted = false`,
		oauthIdentifier))
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("failed to find user by oauth identifier: %w", err)
	}
	return rec, err
}

func (r *PostgresRepository) FindByUsernameOrEmail(ctx context.Context, table, username, email string) (*Record, error) {
	t, err := userTable(table)
	if err != nil {
		return nil, err
	}
	rec, err := scanRecord(r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+t+`
		WHERE (username = $1 OR ($2 <> '' AND email = $2)) AND deleted = false
		ORDER BY uid LIMIT 1`,
		username, email))
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("failed to find user by username or email: %w", err)
	}
	return rec, err
}

func (r *PostgresRepository) FindByID(ctx context.Context, table string, id int64) (*Record, error) {
	t, err := userTable(table)
	if err != nil {
		return nil, err
	}
	rec, err := scanRecord(r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+t+` WHERE uid = $1 AND deleted = false`, id))
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("failed to find user %d: %w", id, err)
	}
	return rec, err
}

func (r *PostgresRepository) Insert(ctx context.Context, table string, rec Record) (int64, error) {
	t, err := userTable(table)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.db.QueryRow(ctx, `
		INSERT INTO `+t+` (
			oauth_identifier, username, email, realname, password,
			admin, disable, starttime, endtime, usergroup, options
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING uid
	`,
		nullable(rec.OAuthIdentifier),
		rec.Username,
		rec.Email,
		rec.RealName,
		rec.Password,
		rec.Admin,
		rec.Disabled,
		rec.StartTime,
		rec.EndTime,
		rec.UserGroups,
		rec.Options,
	).Scan(&id)
	if err != nil {
		if err := mapWriteError(err); errors.Is(err, ErrConflict) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to insert user: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) Update(ctx context.Context, table string, rec Record) (*Record, error) {
	t, err := userTable(table)
	if err != nil {
		return nil, err
	}
	updated, err := scanRecord(r.db.QueryRow(ctx, `
		UPDATE `+t+` SET
			oauth_identifier = $2, username = $3, email = $4, realname = $5, password = $6,
			admin = $7, disable = $8, starttime = $9, endtime = $10, usergroup = $11, options = $12,
			tstamp = NOW()
		WHERE uid = $1
		RETURNING `+userColumns,
		rec.ID,
		nullable(rec.OAuthIdentifier),
		rec.Username,
		rec.Email,
		rec.RealName,
		rec.Password,
		rec.Admin,
		rec.Disabled,
		rec.StartTime,
		rec.EndTime,
		rec.UserGroups,
		rec.Options,
	))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		if err := mapWriteError(err); errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update user %d: %w", rec.ID, err)
	}
	return updated, nil
}
