package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/userhub/userhub/internal/domain"
)

// CreateUser inserts a new account. passwordHash may be empty for users
// managed by an external authenticator.
func (s *Store) CreateUser(ctx context.Context, name string, admin bool, passwordHash string) (domain.User, error) {
	now := time.Now().UTC()
	u := domain.User{
		ID:        newID("u"),
		Name:      name,
		Admin:     admin,
		CreatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(id, name, admin, password_hash, created_at)
VALUES(?, ?, ?, ?, ?)`, u.ID, u.Name, boolToInt(admin), passwordHash, now)
	return u, err
}

// UserByName loads one user. Returns [domain.ErrUserNotFound] when absent.
func (s *Store) UserByName(ctx context.Context, name string) (domain.User, error) {
	var (
		u         domain.User
		admin     int
		groups    string
		roles     string
		lastLogin sql.NullTime
	)
	err := s.userByNameStmt.QueryRowContext(ctx, name).
		Scan(&u.ID, &u.Name, &admin, &groups, &roles, &u.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	u.Admin = admin != 0
	u.Groups = unmarshalStrings(groups)
	u.Roles = unmarshalStrings(roles)
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return u, nil
}

// UserPasswordHash returns the stored bcrypt hash for name.
func (s *Store) UserPasswordHash(ctx context.Context, name string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE name = ?`, name).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrUserNotFound
	}
	return hash, err
}

// EnsureUser creates the account on first login if it does not exist yet
// and returns it either way.
func (s *Store) EnsureUser(ctx context.Context, id domain.Identity) (domain.User, error) {
	u, err := s.UserByName(ctx, id.Name)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, domain.ErrUserNotFound) {
		return domain.User{}, err
	}
	return s.CreateUser(ctx, id.Name, id.Admin, "")
}

// ListUsers returns all accounts ordered by name.
func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, admin, groups, roles, created_at, last_login
FROM users ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.User
	for rows.Next() {
		var (
			u         domain.User
			admin     int
			groups    string
			roles     string
			lastLogin sql.NullTime
		)
		if err := rows.Scan(&u.ID, &u.Name, &admin, &groups, &roles, &u.CreatedAt, &lastLogin); err != nil {
			return nil, err
		}
		u.Admin = admin != 0
		u.Groups = unmarshalStrings(groups)
		u.Roles = unmarshalStrings(roles)
		if lastLogin.Valid {
			t := lastLogin.Time
			u.LastLogin = &t
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// TouchLastLogin records a successful authentication.
func (s *Store) TouchLastLogin(ctx context.Context, name string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE name = ?`, at.UTC(), name)
	return err
}

// SetUserGroups replaces a user's group memberships.
func (s *Store) SetUserGroups(ctx context.Context, name string, groups []string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET groups = ? WHERE name = ?`, marshalStrings(groups), name)
	if err != nil {
		return err
	}
	return requireRow(res, domain.ErrUserNotFound)
}

// SetAuthState stores the sealed auth-state blob; nil clears it.
func (s *Store) SetAuthState(ctx context.Context, name string, sealed []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET auth_state = ? WHERE name = ?`, sealed, name)
	if err != nil {
		return err
	}
	return requireRow(res, domain.ErrUserNotFound)
}

// AuthState loads the sealed auth-state blob; nil when none is stored.
func (s *Store) AuthState(ctx context.Context, name string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT auth_state FROM users WHERE name = ?`, name).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	return sealed, err
}

// DeleteUser removes an account along with its servers, tokens, and
// shares.
func (s *Store) DeleteUser(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if err := requireRow(res, domain.ErrUserNotFound); err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM servers WHERE user_name = ?`,
		`DELETE FROM api_tokens WHERE user_name = ?`,
		`DELETE FROM shares WHERE owner = ? OR grantee_user = ?`,
		`DELETE FROM share_codes WHERE owner = ?`,
	} {
		args := []any{name}
		if q == `DELETE FROM shares WHERE owner = ? OR grantee_user = ?` {
			args = append(args, name)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func requireRow(res sql.Result, missing error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return missing
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
