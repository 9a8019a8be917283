package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/userhub/userhub/internal/domain"
)

// APIToken is a persisted token record (hash only).
type APIToken struct {
	ID        string
	UserName  string
	Note      string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// CreateToken stores a token hash for a user.
func (s *Store) CreateToken(ctx context.Context, user, tokenHash, note string) (APIToken, error) {
	tok := APIToken{
		ID:        newID("tok"),
		UserName:  user,
		Note:      note,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO api_tokens(id, user_name, token_hash, note, created_at)
VALUES(?, ?, ?, ?, ?)`, tok.ID, tok.UserName, tokenHash, tok.Note, tok.CreatedAt)
	return tok, err
}

// ResolveToken maps a token hash to its owning username. Revoked and
// unknown tokens both return [domain.ErrAccessDenied].
func (s *Store) ResolveToken(ctx context.Context, tokenHash string) (string, error) {
	var user string
	err := s.resolveTokenStmt.QueryRowContext(ctx, tokenHash).Scan(&user)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrAccessDenied
	}
	return user, err
}

// RevokeToken marks a token revoked by ID and returns its hash so callers
// can drop cached resolutions. Unknown and already-revoked IDs return
// [sql.ErrNoRows].
func (s *Store) RevokeToken(ctx context.Context, id string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
UPDATE api_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL
RETURNING token_hash`, time.Now().UTC(), id).Scan(&hash)
	if err != nil {
		return "", err
	}
	return hash, nil
}

// ListTokens returns a user's tokens, newest first.
func (s *Store) ListTokens(ctx context.Context, user string) ([]APIToken, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_name, note, created_at, revoked_at
FROM api_tokens WHERE user_name = ? ORDER BY created_at DESC`, user)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []APIToken
	for rows.Next() {
		var tok APIToken
		var revoked sql.NullTime
		if err := rows.Scan(&tok.ID, &tok.UserName, &tok.Note, &tok.CreatedAt, &revoked); err != nil {
			return nil, err
		}
		if revoked.Valid {
			t := revoked.Time
			tok.RevokedAt = &t
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}
