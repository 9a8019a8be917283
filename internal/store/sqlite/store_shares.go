package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/userhub/userhub/internal/domain"
)

// CreateShare grants scoped access to one server. Exactly one of
// granteeUser and granteeGroup must be non-empty. Granting again to the
// same grantee replaces the scope list.
func (s *Store) CreateShare(ctx context.Context, owner, serverName, granteeUser, granteeGroup string, scopeList []string) (domain.Share, error) {
	if (granteeUser == "") == (granteeGroup == "") {
		return domain.Share{}, errors.New("share requires exactly one of user and group")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Share{}, err
	}
	defer func() { _ = tx.Rollback() }()

	share, err := upsertShareTx(ctx, tx, owner, serverName, granteeUser, granteeGroup, scopeList)
	if err != nil {
		return domain.Share{}, err
	}
	return share, tx.Commit()
}

func upsertShareTx(ctx context.Context, tx *sql.Tx, owner, serverName, granteeUser, granteeGroup string, scopeList []string) (domain.Share, error) {
	var existingID string
	err := tx.QueryRowContext(ctx, `
SELECT id FROM shares
WHERE owner = ? AND server_name = ?
  AND COALESCE(grantee_user, '') = ? AND COALESCE(grantee_group, '') = ?`,
		owner, serverName, granteeUser, granteeGroup).Scan(&existingID)

	now := time.Now().UTC()
	share := domain.Share{
		Server:    domain.ServerKey{User: owner, Server: serverName}.String(),
		Scopes:    scopeList,
		User:      granteeUser,
		Group:     granteeGroup,
		CreatedAt: now,
	}

	switch {
	case err == nil:
		share.ID = existingID
		_, err = tx.ExecContext(ctx, `UPDATE shares SET scopes = ? WHERE id = ?`,
			marshalStrings(scopeList), existingID)
		return share, err
	case errors.Is(err, sql.ErrNoRows):
		share.ID = newID("sh")
		_, err = tx.ExecContext(ctx, `
INSERT INTO shares(id, owner, server_name, grantee_user, grantee_group, scopes, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
			share.ID, owner, serverName, nullString(granteeUser), nullString(granteeGroup),
			marshalStrings(scopeList), now)
		return share, err
	default:
		return domain.Share{}, err
	}
}

// DeleteShare revokes a share by ID when requester is the owner or the
// grantee themselves.
func (s *Store) DeleteShare(ctx context.Context, id, requester string) error {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM shares WHERE id = ? AND (owner = ? OR grantee_user = ?)`,
		id, requester, requester)
	if err != nil {
		return err
	}
	return requireRow(res, domain.ErrAccessDenied)
}

// ListSharesForServer returns every share of one server.
func (s *Store) ListSharesForServer(ctx context.Context, owner, serverName string) ([]domain.Share, error) {
	return s.listShares(ctx, `
SELECT id, owner, server_name, grantee_user, grantee_group, scopes, created_at
FROM shares WHERE owner = ? AND server_name = ? ORDER BY created_at`, owner, serverName)
}

// ListSharesForGrantee returns every share reaching a user directly or via
// group membership.
func (s *Store) ListSharesForGrantee(ctx context.Context, user string, groups []string) ([]domain.Share, error) {
	query := `
SELECT id, owner, server_name, grantee_user, grantee_group, scopes, created_at
FROM shares WHERE grantee_user = ?`
	args := []any{user}
	if len(groups) > 0 {
		query += ` OR grantee_group IN (?` + repeatPlaceholder(len(groups)-1) + `)`
		for _, g := range groups {
			args = append(args, g)
		}
	}
	query += ` ORDER BY created_at`
	return s.listShares(ctx, query, args...)
}

// CreateShareCode mints a bearer-redeemable code record. The cleartext
// code is hashed by the caller; only codeHash is stored.
func (s *Store) CreateShareCode(ctx context.Context, owner, serverName, codeHash string, scopeList []string, expiresAt time.Time, maxExchanges int) (domain.ShareCode, error) {
	code := domain.ShareCode{
		ID:           newID("sc"),
		Server:       domain.ServerKey{User: owner, Server: serverName}.String(),
		Scopes:       scopeList,
		ExpiresAt:    expiresAt.UTC(),
		MaxExchanges: maxExchanges,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO share_codes(id, owner, server_name, code_hash, scopes, expires_at, max_exchanges, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		code.ID, owner, serverName, codeHash, marshalStrings(scopeList),
		code.ExpiresAt, maxExchanges, code.CreatedAt)
	return code, err
}

// RedeemShareCode atomically exchanges a code for a share granted to
// granteeUser. The conditional exchange-count bump and the share creation
// run in one transaction, so concurrent redemptions cannot double-grant
// past the exchange limit. Expired, exhausted, and unknown codes all
// return [domain.ErrShareCodeInvalid] with no side effect.
func (s *Store) RedeemShareCode(ctx context.Context, codeHash, granteeUser string, now time.Time) (domain.Share, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Share{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE share_codes SET exchange_count = exchange_count + 1
WHERE code_hash = ? AND expires_at > ?
  AND (max_exchanges < 0 OR exchange_count < max_exchanges)`,
		codeHash, now.UTC())
	if err != nil {
		return domain.Share{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Share{}, err
	}
	if affected == 0 {
		return domain.Share{}, domain.ErrShareCodeInvalid
	}

	var owner, serverName, scopes string
	if err := tx.QueryRowContext(ctx, `
SELECT owner, server_name, scopes FROM share_codes WHERE code_hash = ?`,
		codeHash).Scan(&owner, &serverName, &scopes); err != nil {
		return domain.Share{}, err
	}

	share, err := upsertShareTx(ctx, tx, owner, serverName, granteeUser, "", unmarshalStrings(scopes))
	if err != nil {
		return domain.Share{}, err
	}
	return share, tx.Commit()
}

// PurgeExpiredShareCodes removes codes past expiry, at most limit per
// call.
func (s *Store) PurgeExpiredShareCodes(ctx context.Context, now time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM share_codes WHERE id IN (
	SELECT id FROM share_codes WHERE expires_at <= ? LIMIT ?
)`, now.UTC(), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) listShares(ctx context.Context, query string, args ...any) ([]domain.Share, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Share
	for rows.Next() {
		var (
			sh           domain.Share
			owner        string
			serverName   string
			granteeUser  sql.NullString
			granteeGroup sql.NullString
			scopes       string
		)
		if err := rows.Scan(&sh.ID, &owner, &serverName, &granteeUser, &granteeGroup, &scopes, &sh.CreatedAt); err != nil {
			return nil, err
		}
		sh.Server = domain.ServerKey{User: owner, Server: serverName}.String()
		sh.User = granteeUser.String
		sh.Group = granteeGroup.String
		sh.Scopes = unmarshalStrings(scopes)
		out = append(out, sh)
	}
	return out, rows.Err()
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func repeatPlaceholder(n int) string {
	var out string
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
