package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/userhub/userhub/internal/domain"
)

// UpsertServer creates or refreshes the record for one (user, server) key.
func (s *Store) UpsertServer(ctx context.Context, srv domain.Server) (domain.Server, error) {
	if srv.ID == "" {
		srv.ID = newID("srv")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO servers(id, user_name, name, state, url, state_blob, started_at, stopped_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_name, name) DO UPDATE SET
	state = excluded.state,
	url = excluded.url,
	state_blob = excluded.state_blob,
	started_at = excluded.started_at,
	stopped_at = excluded.stopped_at`,
		srv.ID, srv.UserName, srv.Name, srv.State, srv.URL, []byte(srv.StateBlob),
		nullTime(srv.StartedAt), nullTime(srv.StoppedAt))
	return srv, err
}

// ServerByKey loads one server record. Returns
// [domain.ErrServerNotFound] when absent.
func (s *Store) ServerByKey(ctx context.Context, key domain.ServerKey) (domain.Server, error) {
	row := s.serverByKeyStmt.QueryRowContext(ctx, key.User, key.Server)
	srv, err := scanServer(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Server{}, domain.ErrServerNotFound
	}
	return srv, err
}

// ListServersByUser returns all of one user's servers ordered by name.
func (s *Store) ListServersByUser(ctx context.Context, user string) ([]domain.Server, error) {
	return s.listServers(ctx, `
SELECT id, user_name, name, state, url, state_blob, started_at, stopped_at
FROM servers WHERE user_name = ? ORDER BY name`, user)
}

// ListActiveServers returns every server that is not stopped; used for
// restart reconciliation.
func (s *Store) ListActiveServers(ctx context.Context) ([]domain.Server, error) {
	return s.listServers(ctx, `
SELECT id, user_name, name, state, url, state_blob, started_at, stopped_at
FROM servers WHERE state != ? ORDER BY user_name, name`, domain.ServerStateStopped)
}

// CountNamedServers counts a user's non-default servers, for the per-user
// limit.
func (s *Store) CountNamedServers(ctx context.Context, user string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM servers WHERE user_name = ? AND name != '' AND state != ?`,
		user, domain.ServerStateStopped).Scan(&n)
	return n, err
}

// SetServerState transitions a server's lifecycle state, updating
// timestamps for the terminal transitions.
func (s *Store) SetServerState(ctx context.Context, key domain.ServerKey, state, url string) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch state {
	case domain.ServerStateRunning:
		res, err = s.db.ExecContext(ctx, `
UPDATE servers SET state = ?, url = ?, started_at = ?, stopped_at = NULL
WHERE user_name = ? AND name = ?`, state, url, now, key.User, key.Server)
	case domain.ServerStateStopped:
		res, err = s.db.ExecContext(ctx, `
UPDATE servers SET state = ?, url = '', state_blob = NULL, stopped_at = ?
WHERE user_name = ? AND name = ?`, state, now, key.User, key.Server)
	default:
		res, err = s.db.ExecContext(ctx, `
UPDATE servers SET state = ?, url = ?
WHERE user_name = ? AND name = ?`, state, url, key.User, key.Server)
	}
	if err != nil {
		return err
	}
	return requireRow(res, domain.ErrServerNotFound)
}

// SetServerStateBlob persists the spawner's opaque restart blob.
func (s *Store) SetServerStateBlob(ctx context.Context, key domain.ServerKey, blob json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE servers SET state_blob = ? WHERE user_name = ? AND name = ?`,
		[]byte(blob), key.User, key.Server)
	if err != nil {
		return err
	}
	return requireRow(res, domain.ErrServerNotFound)
}

// DeleteServer removes the record entirely (admin delete, not stop).
func (s *Store) DeleteServer(ctx context.Context, key domain.ServerKey) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM servers WHERE user_name = ? AND name = ?`, key.User, key.Server)
	if err != nil {
		return err
	}
	return requireRow(res, domain.ErrServerNotFound)
}

func (s *Store) listServers(ctx context.Context, query string, args ...any) ([]domain.Server, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Server
	for rows.Next() {
		srv, err := scanServer(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

func scanServer(scan func(...any) error) (domain.Server, error) {
	var (
		srv       domain.Server
		blob      []byte
		startedAt sql.NullTime
		stoppedAt sql.NullTime
	)
	if err := scan(&srv.ID, &srv.UserName, &srv.Name, &srv.State, &srv.URL, &blob, &startedAt, &stoppedAt); err != nil {
		return domain.Server{}, err
	}
	if len(blob) > 0 {
		srv.StateBlob = json.RawMessage(blob)
	}
	if startedAt.Valid {
		t := startedAt.Time
		srv.StartedAt = &t
	}
	if stoppedAt.Valid {
		t := stoppedAt.Time
		srv.StoppedAt = &t
	}
	return srv, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
