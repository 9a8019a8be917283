// Package sqlite implements the hub data store backed by a SQLite
// database. It manages users, servers, API tokens, shares, and share
// codes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all hub persistence
// operations.
type Store struct {
	db *sql.DB

	userByNameStmt   *sql.Stmt
	serverByKeyStmt  *sql.Stmt
	resolveTokenStmt *sql.Stmt
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

const userByNameQuery = `
SELECT id, name, admin, groups, roles, created_at, last_login
FROM users WHERE name = ?`

const serverByKeyQuery = `
SELECT id, user_name, name, state, url, state_blob, started_at, stopped_at
FROM servers WHERE user_name = ? AND name = ?`

const resolveTokenQuery = `
SELECT user_name FROM api_tokens WHERE token_hash = ? AND revoked_at IS NULL`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with
// tunable connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection
	// gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.userByNameStmt, err = s.db.PrepareContext(ctx, userByNameQuery); err != nil {
		return fmt.Errorf("prepare user lookup query: %w", err)
	}
	if s.serverByKeyStmt, err = s.db.PrepareContext(ctx, serverByKeyQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare server lookup query: %w", err), closeErr)
	}
	if s.resolveTokenStmt, err = s.db.PrepareContext(ctx, resolveTokenQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare token lookup query: %w", err), closeErr)
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	var err error
	err = errors.Join(err, closeStmt(&s.userByNameStmt))
	err = errors.Join(err, closeStmt(&s.serverByKeyStmt))
	err = errors.Join(err, closeStmt(&s.resolveTokenStmt))
	return err
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

// Migrate creates all required tables and indexes if they do not already
// exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	admin INTEGER NOT NULL DEFAULT 0,
	password_hash TEXT NOT NULL DEFAULT '',
	groups TEXT NOT NULL DEFAULT '[]',
	roles TEXT NOT NULL DEFAULT '[]',
	auth_state BLOB NULL,
	created_at DATETIME NOT NULL,
	last_login DATETIME NULL
);
CREATE TABLE IF NOT EXISTS servers (
	id TEXT PRIMARY KEY,
	user_name TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	state_blob BLOB NULL,
	started_at DATETIME NULL,
	stopped_at DATETIME NULL,
	UNIQUE(user_name, name)
);
CREATE TABLE IF NOT EXISTS api_tokens (
	id TEXT PRIMARY KEY,
	user_name TEXT NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	note TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	revoked_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS shares (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	server_name TEXT NOT NULL DEFAULT '',
	grantee_user TEXT NULL,
	grantee_group TEXT NULL,
	scopes TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS share_codes (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	server_name TEXT NOT NULL DEFAULT '',
	code_hash TEXT NOT NULL UNIQUE,
	scopes TEXT NOT NULL DEFAULT '[]',
	expires_at DATETIME NOT NULL,
	max_exchanges INTEGER NOT NULL DEFAULT -1,
	exchange_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_servers_user ON servers(user_name);
CREATE INDEX IF NOT EXISTS idx_tokens_user ON api_tokens(user_name);
CREATE INDEX IF NOT EXISTS idx_shares_server ON shares(owner, server_name);
CREATE INDEX IF NOT EXISTS idx_shares_grantee_user ON shares(grantee_user);
CREATE INDEX IF NOT EXISTS idx_shares_grantee_group ON shares(grantee_group);
CREATE INDEX IF NOT EXISTS idx_share_codes_expiry ON share_codes(expires_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
