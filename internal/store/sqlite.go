package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/canwork/jobescrow/internal/jobflow"
	"github.com/canwork/jobescrow/pkg/types"
)

// SQLiteStore keeps jobs and users in one SQLite file. It implements both
// jobflow.Store and the wallet directory.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path. ":memory:" is accepted
// for tests.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer and BEGIN IMMEDIATE below
	// relies on owning it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSQLitePragmas(ctx, db, path); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSQLitePragmas(ctx context.Context, db *sql.DB, path string) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL;")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			provider_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			version INTEGER NOT NULL,
			doc TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS jobs_client ON jobs(client_id);`,
		`CREATE INDEX IF NOT EXISTS jobs_provider ON jobs(provider_id);`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			address TEXT UNIQUE,
			smart_chain_address TEXT NOT NULL DEFAULT ''
		);`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (types.Job, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM jobs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Job{}, notFound(id)
	}
	if err != nil {
		return types.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return decodeJob([]byte(doc))
}

func (s *SQLiteStore) Create(ctx context.Context, job types.Job) (types.Job, error) {
	job, err := prepareCreate(job)
	if err != nil {
		return types.Job{}, err
	}
	doc, err := encodeJob(job)
	if err != nil {
		return types.Job{}, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, client_id, provider_id, state, version, doc) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.ClientID, job.ProviderID, string(job.State), job.Version, string(doc))
	if err != nil {
		if isUniqueViolation(err) {
			return types.Job{}, fmt.Errorf("%w: %s", jobflow.ErrJobExists, job.ID)
		}
		return types.Job{}, fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return job, nil
}

// ApplyAtomic runs mutate inside a BEGIN IMMEDIATE transaction. The update
// is also conditioned on the version read, so a second process writing the
// same file cannot be overwritten silently.
func (s *SQLiteStore) ApplyAtomic(ctx context.Context, id string, mutate func(types.Job) (types.Job, error)) (job types.Job, err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return types.Job{}, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return types.Job{}, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	var doc string
	err = conn.QueryRowContext(ctx, `SELECT doc FROM jobs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Job{}, notFound(id)
	}
	if err != nil {
		return types.Job{}, fmt.Errorf("load job %s: %w", id, err)
	}
	cur, err := decodeJob([]byte(doc))
	if err != nil {
		return types.Job{}, err
	}

	next, err := commitMutation(cur, mutate)
	if err != nil {
		return types.Job{}, err
	}
	nextDoc, err := encodeJob(next)
	if err != nil {
		return types.Job{}, err
	}

	res, err := conn.ExecContext(ctx,
		`UPDATE jobs SET provider_id = ?, state = ?, version = ?, doc = ? WHERE id = ? AND version = ?`,
		next.ProviderID, string(next.State), next.Version, string(nextDoc), id, cur.Version)
	if err != nil {
		return types.Job{}, fmt.Errorf("update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		err = fmt.Errorf("update job %s: version %d is stale", id, cur.Version)
		return types.Job{}, err
	}

	if _, err = conn.ExecContext(ctx, "COMMIT"); err != nil {
		return types.Job{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) AppendAction(ctx context.Context, id string, a types.JobAction) (types.Job, error) {
	return s.ApplyAtomic(ctx, id, appendMutation(a))
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID string) ([]types.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM jobs WHERE client_id = ? OR (provider_id = ? AND provider_id != '') ORDER BY id`,
		userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []types.Job
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		job, err := decodeJob([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// AddUser registers a user
func (s *SQLiteStore) AddUser(ctx context.Context, u types.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, address, smart_chain_address) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, nullable(u.Address), u.SmartChainAddress)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrUserExists, u.ID)
		}
		return fmt.Errorf("insert user %s: %w", u.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (types.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT id, name, email, address, smart_chain_address FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return u, err
}

func (s *SQLiteStore) GetByAddress(ctx context.Context, address string) (types.User, bool, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT id, name, email, address, smart_chain_address FROM users WHERE address = ?`, address))
	if errors.Is(err, sql.ErrNoRows) {
		return types.User{}, false, nil
	}
	if err != nil {
		return types.User{}, false, err
	}
	return u, true, nil
}

// BindAddress moves userID onto address. The unique index on address makes
// a binding held by another user refuse the update.
func (s *SQLiteStore) BindAddress(ctx context.Context, userID, address string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET address = ? WHERE id = ?`, nullable(address), userID)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("bind address: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (types.User, error) {
	var u types.User
	var addr sql.NullString
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &addr, &u.SmartChainAddress); err != nil {
		return types.User{}, err
	}
	u.Address = addr.String
	return u, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
