package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/canwork/jobescrow/internal/jobflow"
	"github.com/canwork/jobescrow/pkg/types"
)

const pgUniqueViolation = "23505"

// PostgresStore keeps jobs and users in Postgres. Row locks taken with
// SELECT ... FOR UPDATE serialize writers per job.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and initializes the schema
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  client_id TEXT NOT NULL,
  provider_id TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL,
  version BIGINT NOT NULL,
  doc JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_client ON jobs(client_id);
CREATE INDEX IF NOT EXISTS jobs_provider ON jobs(provider_id);
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL DEFAULT '',
  address TEXT UNIQUE,
  smart_chain_address TEXT NOT NULL DEFAULT ''
);`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close closes the pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (types.Job, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM jobs WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Job{}, notFound(id)
	}
	if err != nil {
		return types.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return decodeJob(doc)
}

func (s *PostgresStore) Create(ctx context.Context, job types.Job) (types.Job, error) {
	job, err := prepareCreate(job)
	if err != nil {
		return types.Job{}, err
	}
	doc, err := encodeJob(job)
	if err != nil {
		return types.Job{}, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, client_id, provider_id, state, version, doc) VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.ClientID, job.ProviderID, string(job.State), job.Version, doc)
	if err != nil {
		if pgIsUnique(err) {
			return types.Job{}, fmt.Errorf("%w: %s", jobflow.ErrJobExists, job.ID)
		}
		return types.Job{}, fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return job, nil
}

func (s *PostgresStore) ApplyAtomic(ctx context.Context, id string, mutate func(types.Job) (types.Job, error)) (types.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Job{}, err
	}
	defer tx.Rollback(ctx)

	var doc []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Job{}, notFound(id)
	}
	if err != nil {
		return types.Job{}, fmt.Errorf("lock job %s: %w", id, err)
	}
	cur, err := decodeJob(doc)
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

	_, err = tx.Exec(ctx,
		`UPDATE jobs SET provider_id = $2, state = $3, version = $4, doc = $5 WHERE id = $1`,
		id, next.ProviderID, string(next.State), next.Version, nextDoc)
	if err != nil {
		return types.Job{}, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Job{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) AppendAction(ctx context.Context, id string, a types.JobAction) (types.Job, error) {
	return s.ApplyAtomic(ctx, id, appendMutation(a))
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]types.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM jobs WHERE client_id = $1 OR (provider_id = $1 AND provider_id <> '') ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []types.Job
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		job, err := decodeJob(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// AddUser registers a user
func (s *PostgresStore) AddUser(ctx context.Context, u types.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name, email, address, smart_chain_address) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Name, u.Email, nullable(u.Address), u.SmartChainAddress)
	if err != nil {
		if pgIsUnique(err) {
			return fmt.Errorf("%w: %s", ErrUserExists, u.ID)
		}
		return fmt.Errorf("insert user %s: %w", u.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (types.User, error) {
	u, err := scanPgUser(s.pool.QueryRow(ctx, `SELECT id, name, email, address, smart_chain_address FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return u, err
}

func (s *PostgresStore) GetByAddress(ctx context.Context, address string) (types.User, bool, error) {
	u, err := scanPgUser(s.pool.QueryRow(ctx, `SELECT id, name, email, address, smart_chain_address FROM users WHERE address = $1`, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.User{}, false, nil
	}
	if err != nil {
		return types.User{}, false, err
	}
	return u, true, nil
}

func (s *PostgresStore) BindAddress(ctx context.Context, userID, address string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET address = $2 WHERE id = $1`, userID, nullable(address))
	if err != nil {
		if pgIsUnique(err) {
			return false, nil
		}
		return false, fmt.Errorf("bind address: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return true, nil
}

func scanPgUser(row pgx.Row) (types.User, error) {
	var u types.User
	var addr *string
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &addr, &u.SmartChainAddress); err != nil {
		return types.User{}, err
	}
	if addr != nil {
		u.Address = *addr
	}
	return u, nil
}

func pgIsUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
