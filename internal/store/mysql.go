package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/canwork/jobescrow/internal/jobflow"
	"github.com/canwork/jobescrow/pkg/types"
)

const mysqlDuplicateEntry = 1062

// MySQLStore keeps jobs and users in MySQL or MariaDB. Writers of one job
// are serialized by the InnoDB row lock of SELECT ... FOR UPDATE.
type MySQLStore struct {
	db *sql.DB
}

// OpenMySQL connects using a go-sql-driver DSN
// (user:pass@tcp(host:3306)/dbname) and initializes the schema.
func OpenMySQL(ctx context.Context, dsn string) (*MySQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	s := &MySQLStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id VARCHAR(64) PRIMARY KEY,
			client_id VARCHAR(128) NOT NULL,
			provider_id VARCHAR(128) NOT NULL DEFAULT '',
			state VARCHAR(32) NOT NULL,
			version BIGINT NOT NULL,
			doc JSON NOT NULL,
			INDEX jobs_client (client_id),
			INDEX jobs_provider (provider_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(128) PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT '',
			email VARCHAR(255) NOT NULL DEFAULT '',
			address VARCHAR(128) NULL,
			smart_chain_address VARCHAR(42) NOT NULL DEFAULT '',
			UNIQUE KEY users_address (address)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) Get(ctx context.Context, id string) (types.Job, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM jobs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Job{}, notFound(id)
	}
	if err != nil {
		return types.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return decodeJob(doc)
}

func (s *MySQLStore) Create(ctx context.Context, job types.Job) (types.Job, error) {
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
		job.ID, job.ClientID, job.ProviderID, string(job.State), job.Version, doc)
	if err != nil {
		if mysqlIsDuplicate(err) {
			return types.Job{}, fmt.Errorf("%w: %s", jobflow.ErrJobExists, job.ID)
		}
		return types.Job{}, fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return job, nil
}

func (s *MySQLStore) ApplyAtomic(ctx context.Context, id string, mutate func(types.Job) (types.Job, error)) (types.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Job{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM jobs WHERE id = ? FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Job{}, notFound(id)
	}
	if err != nil {
		return types.Job{}, fmt.Errorf("load job %s: %w", id, err)
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

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET provider_id = ?, state = ?, version = ?, doc = ? WHERE id = ?`,
		next.ProviderID, string(next.State), next.Version, nextDoc, id); err != nil {
		return types.Job{}, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return types.Job{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *MySQLStore) AppendAction(ctx context.Context, id string, a types.JobAction) (types.Job, error) {
	return s.ApplyAtomic(ctx, id, appendMutation(a))
}

func (s *MySQLStore) ListByUser(ctx context.Context, userID string) ([]types.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM jobs WHERE client_id = ? OR (provider_id = ? AND provider_id <> '') ORDER BY id`,
		userID, userID)
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
func (s *MySQLStore) AddUser(ctx context.Context, u types.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, address, smart_chain_address) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, nullable(u.Address), u.SmartChainAddress)
	if err != nil {
		if mysqlIsDuplicate(err) {
			return fmt.Errorf("%w: %s", ErrUserExists, u.ID)
		}
		return fmt.Errorf("insert user %s: %w", u.ID, err)
	}
	return nil
}

func (s *MySQLStore) GetByID(ctx context.Context, id string) (types.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT id, name, email, address, smart_chain_address FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return u, err
}

func (s *MySQLStore) GetByAddress(ctx context.Context, address string) (types.User, bool, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT id, name, email, address, smart_chain_address FROM users WHERE address = ?`, address))
	if errors.Is(err, sql.ErrNoRows) {
		return types.User{}, false, nil
	}
	if err != nil {
		return types.User{}, false, err
	}
	return u, true, nil
}

// BindAddress moves userID onto address; the unique key refuses an address
// held by another user.
func (s *MySQLStore) BindAddress(ctx context.Context, userID, address string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)`, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("bind address: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET address = ? WHERE id = ?`, nullable(address), userID); err != nil {
		if mysqlIsDuplicate(err) {
			return false, nil
		}
		return false, fmt.Errorf("bind address: %w", err)
	}
	return true, nil
}

func mysqlIsDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
