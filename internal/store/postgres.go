package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/casecrawl/casecrawl/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection for the hot paths
// of batch processing.
var preparedStatements = map[string]string{
	"get_batch":      `SELECT data FROM batches WHERE id = $1`,
	"update_batch":   `UPDATE batches SET status = $1, data = $2, updated_at = $3 WHERE id = $4`,
	"get_case":       `SELECT data FROM cases WHERE id = $1`,
	"update_case":    `UPDATE cases SET status = $1, data = $2, updated_at = $3 WHERE id = $4`,
	"upsert_session": upsertSessionSQL,
}

const upsertSessionSQL = `INSERT INTO crawler_sessions (id, account, status, data, updated_at) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'pending',
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cases (
	id         TEXT PRIMARY KEY,
	batch_id   TEXT NOT NULL REFERENCES batches(id),
	position   INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS crawler_sessions (
	id         TEXT PRIMARY KEY,
	account    TEXT NOT NULL,
	status     TEXT NOT NULL,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_cases_batch_position ON cases(batch_id, position);
CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

var caseColumns = []string{"id", "batch_id", "position", "status", "data", "updated_at"}

// CreateBatch inserts the batch row and bulk-loads its cases with COPY in one
// transaction.
func (s *PostgresStore) CreateBatch(ctx context.Context, batch *model.BatchJob, cases []*model.CaseJob) error {
	batchJSON, err := json.Marshal(batch)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal batch")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin batch")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO batches (id, status, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		batch.ID, string(batch.Status), batchJSON, batch.CreatedAt, now,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert batch %s", batch.ID)
	}

	rows := make([][]any, 0, len(cases))
	for i, c := range cases {
		caseJSON, err := json.Marshal(c)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal case %s", c.ID)
		}
		rows = append(rows, []any{c.ID, batch.ID, i, string(c.Status), caseJSON, now})
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"cases"}, caseColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return eris.Wrapf(err, "postgres: copy cases for batch %s", batch.ID)
	}
	if int(n) != len(cases) {
		return eris.Errorf("postgres: copied %d of %d cases for batch %s", n, len(cases), batch.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit batch")
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.BatchJob, error) {
	var b model.BatchJob
	if err := s.getJSON(ctx, `SELECT data FROM batches WHERE id = $1`, id, &b); err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", id)
	}
	return &b, nil
}

func (s *PostgresStore) UpdateBatch(ctx context.Context, batch *model.BatchJob) error {
	batchJSON, err := json.Marshal(batch)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal batch")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET status = $1, data = $2, updated_at = $3 WHERE id = $4`,
		string(batch.Status), batchJSON, time.Now().UTC(), batch.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update batch %s", batch.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: batch %s", batch.ID)
	}
	return nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, limit int) ([]model.BatchJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM batches ORDER BY created_at DESC LIMIT $1`, listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()

	var out []model.BatchJob
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch")
		}
		var b model.BatchJob
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal batch")
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list batches iterate")
}

func (s *PostgresStore) GetCase(ctx context.Context, id string) (*model.CaseJob, error) {
	var c model.CaseJob
	if err := s.getJSON(ctx, `SELECT data FROM cases WHERE id = $1`, id, &c); err != nil {
		return nil, eris.Wrapf(err, "postgres: get case %s", id)
	}
	return &c, nil
}

func (s *PostgresStore) UpdateCase(ctx context.Context, c *model.CaseJob) error {
	caseJSON, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal case")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE cases SET status = $1, data = $2, updated_at = $3 WHERE id = $4`,
		string(c.Status), caseJSON, time.Now().UTC(), c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update case %s", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: case %s", c.ID)
	}
	return nil
}

func (s *PostgresStore) ListCases(ctx context.Context, filter CaseFilter) ([]model.CaseJob, error) {
	query := `SELECT data FROM cases WHERE true`
	args := []any{}
	argIdx := 1

	if filter.BatchID != "" {
		query += fmt.Sprintf(` AND batch_id = $%d`, argIdx)
		args = append(args, filter.BatchID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY batch_id, position`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cases")
	}
	defer rows.Close()

	var out []model.CaseJob
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan case")
		}
		var c model.CaseJob
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal case")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list cases iterate")
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess model.CrawlerSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal session")
	}
	_, err = s.pool.Exec(ctx, upsertSessionSQL,
		sess.ID, sess.Account, string(sess.Status), data, time.Now().UTC())
	return eris.Wrapf(err, "postgres: save session %s", sess.ID)
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]model.CrawlerSession, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM crawler_sessions ORDER BY account`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var out []model.CrawlerSession
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		var sess model.CrawlerSession
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal session")
		}
		out = append(out, sess)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) getJSON(ctx context.Context, query, id string, v any) error {
	var data []byte
	if err := s.pool.QueryRow(ctx, query, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}
