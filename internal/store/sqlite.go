package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/casecrawl/casecrawl/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single writer avoids SQLITE_BUSY under concurrent case updates.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'pending',
	data       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS cases (
	id         TEXT PRIMARY KEY,
	batch_id   TEXT NOT NULL REFERENCES batches(id),
	position   INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	data       TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS crawler_sessions (
	id         TEXT PRIMARY KEY,
	account    TEXT NOT NULL,
	status     TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches(created_at);
CREATE INDEX IF NOT EXISTS idx_cases_batch_position ON cases(batch_id, position);
CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateBatch(ctx context.Context, batch *model.BatchJob, cases []*model.CaseJob) error {
	batchJSON, err := json.Marshal(batch)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal batch")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin batch")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO batches (id, status, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		batch.ID, string(batch.Status), string(batchJSON), batch.CreatedAt, now,
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert batch %s", batch.ID)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cases (id, batch_id, position, status, data, updated_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare case insert")
	}
	defer stmt.Close() //nolint:errcheck

	for i, c := range cases {
		caseJSON, err := json.Marshal(c)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal case %s", c.ID)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, batch.ID, i, string(c.Status), string(caseJSON), now); err != nil {
			return eris.Wrapf(err, "sqlite: insert case %s", c.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit batch")
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.BatchJob, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM batches WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: batch %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", id)
	}
	var b model.BatchJob
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal batch")
	}
	return &b, nil
}

func (s *SQLiteStore) UpdateBatch(ctx context.Context, batch *model.BatchJob) error {
	batchJSON, err := json.Marshal(batch)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal batch")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, data = ?, updated_at = ? WHERE id = ?`,
		string(batch.Status), string(batchJSON), time.Now().UTC(), batch.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update batch %s", batch.ID)
	}
	return checkRowsAffected(res, "batch", batch.ID)
}

func (s *SQLiteStore) ListBatches(ctx context.Context, limit int) ([]model.BatchJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM batches ORDER BY created_at DESC LIMIT ?`, listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.BatchJob
	for rows.Next() {
		var b model.BatchJob
		if err := scanJSON(rows, &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list batches iterate")
}

func (s *SQLiteStore) GetCase(ctx context.Context, id string) (*model.CaseJob, error) {
	var c model.CaseJob
	err := scanJSON(s.db.QueryRowContext(ctx, `SELECT data FROM cases WHERE id = ?`, id), &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: case %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) UpdateCase(ctx context.Context, c *model.CaseJob) error {
	caseJSON, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal case")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE cases SET status = ?, data = ?, updated_at = ? WHERE id = ?`,
		string(c.Status), string(caseJSON), time.Now().UTC(), c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update case %s", c.ID)
	}
	return checkRowsAffected(res, "case", c.ID)
}

func (s *SQLiteStore) ListCases(ctx context.Context, filter CaseFilter) ([]model.CaseJob, error) {
	query := `SELECT data FROM cases WHERE 1=1`
	var args []any

	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY batch_id, position LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cases")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CaseJob
	for rows.Next() {
		var c model.CaseJob
		if err := scanJSON(rows, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list cases iterate")
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess model.CrawlerSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal session")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO crawler_sessions (id, account, status, data, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data, updated_at = excluded.updated_at`,
		sess.ID, sess.Account, string(sess.Status), string(data), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save session %s", sess.ID)
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]model.CrawlerSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM crawler_sessions ORDER BY account`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CrawlerSession
	for rows.Next() {
		var sess model.CrawlerSession
		if err := scanJSON(rows, &sess); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

// scanJSON reads a single JSON text column into v. sql.ErrNoRows is
// returned unwrapped so callers can map it to ErrNotFound.
func scanJSON(row scannable, v any) error {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return eris.Wrap(err, "sqlite: scan")
	}
	return eris.Wrap(json.Unmarshal([]byte(data), v), "sqlite: unmarshal")
}
