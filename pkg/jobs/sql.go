package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"anatomesh/internal/models"
)

const (
	defaultSQLitePath  = "anatomesh.db"
	defaultPostgresDSN = "postgres://localhost/anatomesh?sslmode=disable"
)

// dialect captures the few differences between the sqlite and postgres
// renditions of the jobs table.
type dialect struct {
	driver    string
	schema    string
	forUpdate string
	numbered  bool // $1 placeholders instead of ?
}

var (
	sqliteDialect = dialect{
		driver: "sqlite",
		schema: `CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			record TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	postgresDialect = dialect{
		driver: "pgx",
		schema: `CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			record JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		forUpdate: " FOR UPDATE",
		numbered:  true,
	}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQL stores each job as a JSON record in a single table, with the status
// and update time mirrored into columns for ad hoc queries.
type SQL struct {
	db  *sql.DB
	d   dialect
	now func() time.Time
}

// NewSQLite opens (creating if needed) a sqlite job store at path.
func NewSQLite(ctx context.Context, path string) (*SQL, error) {
	if path == "" {
		path = defaultSQLitePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open(sqliteDialect.driver, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer; avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)
	return newSQL(ctx, db, sqliteDialect)
}

// NewPostgres opens a postgres job store using dsn.
func NewPostgres(ctx context.Context, dsn string) (*SQL, error) {
	if dsn == "" {
		dsn = defaultPostgresDSN
	}
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return newSQL(ctx, db, postgresDialect)
}

func newSQL(ctx context.Context, db *sql.DB, d dialect) (*SQL, error) {
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}
	return &SQL{db: db, d: d, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB exposes the underlying handle for ad hoc queries over the mirrored columns.
func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Create(ctx context.Context, job models.Job) (models.Job, error) {
	job, err := prepare(job, s.now())
	if err != nil {
		return models.Job{}, err
	}
	record, err := json.Marshal(job)
	if err != nil {
		return models.Job{}, fmt.Errorf("encode job: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		s.d.rebind(`INSERT INTO jobs(id, status, record, updated_at) VALUES(?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`),
		job.ID, string(job.Status), string(record), s.stamp(job.UpdatedAt))
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.Job{}, fmt.Errorf("job %s: %w", job.ID, ErrExists)
	}
	return job, nil
}

func (s *SQL) Get(ctx context.Context, id string) (models.Job, error) {
	return s.load(ctx, s.db, id, "")
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQL) load(ctx context.Context, q queryer, id, suffix string) (models.Job, error) {
	var record string
	err := q.QueryRowContext(ctx, s.d.rebind(`SELECT record FROM jobs WHERE id = ?`+suffix), id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, notFound(id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("select job: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(record), &job); err != nil {
		return models.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

func (s *SQL) ApplyTransition(ctx context.Context, id string, t models.Transition) (out models.Job, retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	job, err := s.load(ctx, tx, id, s.d.forUpdate)
	if err != nil {
		return models.Job{}, err
	}
	next, changed, err := Apply(job, t, s.now())
	if err != nil {
		return job, err
	}
	if changed {
		if err := s.store(ctx, tx, next); err != nil {
			return job, err
		}
	}
	if err := tx.Commit(); err != nil {
		return job, err
	}
	return next, nil
}

func (s *SQL) SoftDelete(ctx context.Context, id string) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	job, err := s.load(ctx, tx, id, s.d.forUpdate)
	if err != nil {
		return err
	}
	job.Deleted = true
	if err := s.store(ctx, tx, job); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQL) store(ctx context.Context, tx *sql.Tx, job models.Job) error {
	record, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(`UPDATE jobs SET status = ?, record = ?, updated_at = ? WHERE id = ?`),
		string(job.Status), string(record), s.stamp(job.UpdatedAt), job.ID); err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return nil
}

// stamp renders a timestamp column value; sqlite keeps RFC 3339 text.
func (s *SQL) stamp(t time.Time) any {
	if s.d.numbered {
		return t
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *SQL) Close() error { return s.db.Close() }
