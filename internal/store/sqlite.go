package store

import (
	"batch/internal/apperrors"
	"batch/pkg/model"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS batches (
  id TEXT PRIMARY KEY,
  attributes TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  batch_id TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL,
  exit_code INTEGER,
  error_message TEXT NOT NULL DEFAULT '',
  attributes TEXT NOT NULL,
  callback TEXT NOT NULL DEFAULT '',
  spec_json TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_batch_id ON jobs (batch_id);
CREATE INDEX IF NOT EXISTS jobs_state ON jobs (state);
`

const jobColumns = `id, batch_id, state, exit_code, error_message, attributes, callback, created_at, updated_at`

// SQLite persists jobs in a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) the database at path.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) CreateJob(ctx context.Context, job *model.Job, spec *corev1.PodSpec) error {
	attrs, err := json.Marshal(job.Attributes)
	if err != nil {
		return apperrors.Internal("sqlite.createJob", err)
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return apperrors.Internal("sqlite.createJob", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, batch_id, state, exit_code, error_message, attributes, callback, spec_json, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.BatchID,
		string(job.State),
		nullInt(job.ExitCode),
		job.Error,
		string(attrs),
		job.Callback,
		string(specJSON),
		job.CreatedAt.UnixNano(),
		job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("job", job.ID, "job already exists")
		}
		return apperrors.Unavailable("sqlite.createJob", err)
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("job", id)
		}
		return nil, apperrors.Unavailable("sqlite.getJob", err)
	}
	return j, nil
}

func (s *SQLite) GetJobSpec(ctx context.Context, id string) (*corev1.PodSpec, error) {
	var specJSON string
	err := s.db.QueryRowContext(ctx, `SELECT spec_json FROM jobs WHERE id = ?`, id).Scan(&specJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("job", id)
		}
		return nil, apperrors.Unavailable("sqlite.getJobSpec", err)
	}
	var spec corev1.PodSpec
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return nil, apperrors.Internal("sqlite.getJobSpec", err)
	}
	return &spec, nil
}

func (s *SQLite) ListJobs(ctx context.Context, filter Filter) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var (
		where []string
		args  []any
	)
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Unavailable("sqlite.listJobs", err)
	}
	defer rows.Close()

	jobs := []*model.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Unavailable("sqlite.listJobs", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Unavailable("sqlite.listJobs", err)
	}
	return jobs, nil
}

func (s *SQLite) UpdateJob(ctx context.Context, id string, u Update) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Unavailable("sqlite.updateJob", err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("job", id)
		}
		return nil, apperrors.Unavailable("sqlite.updateJob", err)
	}
	if err := u.apply(j, nowUTC()); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, exit_code = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(j.State), nullInt(j.ExitCode), j.Error, j.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return nil, apperrors.Unavailable("sqlite.updateJob", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Unavailable("sqlite.updateJob", err)
	}
	return j, nil
}

func (s *SQLite) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return apperrors.Unavailable("sqlite.deleteJob", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFound("job", id)
	}
	return nil
}

func (s *SQLite) CreateBatch(ctx context.Context, batch *model.Batch) error {
	attrs, err := json.Marshal(batch.Attributes)
	if err != nil {
		return apperrors.Internal("sqlite.createBatch", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batches (id, attributes, created_at) VALUES (?, ?, ?)`,
		batch.ID, string(attrs), batch.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("batch", batch.ID, "batch already exists")
		}
		return apperrors.Unavailable("sqlite.createBatch", err)
	}
	return nil
}

func (s *SQLite) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	var (
		attrs     string
		createdNs int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT attributes, created_at FROM batches WHERE id = ?`, id).Scan(&attrs, &createdNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("batch", id)
		}
		return nil, apperrors.Unavailable("sqlite.getBatch", err)
	}

	b := &model.Batch{ID: id, CreatedAt: time.Unix(0, createdNs).UTC(), Jobs: model.NewCounts()}
	if err := json.Unmarshal([]byte(attrs), &b.Attributes); err != nil {
		return nil, apperrors.Internal("sqlite.getBatch", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs WHERE batch_id = ? GROUP BY state`, id)
	if err != nil {
		return nil, apperrors.Unavailable("sqlite.getBatch", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, apperrors.Unavailable("sqlite.getBatch", err)
		}
		b.Jobs[model.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Unavailable("sqlite.getBatch", err)
	}
	return b, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	var (
		j                    model.Job
		state, attrs         string
		exitCode             sql.NullInt64
		createdNs, updatedNs int64
	)
	if err := row.Scan(&j.ID, &j.BatchID, &state, &exitCode, &j.Error, &attrs, &j.Callback, &createdNs, &updatedNs); err != nil {
		return nil, err
	}
	j.State = model.State(state)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		j.ExitCode = &code
	}
	if err := json.Unmarshal([]byte(attrs), &j.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes of job %s: %w", j.ID, err)
	}
	j.CreatedAt = time.Unix(0, createdNs).UTC()
	j.UpdatedAt = time.Unix(0, updatedNs).UTC()
	return &j, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
