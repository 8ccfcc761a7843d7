package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"hearth/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,household_id,type,COALESCE(description,'') AS description,status,COALESCE(payload_json,'') AS payload_json,next_run_at,last_run_at,retries,max_retries,last_error,dedup_key,created_at,updated_at`

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	err := scan(&t.ID, &t.HouseholdID, &t.Type, &t.Description, &t.Status, &t.PayloadJSON,
		&t.NextRunAt, &t.LastRunAt, &t.Retries, &t.MaxRetries, &t.LastError, &t.DedupKey,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	return insertTask(ctx, r.DB.ExecContext, t)
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	return insertTask(ctx, tx.ExecContext, t)
}

type execFunc func(ctx context.Context, query string, args ...any) (sql.Result, error)

func insertTask(ctx context.Context, exec execFunc, t domain.Task) error {
	_, err := exec(ctx, `INSERT INTO tasks(id,household_id,type,description,status,payload_json,next_run_at,last_run_at,retries,max_retries,last_error,dedup_key,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.HouseholdID, t.Type, nullable(t.Description), t.Status, nullable(t.PayloadJSON),
		nullableStringPtr(t.NextRunAt), nullableStringPtr(t.LastRunAt), t.Retries, t.MaxRetries,
		nullableStringPtr(t.LastError), nullableStringPtr(t.DedupKey), t.CreatedAt, t.UpdatedAt)
	return err
}

// InsertTaskDedupTx inserts a task whose dedup_key may already exist.
// It reports whether a row was actually written, so event reprocessing
// cannot create duplicate tasks.
func (r Repo) InsertTaskDedupTx(ctx context.Context, tx *sql.Tx, t domain.Task) (bool, error) {
	if t.DedupKey == nil {
		return false, fmt.Errorf("task %s has no dedup key", t.ID)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,household_id,type,description,status,payload_json,next_run_at,last_run_at,retries,max_retries,last_error,dedup_key,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING`,
		t.ID, t.HouseholdID, t.Type, nullable(t.Description), t.Status, nullable(t.PayloadJSON),
		nullableStringPtr(t.NextRunAt), nullableStringPtr(t.LastRunAt), t.Retries, t.MaxRetries,
		nullableStringPtr(t.LastError), t.DedupKey, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) ListTasks(ctx context.Context, status string, limit int) ([]domain.Task, error) {
	var (
		clauses []string
		args    []any
	)
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ReadyTasks returns tasks eligible for a worker cycle: pending or
// approved, due, and with retries remaining.
func (r Repo) ReadyTasks(ctx context.Context, now string, limit int) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE status IN (?,?) AND (next_run_at IS NULL OR next_run_at<=?) AND retries < max_retries
ORDER BY created_at ASC, id ASC LIMIT ?`,
		domain.TaskPending, domain.TaskApproved, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TryAcquire is the task exclusivity lock: a compare-and-set from
// pending/approved to running. Exactly one concurrent caller can win;
// the rest see false because the readiness filter excludes running.
func (r Repo) TryAcquire(ctx context.Context, taskID, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, last_run_at=?, updated_at=?
WHERE id=? AND status IN (?,?)`,
		domain.TaskRunning, now, now, taskID, domain.TaskPending, domain.TaskApproved)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) UpdateTask(ctx context.Context, t domain.Task) error {
	return updateTask(ctx, r.DB.ExecContext, t)
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	return updateTask(ctx, tx.ExecContext, t)
}

func updateTask(ctx context.Context, exec execFunc, t domain.Task) error {
	res, err := exec(ctx, `UPDATE tasks SET household_id=?, type=?, description=?, status=?, payload_json=?, next_run_at=?, last_run_at=?, retries=?, max_retries=?, last_error=?, updated_at=?
WHERE id=?`,
		t.HouseholdID, t.Type, nullable(t.Description), t.Status, nullable(t.PayloadJSON),
		nullableStringPtr(t.NextRunAt), nullableStringPtr(t.LastRunAt), t.Retries, t.MaxRetries,
		nullableStringPtr(t.LastError), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountTasksCreatedSince(ctx context.Context, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE created_at>=?`, since).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
