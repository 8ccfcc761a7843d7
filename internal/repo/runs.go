package repo

import (
	"context"
	"database/sql"
	"strings"

	"hearth/internal/domain"
)

const runColumns = `id,task_id,household_id,status,source,COALESCE(input_text,'') AS input_text,COALESCE(output_text,'') AS output_text,reasoning_json,evidence_json,log_json,created_at,finished_at`

func scanRun(scan func(...any) error) (domain.Run, error) {
	var rn domain.Run
	err := scan(&rn.ID, &rn.TaskID, &rn.HouseholdID, &rn.Status, &rn.Source, &rn.InputText,
		&rn.OutputText, &rn.ReasoningJSON, &rn.EvidenceJSON, &rn.LogJSON, &rn.CreatedAt, &rn.FinishedAt)
	if err == sql.ErrNoRows {
		return rn, ErrNotFound
	}
	return rn, err
}

func (r Repo) InsertRun(ctx context.Context, rn domain.Run) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO runs(id,task_id,household_id,status,source,input_text,output_text,reasoning_json,evidence_json,log_json,created_at,finished_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rn.ID, nullableStringPtr(rn.TaskID), rn.HouseholdID, rn.Status, rn.Source,
		nullable(rn.InputText), nullable(rn.OutputText), nullableStringPtr(rn.ReasoningJSON),
		nullableStringPtr(rn.EvidenceJSON), nullableStringPtr(rn.LogJSON), rn.CreatedAt,
		nullableStringPtr(rn.FinishedAt))
	return err
}

func (r Repo) UpdateRun(ctx context.Context, rn domain.Run) error {
	return updateRun(ctx, r.DB.ExecContext, rn)
}

func (r Repo) UpdateRunTx(ctx context.Context, tx *sql.Tx, rn domain.Run) error {
	return updateRun(ctx, tx.ExecContext, rn)
}

func updateRun(ctx context.Context, exec execFunc, rn domain.Run) error {
	res, err := exec(ctx, `UPDATE runs SET status=?, output_text=?, reasoning_json=?, evidence_json=?, log_json=?, finished_at=? WHERE id=?`,
		rn.Status, nullable(rn.OutputText), nullableStringPtr(rn.ReasoningJSON),
		nullableStringPtr(rn.EvidenceJSON), nullableStringPtr(rn.LogJSON),
		nullableStringPtr(rn.FinishedAt), rn.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) ListRuns(ctx context.Context, taskID string, limit int) ([]domain.Run, error) {
	var (
		clauses []string
		args    []any
	)
	if taskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, taskID)
	}
	query := `SELECT ` + runColumns + ` FROM runs`
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
	var res []domain.Run
	for rows.Next() {
		rn, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rn)
	}
	return res, rows.Err()
}

// CountRunsSince feeds the runs-per-hour rate limit.
func (r Repo) CountRunsSince(ctx context.Context, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE created_at>=?`, since).Scan(&n)
	return n, err
}
