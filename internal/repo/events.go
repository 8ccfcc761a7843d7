package repo

import (
	"context"
	"database/sql"
	"strings"

	"hearth/internal/domain"
)

const eventColumns = `id,household_id,type,source_model,source_id,COALESCE(payload_json,'') AS payload_json,status,error,created_at,processed_at`

func scanEvent(scan func(...any) error) (domain.Event, error) {
	var e domain.Event
	err := scan(&e.ID, &e.HouseholdID, &e.Type, &e.SourceModel, &e.SourceID, &e.PayloadJSON,
		&e.Status, &e.Error, &e.CreatedAt, &e.ProcessedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) InsertEventTx(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO events(id,household_id,type,source_model,source_id,payload_json,status,error,created_at,processed_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.HouseholdID, e.Type, e.SourceModel, e.SourceID, nullable(e.PayloadJSON),
		e.Status, nullableStringPtr(e.Error), e.CreatedAt, nullableStringPtr(e.ProcessedAt))
	return err
}

func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id)
	return scanEvent(row.Scan)
}

func (r Repo) ListEvents(ctx context.Context, status string, limit int) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// PendingEvents returns unprocessed events in creation order.
func (r Repo) PendingEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	return r.ListEvents(ctx, domain.EventPending, limit)
}

// MarkEventProcessing is a compare-and-set from pending to processing,
// so an event is consumed at most once even under concurrent pipelines.
func (r Repo) MarkEventProcessing(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE events SET status=? WHERE id=? AND status=?`,
		domain.EventProcessing, id, domain.EventPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinalizeEvent moves a processing event to its terminal status.
func (r Repo) FinalizeEvent(ctx context.Context, tx *sql.Tx, id, status string, errMsg *string, processedAt string) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE events SET status=?, error=?, processed_at=? WHERE id=?`,
		status, nullableStringPtr(errMsg), processedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
