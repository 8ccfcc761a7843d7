package repo

import (
	"context"
	"database/sql"

	"hearth/internal/domain"
)

// Household record access used by the action handlers. The engine does
// not interpret these rows; handlers own the writes.

func (r Repo) InsertBillTx(ctx context.Context, tx *sql.Tx, b domain.Bill) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO bills(id,household_id,name,amount,due_date,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, b.HouseholdID, b.Name, b.Amount, nullable(b.DueDate), b.Status, b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) GetBill(ctx context.Context, id string) (domain.Bill, error) {
	var b domain.Bill
	var due sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,household_id,name,amount,due_date,status,created_at,updated_at FROM bills WHERE id=?`, id).
		Scan(&b.ID, &b.HouseholdID, &b.Name, &b.Amount, &due, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if due.Valid {
		b.DueDate = due.String
	}
	return b, err
}

func (r Repo) UpdateBillTx(ctx context.Context, tx *sql.Tx, b domain.Bill) error {
	res, err := tx.ExecContext(ctx, `UPDATE bills SET name=?, amount=?, due_date=?, status=?, updated_at=? WHERE id=?`,
		b.Name, b.Amount, nullable(b.DueDate), b.Status, b.UpdatedAt, b.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteBillTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM bills WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertCalendarEventTx(ctx context.Context, tx *sql.Tx, ce domain.CalendarEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO calendar_events(id,household_id,title,starts_at,created_at) VALUES (?,?,?,?,?)`,
		ce.ID, ce.HouseholdID, ce.Title, nullable(ce.StartsAt), ce.CreatedAt)
	return err
}

func (r Repo) DeleteCalendarEventTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM calendar_events WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	var t domain.Transaction
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,household_id,description,amount,category,created_at FROM transactions WHERE id=?`, id).
		Scan(&t.ID, &t.HouseholdID, &desc, &t.Amount, &t.Category, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if desc.Valid {
		t.Description = desc.String
	}
	return t, err
}

func (r Repo) InsertTransactionTx(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transactions(id,household_id,description,amount,category,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.HouseholdID, nullable(t.Description), t.Amount, nullableStringPtr(t.Category), t.CreatedAt)
	return err
}

func (r Repo) SetTransactionCategoryTx(ctx context.Context, tx *sql.Tx, id, category string) error {
	res, err := tx.ExecContext(ctx, `UPDATE transactions SET category=? WHERE id=?`, category, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertMemoryTx(ctx context.Context, tx *sql.Tx, m domain.Memory) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO memories(id,household_id,content,deleted,created_at) VALUES (?,?,?,?,?)`,
		m.ID, m.HouseholdID, m.Content, m.Deleted, m.CreatedAt)
	return err
}

func (r Repo) MarkMemoryDeletedTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE memories SET deleted=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
