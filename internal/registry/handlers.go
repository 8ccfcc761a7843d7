package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hearth/internal/domain"
	"hearth/internal/events"
)

func stringField(payload map[string]any, key string) (string, error) {
	v, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("payload missing %s", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("payload field %s must be a non-empty string", key)
	}
	return s, nil
}

func optionalStringField(payload map[string]any, key string) string {
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

func floatField(payload map[string]any, key string) (float64, error) {
	v, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("payload missing %s", key)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("payload field %s must be a number", key)
	}
	return f, nil
}

func handleMemoryStore(ctx context.Context, d Deps, ec ExecContext, payload map[string]any) (Result, error) {
	content, err := stringField(payload, "content")
	if err != nil {
		return Result{}, err
	}
	now := d.now().UTC().Format(time.RFC3339)
	m := domain.Memory{
		ID:          uuid.New().String(),
		HouseholdID: ec.HouseholdID,
		Content:     content,
		CreatedAt:   now,
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	if err := d.Repo.InsertMemoryTx(ctx, tx, m); err != nil {
		return Result{}, fmt.Errorf("insert memory: %w", err)
	}
	if _, err := d.Events.Emit(ctx, tx, ec.HouseholdID, "memory.created", "memory", m.ID, nil); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Message: "stored memory " + m.ID}, nil
}

func handleMemoryForget(ctx context.Context, d Deps, ec ExecContext, payload map[string]any) (Result, error) {
	id, err := stringField(payload, "memory_id")
	if err != nil {
		return Result{}, err
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	if err := d.Repo.MarkMemoryDeletedTx(ctx, tx, id); err != nil {
		return Result{}, fmt.Errorf("forget memory %s: %w", id, err)
	}
	if _, err := d.Events.Emit(ctx, tx, ec.HouseholdID, "memory.deleted", "memory", id, nil); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Message: "forgot memory " + id}, nil
}

func handleNotifySend(ctx context.Context, d Deps, ec ExecContext, payload map[string]any) (Result, error) {
	msg, err := stringField(payload, "message")
	if err != nil {
		return Result{}, err
	}
	// Delivery is owned by the notification collaborator; the engine
	// just records the intent.
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	if _, err := d.Events.Emit(ctx, tx, ec.HouseholdID, "notification.queued", "task", ec.TaskID, events.Payload{"message": msg}); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Message: "notification queued"}, nil
}

func handleBillCreate(ctx context.Context, d Deps, ec ExecContext, payload map[string]any) (Result, error) {
	name, err := stringField(payload, "name")
	if err != nil {
		return Result{}, err
	}
	amount, err := floatField(payload, "amount")
	if err != nil {
		return Result{}, err
	}
	now := d.now().UTC().Format(time.RFC3339)
	b := domain.Bill{
		ID:          uuid.New().String(),
		HouseholdID: ec.HouseholdID,
		Name:        name,
		Amount:      amount,
		DueDate:     optionalStringField(payload, "due_date"),
		Status:      "unpaid",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	if err := d.Repo.InsertBillTx(ctx, tx, b); err != nil {
		return Result{}, fmt.Errorf("insert bill: %w", err)
	}
	if _, err := d.Events.Emit(ctx, tx, ec.HouseholdID, "bill.created", "bill", b.ID, events.Payload{"name": b.Name, "amount": b.Amount}); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Message: "created bill " + b.ID}, nil
}

func handleBillUpdate(ctx context.Context, d Deps, ec ExecContext, payload map[string]any) (Result, error) {
	id, err := stringField(payload, "bill_id")
	if err != nil {
		return Result{}, err
	}
	b, err := d.Repo.GetBill(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("bill %s: %w", id, err)
	}
	if name := optionalStringField(payload, "name"); name != "" {
		b.Name = name
	}
	if amount, ok := payload["amount"].(float64); ok {
		b.Amount = amount
	}
	if due := optionalStringField(payload, "due_date"); due != "" {
		b.DueDate = due
	}
	b.UpdatedAt = d.now().UTC().Format(time.RFC3339)
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	if err := d.Repo.UpdateBillTx(ctx, tx, b); err != nil {
		return Result{}, fmt.Errorf("update bill %s: %w", id, err)
	}
	if _, err := d.Events.Emit(ctx, tx, ec.HouseholdID, "bill.updated", "bill", id, nil); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Message: "updated bill " + id}, nil
}

func handleBillMarkPaid(ctx context.Context, d Deps, ec ExecContext, payload map[string]any) (Result, error) {
	id, err := stringField(payload, "bill_id")
	if err != nil {
		return Result{}, err
	}
	b, err := d.Repo.GetBill(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("bill %s: %w", id, err)
	}
	b.Status = "paid"
	b.UpdatedAt = d.now().UTC().Format(time.RFC3339)
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	if err := d.Repo.UpdateBillTx(ctx, tx, b); err != nil {
		return Result{}, fmt.Errorf("mark bill %s paid: %w", id, err)
	}
	if _, err := d.Events.Emit(ctx, tx, ec.HouseholdID, "bill.paid", "bill", id, nil); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Message: "marked bill " + id + " paid"}, nil
}

func handleBillDelete(ctx context.Context, d Deps, ec ExecContext, payload map[string]any) (Result, error) {
	id, err := stringField(payload, "bill_id")
	if err != nil {
		return Result{}, err
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	if err := d.Repo.DeleteBillTx(ctx, tx, id); err != nil {
		return Result{}, fmt.Errorf("delete bill %s: %w", id, err)
	}
	if _, err := d.Events.Emit(ctx, tx, ec.HouseholdID, "bill.deleted", "bill", id, nil); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Message: "deleted bill " + id}, nil
}

func handleCalendarCreate(ctx context.Context, d Deps, ec ExecContext, payload map[string]any) (Result, error) {
	title, err := stringField(payload, "title")
	if err != nil {
		return Result{}, err
	}
	ce := domain.CalendarEvent{
		ID:          uuid.New().String(),
		HouseholdID: ec.HouseholdID,
		Title:       title,
		StartsAt:    optionalStringField(payload, "starts_at"),
		CreatedAt:   d.now().UTC().Format(time.RFC3339),
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	if err := d.Repo.InsertCalendarEventTx(ctx, tx, ce); err != nil {
		return Result{}, fmt.Errorf("insert calendar event: %w", err)
	}
	if _, err := d.Events.Emit(ctx, tx, ec.HouseholdID, "calendar.event_created", "calendar_event", ce.ID, events.Payload{"title": ce.Title}); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Message: "created calendar event " + ce.ID}, nil
}

func handleCalendarDelete(ctx context.Context, d Deps, ec ExecContext, payload map[string]any) (Result, error) {
	id, err := stringField(payload, "event_id")
	if err != nil {
		return Result{}, err
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	if err := d.Repo.DeleteCalendarEventTx(ctx, tx, id); err != nil {
		return Result{}, fmt.Errorf("delete calendar event %s: %w", id, err)
	}
	if _, err := d.Events.Emit(ctx, tx, ec.HouseholdID, "calendar.event_deleted", "calendar_event", id, nil); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Message: "deleted calendar event " + id}, nil
}

func handleTaxCategorize(ctx context.Context, d Deps, ec ExecContext, payload map[string]any) (Result, error) {
	id, err := stringField(payload, "transaction_id")
	if err != nil {
		return Result{}, err
	}
	category := optionalStringField(payload, "category")
	if category == "" {
		category = "uncategorized"
	}
	if _, err := d.Repo.GetTransaction(ctx, id); err != nil {
		return Result{}, fmt.Errorf("transaction %s: %w", id, err)
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	if err := d.Repo.SetTransactionCategoryTx(ctx, tx, id, category); err != nil {
		return Result{}, fmt.Errorf("categorize transaction %s: %w", id, err)
	}
	if _, err := d.Events.Emit(ctx, tx, ec.HouseholdID, "transaction.categorized", "transaction", id, events.Payload{"category": category}); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Message: fmt.Sprintf("categorized transaction %s as %s", id, category)}, nil
}

func handleCreateFollowup(ctx context.Context, d Deps, ec ExecContext, payload map[string]any) (Result, error) {
	taskType, err := stringField(payload, "task_type")
	if err != nil {
		return Result{}, err
	}
	description := optionalStringField(payload, "description")
	taskPayload := map[string]any{}
	if p, ok := payload["task_payload"].(map[string]any); ok {
		taskPayload = p
	}
	data, err := json.Marshal(taskPayload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal followup payload: %w", err)
	}
	maxRetries := d.DefaultMaxRetries
	if maxRetries < 1 {
		maxRetries = 3
	}
	now := d.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:          uuid.New().String(),
		HouseholdID: ec.HouseholdID,
		Type:        taskType,
		Description: description,
		Status:      domain.TaskPending,
		PayloadJSON: string(data),
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.Repo.InsertTask(ctx, t); err != nil {
		return Result{}, fmt.Errorf("insert followup task: %w", err)
	}
	return Result{Message: "created followup task " + t.ID}, nil
}

func handleBillReminder(ctx context.Context, d Deps, ec ExecContext, payload map[string]any) (Result, error) {
	id, err := stringField(payload, "bill_id")
	if err != nil {
		return Result{}, err
	}
	b, err := d.Repo.GetBill(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("bill %s: %w", id, err)
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	if _, err := d.Events.Emit(ctx, tx, ec.HouseholdID, "notification.queued", "bill", b.ID, events.Payload{
		"message": fmt.Sprintf("bill %s (%.2f) is due %s", b.Name, b.Amount, b.DueDate),
	}); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Message: "reminded about bill " + b.ID}, nil
}

func handleSystemHalt(ctx context.Context, d Deps, ec ExecContext, payload map[string]any) (Result, error) {
	reason := optionalStringField(payload, "reason")
	if reason == "" {
		reason = "halt requested"
	}
	return Result{Message: reason, Halt: true}, nil
}
