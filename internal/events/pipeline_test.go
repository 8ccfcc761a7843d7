package events_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hearth/internal/db"
	"hearth/internal/domain"
	"hearth/internal/events"
	"hearth/internal/migrate"
	"hearth/internal/repo"
)

type testEnv struct {
	Conn      *sql.DB
	Repo      repo.Repo
	Writer    events.Writer
	Processor events.Processor
	Ctx       context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	now := func() time.Time { return time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC) }
	return testEnv{
		Conn:   conn,
		Repo:   r,
		Writer: events.Writer{Repo: r, Now: now},
		Processor: events.Processor{
			DB:         conn,
			Repo:       r,
			Now:        now,
			MaxRetries: 3,
			Log:        zerolog.Nop(),
		},
		Ctx: context.Background(),
	}
}

func (env testEnv) emit(t *testing.T, eventType, sourceModel, sourceID string) domain.Event {
	t.Helper()
	tx, err := env.Conn.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	e, err := env.Writer.Emit(env.Ctx, tx, "default", eventType, sourceModel, sourceID, events.Payload{"k": "v"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestBillCreatedSpawnsReminderTask(t *testing.T) {
	env := newTestEnv(t)
	env.emit(t, "bill.created", "bill", "bill-77")

	n, err := env.Processor.ProcessPending(env.Ctx, 10)
	if err != nil {
		t.Fatalf("process pending: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}
	tasks, err := env.Repo.ListTasks(env.Ctx, domain.TaskPending, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 spawned task, got %d", len(tasks))
	}
	task := tasks[0]
	if task.Type != "bill_reminder" {
		t.Fatalf("task type = %s, want bill_reminder", task.Type)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil {
		t.Fatalf("task payload: %v", err)
	}
	if payload["bill_id"] != "bill-77" {
		t.Fatalf("payload bill_id = %v, want bill-77", payload["bill_id"])
	}
}

func TestProcessingIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	e := env.emit(t, "bill.created", "bill", "bill-1")

	if _, err := env.Processor.ProcessPending(env.Ctx, 10); err != nil {
		t.Fatal(err)
	}
	// re-driving the same event must not spawn a second task
	if err := env.Processor.Process(env.Ctx, e); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	// a duplicate event for the same source collapses on the dedup key
	env.emit(t, "bill.created", "bill", "bill-1")
	if _, err := env.Processor.ProcessPending(env.Ctx, 10); err != nil {
		t.Fatal(err)
	}
	tasks, err := env.Repo.ListTasks(env.Ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected exactly 1 task after duplicates, got %d", len(tasks))
	}
	done, err := env.Repo.ListEvents(env.Ctx, domain.EventDone, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 2 {
		t.Fatalf("expected both events done, got %d", len(done))
	}
}

func TestUnmappedEventIsNoopDone(t *testing.T) {
	env := newTestEnv(t)
	e := env.emit(t, "memory.created", "memory", "m-1")

	if err := env.Processor.Process(env.Ctx, e); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, err := env.Repo.GetEvent(env.Ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.EventDone {
		t.Fatalf("status = %s, want done", got.Status)
	}
	tasks, err := env.Repo.ListTasks(env.Ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("unmapped event must not spawn tasks, got %d", len(tasks))
	}
}

func TestTransactionCreatedSpawnsCategorization(t *testing.T) {
	env := newTestEnv(t)
	env.emit(t, "transaction.created", "transaction", "txn-9")

	if _, err := env.Processor.ProcessPending(env.Ctx, 10); err != nil {
		t.Fatal(err)
	}
	tasks, err := env.Repo.ListTasks(env.Ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Type != "tax.categorize_transaction" {
		t.Fatalf("expected one tax.categorize_transaction task, got %v", tasks)
	}
}

func TestProcessFailureSurfaces(t *testing.T) {
	env := newTestEnv(t)
	e := env.emit(t, "bill.created", "bill", "bill-x")
	env.Conn.Close()

	if err := env.Processor.Process(env.Ctx, e); err == nil {
		t.Fatalf("expected processing failure on closed db")
	}
}
