package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"hearth/internal/config"
	"hearth/internal/db"
	"hearth/internal/domain"
	"hearth/internal/engine"
	"hearth/internal/migrate"
	"hearth/internal/safety"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
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
	cfg := config.Config{
		MaxTasksPerMinute: 5,
		DefaultMaxRetries: 3,
		ApprovalSecret:    "test-secret",
	}
	eng := engine.New(conn, cfg, safety.Default())
	eng.Now = func() time.Time { return time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC) }
	eng.Events.Now = eng.Now
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func TestCreateTaskEmitsEvent(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Type:        "bills.create",
		Description: "create the rent bill",
		Payload:     map[string]any{"name": "rent", "amount": 1200.0},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.HouseholdID != "default" {
		t.Fatalf("household = %s, want default", task.HouseholdID)
	}
	if task.Status != domain.TaskPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
	if task.MaxRetries != 3 {
		t.Fatalf("max retries = %d, want 3", task.MaxRetries)
	}
	evs, err := env.Engine.Repo.ListEvents(env.Ctx, domain.EventPending, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Type != "task.created" {
		t.Fatalf("expected one task.created event, got %v", evs)
	}
}

func TestCreateTaskRequiresType(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{}); err == nil {
		t.Fatalf("expected error for missing type")
	}
}

func TestCreateTaskRateLimit(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "notify.send"}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "notify.send"})
	if !errors.Is(err, engine.ErrTaskRateLimited) {
		t.Fatalf("err = %v, want ErrTaskRateLimited", err)
	}
}

func TestApproveApprovalTier(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "bills.mark_paid", Payload: map[string]any{"bill_id": "b1"}})
	if err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.Approve(env.Ctx, task.ID, "parent-1", "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if task.Status != domain.TaskApproved {
		t.Fatalf("status = %s, want approved", task.Status)
	}
	// approving a task that is not awaiting approval fails
	if _, err := env.Engine.Approve(env.Ctx, task.ID, "parent-1", ""); err == nil {
		t.Fatalf("expected status error on double approve")
	}
}

func TestApproveSignatureTierNeedsToken(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "bills.delete", Payload: map[string]any{"bill_id": "b1"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, task.ID, "parent-1", ""); !errors.Is(err, engine.ErrSignatureRequired) {
		t.Fatalf("err = %v, want ErrSignatureRequired", err)
	}
	token, err := env.Engine.MintApprovalToken(task.ID, "parent-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	// a token minted for a different task must not transfer
	other, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "bills.delete", Payload: map[string]any{"bill_id": "b2"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, other.ID, "parent-1", token); err == nil {
		t.Fatalf("expected task-mismatch rejection")
	}
	task, err = env.Engine.Approve(env.Ctx, task.ID, "parent-1", token)
	if err != nil {
		t.Fatalf("approve with token: %v", err)
	}
	if task.Status != domain.TaskApproved {
		t.Fatalf("status = %s, want approved", task.Status)
	}
}

func TestResetRetries(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "notify.send"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResetRetries(env.Ctx, task.ID, "parent-1"); !errors.Is(err, engine.ErrNotBlocked) {
		t.Fatalf("err = %v, want ErrNotBlocked", err)
	}
	msg := "reasoning service status 500"
	task.Status = domain.TaskBlocked
	task.Retries = 3
	task.LastError = &msg
	if err := env.Engine.Repo.UpdateTask(env.Ctx, task); err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.ResetRetries(env.Ctx, task.ID, "parent-1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if task.Status != domain.TaskPending || task.Retries != 0 || task.LastError != nil {
		t.Fatalf("unexpected task after reset: %+v", task)
	}
}
