// Package engine holds the task lifecycle operations shared by the API,
// the CLI, and the worker: creation with rate limiting, the approval
// flow, and operator remediation of blocked tasks.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hearth/internal/config"
	"hearth/internal/domain"
	"hearth/internal/engine/approval"
	"hearth/internal/events"
	"hearth/internal/repo"
	"hearth/internal/safety"
)

var (
	ErrApprovalRequired  = errors.New("approval required")
	ErrSignatureRequired = errors.New("signed approval token required")
	ErrTaskRateLimited   = errors.New("task creation rate limit exceeded")
	ErrNotBlocked        = errors.New("task is not blocked")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Policy *safety.Policy
	Config config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg config.Config, policy *safety.Policy) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{Repo: r},
		Policy: policy,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	HouseholdID string
	Type        string
	Description string
	Payload     map[string]any
	MaxRetries  int
	NextRunAt   *time.Time
}

// CreateTask inserts a pending task, enforcing the per-minute creation
// rate limit. Unknown types are accepted; the safety policy classifies
// them at the fail-safe tier when the worker picks them up.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Type == "" {
		return domain.Task{}, errors.New("type is required")
	}
	if opts.HouseholdID == "" {
		opts.HouseholdID = "default"
	}
	now := e.now().UTC()
	since := now.Add(-time.Minute).Format(time.RFC3339)
	count, err := e.Repo.CountTasksCreatedSince(ctx, since)
	if err != nil {
		return domain.Task{}, err
	}
	if count >= e.Config.MaxTasksPerMinute {
		return domain.Task{}, ErrTaskRateLimited
	}
	payload := opts.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Task{}, fmt.Errorf("marshal task payload: %w", err)
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = e.Config.DefaultMaxRetries
	}
	nowStr := now.Format(time.RFC3339)
	t := domain.Task{
		ID:          uuid.New().String(),
		HouseholdID: opts.HouseholdID,
		Type:        opts.Type,
		Description: opts.Description,
		Status:      domain.TaskPending,
		PayloadJSON: string(data),
		MaxRetries:  maxRetries,
		CreatedAt:   nowStr,
		UpdatedAt:   nowStr,
	}
	if opts.NextRunAt != nil {
		s := opts.NextRunAt.UTC().Format(time.RFC3339)
		t.NextRunAt = &s
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if _, err := e.Events.Emit(ctx, tx, t.HouseholdID, "task.created", "task", t.ID, events.Payload{"type": t.Type}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// Approve grants sign-off on a task whose tier requires it. Signature
// tiers additionally need a token minted with the approval secret and
// bound to this task.
func (e Engine) Approve(ctx context.Context, taskID, actorID, token string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	switch t.Status {
	case domain.TaskPending, domain.TaskPendingApproval:
	default:
		return t, fmt.Errorf("cannot approve task in status %s", t.Status)
	}
	if e.Policy.RequiresSignature(t.Type) {
		signer, err := approval.Verify(e.Config.ApprovalSecret, token, t.ID, e.now())
		if err != nil {
			return t, fmt.Errorf("%w: %w", ErrSignatureRequired, err)
		}
		if actorID == "" {
			actorID = signer
		}
	}
	t.Status = domain.TaskApproved
	t.LastError = nil
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if _, err := e.Events.Emit(ctx, tx, t.HouseholdID, "task.approved", "task", t.ID, events.Payload{"actor": actorID}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// MintApprovalToken signs an approval token for a task; only meaningful
// for signature-tier types.
func (e Engine) MintApprovalToken(taskID, actorID string, ttl time.Duration) (string, error) {
	return approval.Mint(e.Config.ApprovalSecret, taskID, actorID, ttl, e.now())
}

// ResetRetries unblocks a blocked task: retries back to zero, status to
// pending. This is the operator path out of the terminal blocked state.
func (e Engine) ResetRetries(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TaskBlocked {
		return t, ErrNotBlocked
	}
	t.Status = domain.TaskPending
	t.Retries = 0
	t.NextRunAt = nil
	t.LastError = nil
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if _, err := e.Events.Emit(ctx, tx, t.HouseholdID, "task.retry_reset", "task", t.ID, events.Payload{"actor": actorID}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}
