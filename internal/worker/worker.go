// Package worker polls for ready tasks, enforces the safety policy,
// asks the reasoning service for actions, executes them through the
// registry, and persists outcomes with tiered retry backoff.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hearth/internal/config"
	"hearth/internal/domain"
	"hearth/internal/reason"
	"hearth/internal/registry"
	"hearth/internal/repo"
	"hearth/internal/safety"
)

// Reasoner is the reasoning-service boundary; tests substitute fakes.
type Reasoner interface {
	Propose(ctx context.Context, req reason.Request) (reason.Decision, error)
}

type Worker struct {
	DB       *sql.DB
	Repo     repo.Repo
	Registry *registry.Registry
	Policy   *safety.Policy
	Reasoner Reasoner
	Config   config.Config
	Now      func() time.Time
	Log      zerolog.Logger
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Run polls until the context is canceled: a short sleep after a busy
// cycle, a longer idle sleep otherwise.
func (w *Worker) Run(ctx context.Context) error {
	for {
		n, err := w.RunCycle(ctx)
		if err != nil {
			w.Log.Error().Err(err).Msg("worker cycle failed")
		} else if n > 0 {
			w.Log.Info().Int("processed", n).Msg("worker cycle done")
		}
		sleep := w.Config.IdlePollInterval
		if n > 0 {
			sleep = w.Config.PollInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// RunCycle processes one batch of ready tasks and returns how many
// tasks it handled. A per-task failure never aborts the rest of the
// batch.
func (w *Worker) RunCycle(ctx context.Context) (int, error) {
	if !w.Config.WorkerEnabled {
		w.Log.Debug().Msg("worker disabled, skipping cycle")
		return 0, nil
	}
	now := w.now().UTC()
	hourAgo := now.Add(-time.Hour).Format(time.RFC3339)
	runs, err := w.Repo.CountRunsSince(ctx, hourAgo)
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	if runs >= w.Config.MaxRunsPerHour {
		w.Log.Warn().Int("runs", runs).Msg("runs-per-hour limit reached, skipping cycle")
		return 0, nil
	}
	tasks, err := w.Repo.ReadyTasks(ctx, now.Format(time.RFC3339), w.Config.PollBatchSize)
	if err != nil {
		return 0, fmt.Errorf("select ready tasks: %w", err)
	}
	processed := 0
	for _, t := range tasks {
		if w.Config.Mode == config.ModeProduction && w.isTestArtifact(t) {
			continue
		}
		if err := w.processTask(ctx, t, domain.SourceWorker); err != nil {
			w.Log.Error().Str("task_id", t.ID).Str("type", t.Type).Err(err).Msg("task processing failed")
			continue
		}
		processed++
	}
	return processed, nil
}

// RunTask executes one task immediately on behalf of an operator or a
// maintenance pass, bypassing the poll cycle but not the approval gate
// or the exclusivity lock. The source is recorded on the Run.
func (w *Worker) RunTask(ctx context.Context, taskID, source string) error {
	switch source {
	case domain.SourceShell, domain.SourceMaintenance, domain.SourceWorker:
	default:
		return fmt.Errorf("unknown run source %q", source)
	}
	t, err := w.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch t.Status {
	case domain.TaskPending, domain.TaskApproved:
	default:
		return fmt.Errorf("task %s is %s, not runnable", t.ID, t.Status)
	}
	return w.processTask(ctx, t, source)
}

func (w *Worker) isTestArtifact(t domain.Task) bool {
	return safety.IsTestArtifact(t.Description, parsePayload(t.PayloadJSON))
}

func parsePayload(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return map[string]any{}
	}
	return payload
}

func (w *Worker) processTask(ctx context.Context, t domain.Task, source string) error {
	nowStr := w.now().UTC().Format(time.RFC3339)

	// Approval gate: no Run is created for a paused task.
	if w.Policy.RequiresApproval(t.Type) && t.Status != domain.TaskApproved {
		reasonMsg := fmt.Sprintf("approval required: type %s is tier %d", t.Type, w.Policy.Classify(t.Type))
		t.Status = domain.TaskPendingApproval
		t.LastError = &reasonMsg
		t.UpdatedAt = nowStr
		return w.Repo.UpdateTask(ctx, t)
	}
	if t.Retries >= t.MaxRetries {
		t.Status = domain.TaskBlocked
		t.UpdatedAt = nowStr
		return w.Repo.UpdateTask(ctx, t)
	}

	// The committed running status is the exclusivity lock: once a
	// worker wins the compare-and-set, the readiness filter hides the
	// task from every other cycle.
	acquired, err := w.Repo.TryAcquire(ctx, t.ID, nowStr)
	if err != nil {
		return fmt.Errorf("acquire task: %w", err)
	}
	if !acquired {
		return nil
	}
	t.Status = domain.TaskRunning
	t.LastRunAt = &nowStr

	rn := domain.Run{
		ID:          uuid.New().String(),
		TaskID:      &t.ID,
		HouseholdID: t.HouseholdID,
		Status:      domain.RunPending,
		Source:      source,
		InputText:   t.PayloadJSON,
		CreatedAt:   nowStr,
	}
	if err := w.Repo.InsertRun(ctx, rn); err != nil {
		return w.failTask(ctx, t, domain.Run{}, nil, fmt.Sprintf("create run: %v", err))
	}
	rn.Status = domain.RunRunning
	if err := w.Repo.UpdateRun(ctx, rn); err != nil {
		return w.failTask(ctx, t, rn, nil, fmt.Sprintf("start run: %v", err))
	}

	decision, err := w.Reasoner.Propose(ctx, reason.Request{
		Type:        t.Type,
		Payload:     parsePayload(t.PayloadJSON),
		TaskID:      t.ID,
		Description: t.Description,
	})
	if err != nil {
		return w.failTask(ctx, t, rn, nil, err.Error())
	}

	var logLines []string
	actions := decision.Actions
	logLines = append(logLines, fmt.Sprintf("reasoning proposed %d actions", len(actions)))
	if len(actions) > w.Config.MaxActionsPerRun {
		logLines = append(logLines, fmt.Sprintf("truncated %d actions to cap %d", len(actions), w.Config.MaxActionsPerRun))
		actions = actions[:w.Config.MaxActionsPerRun]
	}

	batch := w.Registry.ExecuteBatch(ctx, registry.ExecContext{
		HouseholdID: t.HouseholdID,
		TaskID:      t.ID,
		Source:      source,
	}, actions)
	for _, ar := range batch.Results {
		logLines = append(logLines, fmt.Sprintf("%s: %s %s", ar.Type, ar.Status, ar.Message))
	}

	rn.ReasoningJSON = rawToPtr(decision.Reasoning)
	rn.EvidenceJSON = rawToPtr(decision.Evidence)
	rn.LogJSON = marshalLog(logLines)
	rn.OutputText = decision.Message
	if rn.OutputText == "" {
		rn.OutputText = batch.Summary()
	}

	if batch.Failed > 0 {
		return w.failTask(ctx, t, rn, logLines, batch.Summary())
	}

	finished := w.now().UTC().Format(time.RFC3339)
	rn.Status = domain.RunSuccess
	rn.FinishedAt = &finished
	t.Status = domain.TaskSuccess
	t.LastError = nil
	t.UpdatedAt = finished
	return w.finalize(ctx, t, rn)
}

// failTask finalizes a failed attempt: the Run goes to error, the task
// takes the failure reason and either re-arms with backoff or blocks
// once retries are exhausted.
func (w *Worker) failTask(ctx context.Context, t domain.Task, rn domain.Run, logLines []string, msg string) error {
	finished := w.now().UTC().Format(time.RFC3339)
	rn.Status = domain.RunError
	rn.FinishedAt = &finished
	if rn.OutputText == "" {
		rn.OutputText = msg
	}
	if rn.LogJSON == nil && len(logLines) > 0 {
		rn.LogJSON = marshalLog(logLines)
	}

	t.Retries++
	t.LastError = &msg
	t.UpdatedAt = finished
	if t.Retries >= t.MaxRetries {
		t.Status = domain.TaskBlocked
		t.NextRunAt = nil
	} else {
		t.Status = domain.TaskPending
		next := w.now().UTC().Add(w.Config.Backoff(t.Retries)).Format(time.RFC3339)
		t.NextRunAt = &next
	}
	if err := w.finalize(ctx, t, rn); err != nil {
		return err
	}
	w.Log.Warn().Str("task_id", t.ID).Int("retries", t.Retries).Str("status", t.Status).Msg(msg)
	return nil
}

// finalize persists the Run and task together.
func (w *Worker) finalize(ctx context.Context, t domain.Task, rn domain.Run) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if rn.ID != "" {
		if err := w.Repo.UpdateRunTx(ctx, tx, rn); err != nil {
			return fmt.Errorf("finalize run: %w", err)
		}
	}
	if err := w.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return fmt.Errorf("finalize task: %w", err)
	}
	return tx.Commit()
}

func marshalLog(lines []string) *string {
	if len(lines) == 0 {
		return nil
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

func rawToPtr(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
