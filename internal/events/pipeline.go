// Package events emits immutable domain events and translates pending
// events into tasks. Emission happens inside the caller's transaction,
// so a rolled-back mutation never leaves a dangling event. Processing
// is deliberately not retried on failure: events are facts, and blindly
// re-driving fact-to-task translation risks duplicate task creation.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hearth/internal/domain"
	"hearth/internal/repo"
)

type Payload map[string]any

// Writer appends events within an existing transaction.
type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Emit inserts a pending event. Durability follows the caller's
// transaction boundary; Emit never commits on its own.
func (w Writer) Emit(ctx context.Context, tx *sql.Tx, householdID, eventType, sourceModel, sourceID string, payload Payload) (domain.Event, error) {
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	e := domain.Event{
		ID:          uuid.New().String(),
		HouseholdID: householdID,
		Type:        eventType,
		SourceModel: sourceModel,
		SourceID:    sourceID,
		PayloadJSON: string(data),
		Status:      domain.EventPending,
		CreatedAt:   w.now().UTC().Format(time.RFC3339),
	}
	if err := w.Repo.InsertEventTx(ctx, tx, e); err != nil {
		return domain.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

// taskTemplate maps one event to the task it should spawn.
type taskTemplate struct {
	TaskType    string
	Description func(e domain.Event) string
	Payload     func(e domain.Event) Payload
}

var templates = map[string]taskTemplate{
	"bill.created": {
		TaskType:    "bill_reminder",
		Description: func(e domain.Event) string { return "Remind about bill " + e.SourceID },
		Payload:     func(e domain.Event) Payload { return Payload{"bill_id": e.SourceID} },
	},
	"transaction.created": {
		TaskType:    "tax.categorize_transaction",
		Description: func(e domain.Event) string { return "Categorize transaction " + e.SourceID },
		Payload:     func(e domain.Event) Payload { return Payload{"transaction_id": e.SourceID} },
	},
}

// Processor consumes pending events into tasks.
type Processor struct {
	DB         *sql.DB
	Repo       repo.Repo
	Now        func() time.Time
	MaxRetries int
	Log        zerolog.Logger
}

func (p Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Process consumes one event: pending -> processing -> done or error.
// Unmapped event types are a no-op marked done. A failure leaves the
// event in error for manual remediation; it is never retried here.
func (p Processor) Process(ctx context.Context, e domain.Event) error {
	ok, err := p.Repo.MarkEventProcessing(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("mark event processing: %w", err)
	}
	if !ok {
		// Already consumed by another pipeline pass.
		return nil
	}
	if err := p.createTasks(ctx, e); err != nil {
		msg := err.Error()
		now := p.now().UTC().Format(time.RFC3339)
		if ferr := p.Repo.FinalizeEvent(ctx, nil, e.ID, domain.EventError, &msg, now); ferr != nil {
			return fmt.Errorf("finalize event error state: %w", ferr)
		}
		p.Log.Error().Str("event_id", e.ID).Str("type", e.Type).Err(err).Msg("event processing failed")
		return err
	}
	return nil
}

// ProcessPending drains up to limit pending events and returns how many
// were handled.
func (p Processor) ProcessPending(ctx context.Context, limit int) (int, error) {
	pending, err := p.Repo.PendingEvents(ctx, limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, e := range pending {
		if err := p.Process(ctx, e); err != nil {
			// Errors are terminal per event; keep draining the rest.
			continue
		}
		processed++
	}
	return processed, nil
}

func (p Processor) createTasks(ctx context.Context, e domain.Event) error {
	now := p.now().UTC().Format(time.RFC3339)
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	maxRetries := p.MaxRetries
	if maxRetries < 1 {
		maxRetries = 3
	}
	tpl, mapped := templates[e.Type]
	if mapped {
		payload, err := json.Marshal(tpl.Payload(e))
		if err != nil {
			return fmt.Errorf("marshal task payload: %w", err)
		}
		dedup := dedupKey(e, tpl.TaskType)
		task := domain.Task{
			ID:          uuid.New().String(),
			HouseholdID: e.HouseholdID,
			Type:        tpl.TaskType,
			Description: tpl.Description(e),
			Status:      domain.TaskPending,
			PayloadJSON: string(payload),
			MaxRetries:  maxRetries,
			DedupKey:    &dedup,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		inserted, err := p.Repo.InsertTaskDedupTx(ctx, tx, task)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if !inserted {
			p.Log.Debug().Str("event_id", e.ID).Str("dedup_key", dedup).Msg("task already exists, skipping")
		}
	}
	if err := p.Repo.FinalizeEvent(ctx, tx, e.ID, domain.EventDone, nil, now); err != nil {
		return fmt.Errorf("finalize event: %w", err)
	}
	return tx.Commit()
}

func dedupKey(e domain.Event, taskType string) string {
	return e.Type + "|" + e.SourceModel + "|" + e.SourceID + "|" + taskType
}
