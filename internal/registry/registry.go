// Package registry is the static action catalog: each action type maps
// to a description, a safety tier, a handler, and worker eligibility.
// The catalog is built once at startup; unknown kinds are rejected at
// construction, not at call time.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"hearth/internal/domain"
	"hearth/internal/events"
	"hearth/internal/repo"
	"hearth/internal/safety"
)

// Action is one proposed operation from the reasoning service.
type Action struct {
	Type    string         `json:"type"`
	Tier    *int           `json:"tier,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Result is what a handler reports back.
type Result struct {
	Message string
	// Halt marks the execution_halted signal: later actions in the
	// same batch are skipped. Earlier effects are not rolled back.
	Halt bool
}

// Deps is the datastore handle passed to handlers. Handlers own their
// domain writes and emit the matching events in the same transaction.
type Deps struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time

	// DefaultMaxRetries is the retry bound stamped on tasks created by
	// handlers. Zero means 3.
	DefaultMaxRetries int
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// ExecContext identifies who is executing a batch and on whose behalf.
type ExecContext struct {
	HouseholdID string
	TaskID      string
	Source      string
}

type Handler func(ctx context.Context, d Deps, ec ExecContext, payload map[string]any) (Result, error)

// Schema is one registry entry. Tiers are derived from the safety
// policy at construction so the catalog and the policy cannot drift.
type Schema struct {
	Type          string
	Description   string
	Tier          safety.Tier
	Handler       Handler
	AllowInWorker bool
}

type Registry struct {
	schemas map[string]Schema
	policy  *safety.Policy
	deps    Deps
}

type schemaSpec struct {
	Type          string
	Description   string
	Handler       Handler
	AllowInWorker bool
}

// New builds the registry against a safety policy. Every catalog type
// must be known to the policy's exact table; a missing entry is a
// construction error rather than a silent tier-2 fallback.
func New(policy *safety.Policy, deps Deps) (*Registry, error) {
	specs := []schemaSpec{
		{"memory.store", "Store a household memory", handleMemoryStore, true},
		{"memory.forget", "Soft-delete a household memory", handleMemoryForget, true},
		{"notify.send", "Send a notification to the household", handleNotifySend, true},
		{"bills.create", "Create a bill record", handleBillCreate, true},
		{"bills.update", "Update a bill record", handleBillUpdate, true},
		{"bills.mark_paid", "Mark a bill as paid", handleBillMarkPaid, true},
		{"bills.delete", "Delete a bill record", handleBillDelete, false},
		{"calendar.create_event", "Create a calendar event", handleCalendarCreate, true},
		{"calendar.delete_event", "Delete a calendar event", handleCalendarDelete, true},
		{"tax.categorize_transaction", "Set a transaction's tax category", handleTaxCategorize, true},
		{"tasks.create_followup", "Create a follow-up task", handleCreateFollowup, true},
		{"bill_reminder", "Remind the household about an upcoming bill", handleBillReminder, true},
		{"system.halt", "Halt execution of the remaining batch", handleSystemHalt, true},
	}
	r := &Registry{schemas: make(map[string]Schema, len(specs)), policy: policy, deps: deps}
	for _, s := range specs {
		if s.Type == "" || s.Handler == nil {
			return nil, fmt.Errorf("registry entry missing type or handler")
		}
		if !policy.Known(s.Type) {
			return nil, fmt.Errorf("action type %s has no safety tier entry", s.Type)
		}
		if _, dup := r.schemas[s.Type]; dup {
			return nil, fmt.Errorf("duplicate action type %s", s.Type)
		}
		r.schemas[s.Type] = Schema{
			Type:          s.Type,
			Description:   s.Description,
			Tier:          policy.Classify(s.Type),
			Handler:       s.Handler,
			AllowInWorker: s.AllowInWorker,
		}
	}
	return r, nil
}

// Lookup returns the schema for a type.
func (r *Registry) Lookup(typ string) (Schema, bool) {
	s, ok := r.schemas[typ]
	return s, ok
}

// Schemas returns the catalog sorted by type.
func (r *Registry) Schemas() []Schema {
	res := make([]Schema, 0, len(r.schemas))
	for _, s := range r.schemas {
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Type < res[j].Type })
	return res
}

// Validate checks one proposed action against the catalog. The tier
// comparison stops a reasoning service from smuggling a privileged
// action under a falsely low declared tier, or the reverse.
func (r *Registry) Validate(a Action) (bool, string) {
	if a.Type == "" {
		return false, "action type is required"
	}
	schema, ok := r.schemas[a.Type]
	if !ok {
		return false, fmt.Sprintf("unknown action type %s", a.Type)
	}
	if a.Tier == nil {
		return false, fmt.Sprintf("action %s is missing a tier", a.Type)
	}
	if safety.Tier(*a.Tier) != schema.Tier {
		return false, fmt.Sprintf("action %s declares tier %d but is registered at tier %d", a.Type, *a.Tier, schema.Tier)
	}
	if a.Payload == nil {
		return false, fmt.Sprintf("action %s is missing a payload", a.Type)
	}
	return true, ""
}

// Action result statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

type ActionResult struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type BatchResult struct {
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	Halted    bool           `json:"halted"`
	Results   []ActionResult `json:"results"`
}

// Summary renders the batch outcome as a one-line failure reason.
func (b BatchResult) Summary() string {
	return fmt.Sprintf("%d actions: %d succeeded, %d failed, %d skipped", b.Total, b.Succeeded, b.Failed, b.Skipped)
}

// ExecuteBatch runs actions in order. Validation and handler failures
// are reported per action and never abort siblings; only the halt
// signal skips the remainder of the batch.
func (r *Registry) ExecuteBatch(ctx context.Context, ec ExecContext, actions []Action) BatchResult {
	res := BatchResult{Total: len(actions)}
	for _, a := range actions {
		if res.Halted {
			res.Skipped++
			res.Results = append(res.Results, ActionResult{Type: a.Type, Status: StatusSkipped, Message: "execution halted"})
			continue
		}
		ok, reason := r.Validate(a)
		if !ok {
			res.Failed++
			res.Results = append(res.Results, ActionResult{Type: a.Type, Status: StatusError, Message: reason})
			continue
		}
		schema := r.schemas[a.Type]
		if ec.Source == domain.SourceWorker && !schema.AllowInWorker {
			res.Failed++
			res.Results = append(res.Results, ActionResult{Type: a.Type, Status: StatusError, Message: fmt.Sprintf("action %s is not allowed in the worker", a.Type)})
			continue
		}
		out, err := schema.Handler(ctx, r.deps, ec, a.Payload)
		if err != nil {
			res.Failed++
			res.Results = append(res.Results, ActionResult{Type: a.Type, Status: StatusError, Message: err.Error()})
			continue
		}
		res.Succeeded++
		res.Results = append(res.Results, ActionResult{Type: a.Type, Status: StatusOK, Message: out.Message})
		if out.Halt {
			res.Halted = true
		}
	}
	return res
}
