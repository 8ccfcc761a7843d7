package domain

// Task statuses.
const (
	TaskPending         = "pending"
	TaskApproved        = "approved"
	TaskPendingApproval = "pending_approval"
	TaskRunning         = "running"
	TaskSuccess         = "success"
	TaskError           = "error"
	TaskBlocked         = "blocked"
)

// Run statuses.
const (
	RunPending = "pending"
	RunRunning = "running"
	RunSuccess = "success"
	RunError   = "error"
)

// Run sources.
const (
	SourceWorker      = "worker"
	SourceShell       = "shell"
	SourceMaintenance = "maintenance"
)

// Event statuses. Transitions are monotonic: pending -> processing -> done|error.
const (
	EventPending    = "pending"
	EventProcessing = "processing"
	EventDone       = "done"
	EventError      = "error"
)

type Task struct {
	ID          string  `json:"id"`
	HouseholdID string  `json:"household_id"`
	Type        string  `json:"type"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"pending,approved,pending_approval,running,success,error,blocked"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	NextRunAt   *string `json:"next_run_at,omitempty" format:"date-time"`
	LastRunAt   *string `json:"last_run_at,omitempty" format:"date-time"`
	Retries     int     `json:"retries"`
	MaxRetries  int     `json:"max_retries"`
	LastError   *string `json:"last_error,omitempty"`
	DedupKey    *string `json:"dedup_key,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Run struct {
	ID            string  `json:"id"`
	TaskID        *string `json:"task_id,omitempty"`
	HouseholdID   string  `json:"household_id"`
	Status        string  `json:"status" enum:"pending,running,success,error"`
	Source        string  `json:"source"`
	InputText     string  `json:"input_text,omitempty"`
	OutputText    string  `json:"output_text,omitempty"`
	ReasoningJSON *string `json:"reasoning_json,omitempty"`
	EvidenceJSON  *string `json:"evidence_json,omitempty"`
	LogJSON       *string `json:"log_json,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	FinishedAt    *string `json:"finished_at,omitempty" format:"date-time"`
}

type Event struct {
	ID          string  `json:"id"`
	HouseholdID string  `json:"household_id"`
	Type        string  `json:"type"`
	SourceModel string  `json:"source_model"`
	SourceID    string  `json:"source_id"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	Status      string  `json:"status" enum:"pending,processing,done,error"`
	Error       *string `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ProcessedAt *string `json:"processed_at,omitempty" format:"date-time"`
}

// Domain records the action handlers write. Their business rules live
// elsewhere; these structs only cover what the handlers touch.

type Bill struct {
	ID          string  `json:"id"`
	HouseholdID string  `json:"household_id"`
	Name        string  `json:"name"`
	Amount      float64 `json:"amount"`
	DueDate     string  `json:"due_date,omitempty"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type CalendarEvent struct {
	ID          string `json:"id"`
	HouseholdID string `json:"household_id"`
	Title       string `json:"title"`
	StartsAt    string `json:"starts_at,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Transaction struct {
	ID          string  `json:"id"`
	HouseholdID string  `json:"household_id"`
	Description string  `json:"description,omitempty"`
	Amount      float64 `json:"amount"`
	Category    *string `json:"category,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Memory struct {
	ID          string `json:"id"`
	HouseholdID string `json:"household_id"`
	Content     string `json:"content"`
	Deleted     bool   `json:"deleted"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}
