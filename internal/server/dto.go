package server

import (
	"hearth/internal/domain"
)

type taskBody struct {
	Type        string         `json:"type" example:"bills.create"`
	Description string         `json:"description,omitempty"`
	HouseholdID string         `json:"household_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
	MaxRetries  int            `json:"max_retries,omitempty"`
}

type taskOutput struct {
	Body domain.Task
}

type taskListOutput struct {
	Body struct {
		Items []domain.Task `json:"items"`
	}
}

type runOutput struct {
	Body domain.Run
}

type runListOutput struct {
	Body struct {
		Items []domain.Run `json:"items"`
	}
}

type eventListOutput struct {
	Body struct {
		Items []domain.Event `json:"items"`
	}
}

type approveBody struct {
	ActorID string `json:"actor_id,omitempty"`
	Token   string `json:"token,omitempty"`
}

type processBody struct {
	Limit int `json:"limit,omitempty"`
}

type processOutput struct {
	Body struct {
		Processed int `json:"processed"`
	}
}

type actionSchema struct {
	Type          string `json:"type"`
	Description   string `json:"description"`
	Tier          int    `json:"tier"`
	AllowInWorker bool   `json:"allow_in_worker"`
}

type actionListOutput struct {
	Body struct {
		Items []actionSchema `json:"items"`
	}
}

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}
