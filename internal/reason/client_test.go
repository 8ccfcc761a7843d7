package reason_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"hearth/internal/reason"
)

func newServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var req reason.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Source == "" {
			t.Errorf("request source should be populated")
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(url string) *reason.Client {
	return reason.New(reason.Config{URL: url, Source: "hearth-worker"})
}

func TestProposeTopLevelActions(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{
		"status": "ok",
		"message": "two actions",
		"actions": [
			{"type": "notify.send", "tier": 1, "payload": {"message": "hi"}},
			{"type": "memory.store", "tier": 0, "payload": {"content": "note"}}
		],
		"reasoning": {"steps": ["a", "b"]}
	}`)
	d, err := newClient(srv.URL).Propose(context.Background(), reason.Request{Type: "notify.send"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(d.Actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(d.Actions))
	}
	if d.Actions[0].Type != "notify.send" || d.Actions[0].Tier == nil || *d.Actions[0].Tier != 1 {
		t.Fatalf("unexpected first action: %+v", d.Actions[0])
	}
	if len(d.Reasoning) == 0 {
		t.Fatalf("expected reasoning to pass through")
	}
}

func TestProposeNestedResultActions(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{
		"status": "success",
		"result": {
			"actions": [{"type": "bills.create", "tier": 1, "payload": {"name": "water", "amount": 30}}],
			"message": "created from result"
		}
	}`)
	d, err := newClient(srv.URL).Propose(context.Background(), reason.Request{Type: "bills.create"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(d.Actions) != 1 || d.Actions[0].Type != "bills.create" {
		t.Fatalf("nested actions not normalized: %+v", d.Actions)
	}
	if d.Message != "created from result" {
		t.Fatalf("message = %q", d.Message)
	}
}

func TestProposeFailureStatus(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"status": "failed", "message": "model unavailable"}`)
	if _, err := newClient(srv.URL).Propose(context.Background(), reason.Request{Type: "notify.send"}); err == nil {
		t.Fatalf("expected error for failure status")
	}
}

func TestProposeNon2xx(t *testing.T) {
	srv := newServer(t, http.StatusInternalServerError, `upstream exploded`)
	if _, err := newClient(srv.URL).Propose(context.Background(), reason.Request{Type: "notify.send"}); err == nil {
		t.Fatalf("expected error for 500")
	}
}

func TestProposeEmptyActionsIsValid(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"status": "completed", "message": "nothing to do"}`)
	d, err := newClient(srv.URL).Propose(context.Background(), reason.Request{Type: "notify.send"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(d.Actions) != 0 {
		t.Fatalf("actions = %d, want 0", len(d.Actions))
	}
}
