package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"hearth/internal/app"
	"hearth/internal/config"
	"hearth/internal/db"
	"hearth/internal/domain"
	"hearth/internal/migrate"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Config{
		Workspace:         workspace,
		WorkerEnabled:     true,
		MaxActionsPerRun:  10,
		MaxRunsPerHour:    60,
		MaxTasksPerMinute: 30,
		PollBatchSize:     10,
		Mode:              config.ModeDevelopment,
		DefaultMaxRetries: 3,
		ApprovalSecret:    "test-secret",
	}
	a, err := app.New(conn, cfg)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	handler, err := New(Config{App: a, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestTaskCreateAndFetch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"type":        "bills.create",
		"description": "create the rent bill",
		"payload":     map[string]any{"name": "rent", "amount": 1200},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Task
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.Status != domain.TaskPending {
		t.Fatalf("status = %s, want pending", created.Status)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+created.ID, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", getRes.StatusCode, string(getBody))
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks?status=pending", nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", listRes.StatusCode, string(listBody))
	}
	var list struct {
		Items []domain.Task `json:"items"`
	}
	if err := json.Unmarshal(listBody, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(list.Items))
	}
}

func TestTaskNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/missing", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(body))
	}
}

func TestApproveConflictAndSignature(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"type":    "bills.delete",
		"payload": map[string]any{"bill_id": "b1"},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created domain.Task
	_ = json.Unmarshal(data, &created)

	// signature tier without a token is forbidden
	noToken, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/approve", map[string]any{
		"actor_id": "parent-1",
	})
	if noToken.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", noToken.StatusCode, string(body))
	}

	token, err := srv.App.Engine.MintApprovalToken(created.ID, "parent-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	okRes, okBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/approve", map[string]any{
		"actor_id": "parent-1",
		"token":    token,
	})
	if okRes.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", okRes.StatusCode, string(okBody))
	}
	var approved domain.Task
	_ = json.Unmarshal(okBody, &approved)
	if approved.Status != domain.TaskApproved {
		t.Fatalf("status = %s, want approved", approved.Status)
	}

	dupRes, dupBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/approve", map[string]any{
		"actor_id": "parent-1",
		"token":    token,
	})
	if dupRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", dupRes.StatusCode, string(dupBody))
	}
}

func TestEventProcessEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// creating a task emits a task.created event; processing it is a
	// no-op but still drains it to done
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{"type": "notify.send"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}

	procRes, procBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/process", map[string]any{})
	if procRes.StatusCode != http.StatusOK {
		t.Fatalf("process: %d %s", procRes.StatusCode, string(procBody))
	}
	var proc struct {
		Processed int `json:"processed"`
	}
	if err := json.Unmarshal(procBody, &proc); err != nil {
		t.Fatal(err)
	}
	if proc.Processed != 1 {
		t.Fatalf("processed = %d, want 1", proc.Processed)
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?status=done", nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list events: %d %s", listRes.StatusCode, string(listBody))
	}
	var list struct {
		Items []domain.Event `json:"items"`
	}
	if err := json.Unmarshal(listBody, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Items) != 1 {
		t.Fatalf("done events = %d, want 1", len(list.Items))
	}
}

func TestActionsCatalog(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/actions", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("actions: %d %s", res.StatusCode, string(body))
	}
	var list struct {
		Items []actionSchema `json:"items"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Items) != 13 {
		t.Fatalf("catalog size = %d, want 13", len(list.Items))
	}
	for _, s := range list.Items {
		if s.Type == "bills.delete" && s.Tier != 4 {
			t.Fatalf("bills.delete tier = %d, want 4", s.Tier)
		}
	}
}
