package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/korir254/flowgate/internal/config"
	"github.com/korir254/flowgate/internal/engine"
	"github.com/korir254/flowgate/internal/observability"
	"github.com/korir254/flowgate/internal/worker"
	"github.com/korir254/flowgate/internal/workflow"
	"github.com/korir254/flowgate/model"
)

// stubEngine is a canned workflow.EngineClient for transport tests.
type stubEngine struct {
	deployErr  error
	startErr   error
	remoteVars model.Variables
	varsErr    error
	setErr     error
	userTasks  []model.UserTask
	completed  []string
	startCalls int
}

func (s *stubEngine) DeployProcess(_ context.Context, name, _ string, _ []byte) (*engine.DeploymentResult, error) {
	if s.deployErr != nil {
		return nil, s.deployErr
	}
	return &engine.DeploymentResult{ID: "dep-" + name, Name: name}, nil
}

func (s *stubEngine) StartProcess(_ context.Context, key string, _ engine.StartProcessRequest) (*engine.ProcessInstanceState, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.startCalls++
	return &engine.ProcessInstanceState{ID: fmt.Sprintf("pi-%s-%d", key, s.startCalls)}, nil
}

func (s *stubEngine) ProcessInstance(_ context.Context, id string) (*engine.ProcessInstanceState, error) {
	return &engine.ProcessInstanceState{ID: id}, nil
}

func (s *stubEngine) ProcessVariables(_ context.Context, _ string) (model.Variables, error) {
	if s.varsErr != nil {
		return nil, s.varsErr
	}
	return s.remoteVars, nil
}

func (s *stubEngine) SetVariables(_ context.Context, _ string, _ model.Variables) error {
	return s.setErr
}

func (s *stubEngine) ActiveTasks(_ context.Context, _ string) ([]model.UserTask, error) {
	return s.userTasks, nil
}

func (s *stubEngine) CompleteUserTask(_ context.Context, taskID string, _ model.Variables) error {
	s.completed = append(s.completed, taskID)
	return nil
}

func newTestRouter(t *testing.T, client workflow.EngineClient) (http.Handler, *workflow.MemoryStore) {
	t.Helper()
	store := workflow.NewMemoryStore()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	svc := workflow.NewService(store, client, zap.NewNop(), metrics)

	cfg := config.Defaults()
	cfg.Engine.BaseURL = "http://engine.test"
	cfg.Observability.Metrics.Enabled = false

	r := NewRouter(Dependencies{
		Config:  cfg,
		Service: svc,
		Metrics: metrics,
	})
	return r, store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func deployLeaveRequest(t *testing.T, h http.Handler) {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/workflows/definitions", workflow.DeployRequest{
		ProcessDefinitionKey: "leave-request",
		Name:                 "Leave Request",
		BPMNXml:              "<definitions/>",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("deploy status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_deployCreatesDefinition(t *testing.T) {
	h, _ := newTestRouter(t, &stubEngine{})
	deployLeaveRequest(t, h)

	rec := doJSON(t, h, http.MethodGet, "/api/workflows/definitions/leave-request", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get definition status = %d", rec.Code)
	}

	var def model.WorkflowDefinition
	json.NewDecoder(rec.Body).Decode(&def)
	if def.ProcessDefinitionKey != "leave-request" || def.Version != 1 || !def.IsActive {
		t.Errorf("definition = %+v", def)
	}
}

func TestRouter_deployMissingKey(t *testing.T) {
	h, _ := newTestRouter(t, &stubEngine{})

	rec := doJSON(t, h, http.MethodPost, "/api/workflows/definitions", workflow.DeployRequest{
		BPMNXml: "<definitions/>",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestRouter_deployInvalidJSON(t *testing.T) {
	h, _ := newTestRouter(t, &stubEngine{})

	req := httptest.NewRequest(http.MethodPost, "/api/workflows/definitions", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRouter_startUnknownDefinition(t *testing.T) {
	h, _ := newTestRouter(t, &stubEngine{})

	rec := doJSON(t, h, http.MethodPost, "/api/workflows/definitions/missing/start", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Error == nil || resp.Error.Code != model.ErrNotFound {
		t.Errorf("error envelope = %+v", resp.Error)
	}
}

func TestRouter_startDeactivatedDefinition(t *testing.T) {
	h, _ := newTestRouter(t, &stubEngine{})
	deployLeaveRequest(t, h)

	rec := doJSON(t, h, http.MethodDelete, "/api/workflows/definitions/leave-request", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/workflows/definitions/leave-request/start", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRouter_instanceLifecycle(t *testing.T) {
	client := &stubEngine{varsErr: model.NewNotFoundError("gone")}
	h, _ := newTestRouter(t, client)
	deployLeaveRequest(t, h)

	rec := doJSON(t, h, http.MethodPost, "/api/workflows/definitions/leave-request/start", workflow.StartRequest{
		BusinessKey: "emp-7",
		Variables:   model.Variables{"days": model.Integer(3)},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}

	var inst model.WorkflowInstance
	json.NewDecoder(rec.Body).Decode(&inst)
	if inst.Status != model.StatusActive || inst.ProcessInstanceID == "" {
		t.Fatalf("instance = %+v", inst)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/workflows/instances/"+inst.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/workflows/instances?status=ACTIVE", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Data  []model.WorkflowInstance `json:"data"`
		Count int                      `json:"count"`
	}
	json.NewDecoder(rec.Body).Decode(&list)
	if list.Count != 1 || len(list.Data) != 1 {
		t.Errorf("list = %+v", list)
	}

	// Update variables, then read them back. The remote instance reports
	// not-found, so the handler serves the local mirror.
	rec = doJSON(t, h, http.MethodPatch, "/api/workflows/instances/"+inst.ID+"/variables", map[string]any{
		"variables": map[string]any{
			"approved": map[string]any{"value": true, "type": "Boolean"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/api/workflows/instances/"+inst.ID+"/variables", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get variables status = %d", rec.Code)
	}
	var varsResp struct {
		Variables model.Variables `json:"variables"`
	}
	json.NewDecoder(rec.Body).Decode(&varsResp)
	if _, ok := varsResp.Variables["approved"]; !ok {
		t.Errorf("variables = %+v, missing approved", varsResp.Variables)
	}
	if _, ok := varsResp.Variables["days"]; !ok {
		t.Errorf("variables = %+v, missing days", varsResp.Variables)
	}
}

func TestRouter_invalidStatusFilter(t *testing.T) {
	h, _ := newTestRouter(t, &stubEngine{})

	rec := doJSON(t, h, http.MethodGet, "/api/workflows/instances?status=BOGUS", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestRouter_userTasks(t *testing.T) {
	client := &stubEngine{
		userTasks: []model.UserTask{{ID: "ut-1", Name: "Approve Leave"}},
	}
	h, _ := newTestRouter(t, client)
	deployLeaveRequest(t, h)

	rec := doJSON(t, h, http.MethodPost, "/api/workflows/definitions/leave-request/start", nil)
	var inst model.WorkflowInstance
	json.NewDecoder(rec.Body).Decode(&inst)

	rec = doJSON(t, h, http.MethodGet, "/api/workflows/instances/"+inst.ID+"/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tasks status = %d", rec.Code)
	}
	var tasks struct {
		Data []model.UserTask `json:"data"`
	}
	json.NewDecoder(rec.Body).Decode(&tasks)
	if len(tasks.Data) != 1 || tasks.Data[0].ID != "ut-1" {
		t.Errorf("tasks = %+v", tasks.Data)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/workflows/instances/"+inst.ID+"/tasks/ut-1/complete", map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(client.completed) != 1 || client.completed[0] != "ut-1" {
		t.Errorf("completed = %v", client.completed)
	}
}

func TestRouter_statistics(t *testing.T) {
	h, _ := newTestRouter(t, &stubEngine{})
	deployLeaveRequest(t, h)

	rec := doJSON(t, h, http.MethodGet, "/api/workflows/statistics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats model.Statistics
	json.NewDecoder(rec.Body).Decode(&stats)
	if stats.Definitions.Total != 1 || stats.Definitions.Active != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRouter_unknownRouteReturnsJSON404(t *testing.T) {
	h, _ := newTestRouter(t, &stubEngine{})

	rec := doJSON(t, h, http.MethodGet, "/api/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var resp struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("404 body is not a JSON envelope: %v", err)
	}
}

func TestRouter_healthAndReady(t *testing.T) {
	h, _ := newTestRouter(t, &stubEngine{})

	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("ready status = %d", rec.Code)
	}
}

func TestRouter_securityAndCorrelationHeaders(t *testing.T) {
	h, _ := newTestRouter(t, &stubEngine{})

	rec := doJSON(t, h, http.MethodGet, "/api/workflows/definitions", nil)
	if rec.Header().Get("X-Correlation-Id") == "" {
		t.Error("missing X-Correlation-Id header")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("missing security headers")
	}
}

func TestRouter_correlationIDEchoed(t *testing.T) {
	h, _ := newTestRouter(t, &stubEngine{})

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/definitions", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-Id"); got != "corr-123" {
		t.Errorf("X-Correlation-Id = %q, want corr-123", got)
	}
}

func TestRouter_workerStatusDisabled(t *testing.T) {
	h, _ := newTestRouter(t, &stubEngine{})

	rec := doJSON(t, h, http.MethodGet, "/api/worker/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when worker is disabled", rec.Code)
	}
}

// noopTaskEngine satisfies worker.EngineAPI for router wiring tests.
type noopTaskEngine struct{}

func (noopTaskEngine) FetchAndLock(_ context.Context, _ engine.FetchAndLockRequest) ([]model.ExternalTask, error) {
	return nil, nil
}

func (noopTaskEngine) Complete(_ context.Context, _, _ string, _ model.Variables) error {
	return nil
}

func (noopTaskEngine) ReportFailure(_ context.Context, _ string, _ engine.FailureReport) error {
	return nil
}

func TestRouter_workerStatusEnabled(t *testing.T) {
	store := workflow.NewMemoryStore()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	svc := workflow.NewService(store, &stubEngine{}, zap.NewNop(), metrics)

	cfg := config.Defaults()
	cfg.Engine.BaseURL = "http://engine.test"
	cfg.Observability.Metrics.Enabled = false

	registry := worker.NewRegistry()
	proc := worker.NewProcessor(cfg.Worker, noopTaskEngine{}, registry, zap.NewNop(), metrics)

	h := NewRouter(Dependencies{
		Config:    cfg,
		Service:   svc,
		Processor: proc,
		Metrics:   metrics,
	})

	rec := doJSON(t, h, http.MethodGet, "/api/worker/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var status worker.Status
	json.NewDecoder(rec.Body).Decode(&status)
	if status.Running {
		t.Error("worker should not be running before Start")
	}
	if status.WorkerID != cfg.Worker.ID {
		t.Errorf("worker id = %q, want %q", status.WorkerID, cfg.Worker.ID)
	}
}

func TestRouter_getByProcessInstanceID(t *testing.T) {
	h, _ := newTestRouter(t, &stubEngine{})
	deployLeaveRequest(t, h)

	rec := doJSON(t, h, http.MethodPost, "/api/workflows/definitions/leave-request/start", nil)
	var inst model.WorkflowInstance
	json.NewDecoder(rec.Body).Decode(&inst)

	rec = doJSON(t, h, http.MethodGet, "/api/workflows/process-instances/"+inst.ProcessInstanceID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got model.WorkflowInstance
	json.NewDecoder(rec.Body).Decode(&got)
	if got.ID != inst.ID {
		t.Errorf("ID = %q, want %q", got.ID, inst.ID)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/workflows/process-instances/pi-missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown process instance", rec.Code)
	}
}

func TestRouter_listDefinitionsActiveFilter(t *testing.T) {
	h, _ := newTestRouter(t, &stubEngine{})
	deployLeaveRequest(t, h)

	rec := doJSON(t, h, http.MethodPost, "/api/workflows/definitions", workflow.DeployRequest{
		ProcessDefinitionKey: "expense-claim",
		Name:                 "Expense Claim",
		BPMNXml:              "<definitions/>",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("deploy status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodDelete, "/api/workflows/definitions/expense-claim", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/workflows/definitions?active=true", nil)
	var list struct {
		Data []model.WorkflowDefinition `json:"data"`
	}
	json.NewDecoder(rec.Body).Decode(&list)
	if len(list.Data) != 1 || list.Data[0].ProcessDefinitionKey != "leave-request" {
		t.Errorf("active definitions = %+v", list.Data)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/workflows/definitions?active=nope", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for invalid filter", rec.Code)
	}
}
