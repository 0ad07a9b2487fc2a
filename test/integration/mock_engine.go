package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/korir254/flowgate/internal/engine"
	"github.com/korir254/flowgate/model"
)

// MockEngine is an in-process stand-in for the remote BPM engine's REST API.
// It keeps deployments, process instances, user tasks, and an external task
// queue in memory, and exposes scripting hooks so tests can end or drop
// instances and inspect what the engine received.
type MockEngine struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	down          bool
	requests      int
	deployments   int
	nextInstance  int
	instances     map[string]*engineInstance
	userTasks     map[string][]model.UserTask
	completedUser []string

	nextTask    int
	queued      []queuedTask
	known       map[string]queuedTask
	completedEx map[string]model.Variables
	failures    map[string][]engine.FailureReport
	incidents   map[string]bool
}

type engineInstance struct {
	id           string
	definitionID string
	businessKey  string
	ended        bool
	suspended    bool
	gone         bool
	variables    model.Variables
}

type queuedTask struct {
	id                string
	topic             string
	processInstanceID string
	activityID        string
	retries           *int
	variables         model.Variables
}

// NewMockEngine starts the mock engine server. It is closed automatically
// when the test finishes.
func NewMockEngine(t *testing.T) *MockEngine {
	t.Helper()

	m := &MockEngine{
		t:           t,
		instances:   make(map[string]*engineInstance),
		userTasks:   make(map[string][]model.UserTask),
		known:       make(map[string]queuedTask),
		completedEx: make(map[string]model.Variables),
		failures:    make(map[string][]engine.FailureReport),
		incidents:   make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /engine", m.handleEngines)
	mux.HandleFunc("POST /deployment/create", m.handleDeploy)
	mux.HandleFunc("POST /process-definition/key/{key}/start", m.handleStart)
	mux.HandleFunc("GET /process-instance/{id}", m.handleInstance)
	mux.HandleFunc("GET /process-instance/{id}/variables", m.handleGetVariables)
	mux.HandleFunc("POST /process-instance/{id}/variables", m.handleSetVariables)
	mux.HandleFunc("GET /task", m.handleListTasks)
	mux.HandleFunc("POST /task/{id}/complete", m.handleCompleteTask)
	mux.HandleFunc("POST /external-task/fetchAndLock", m.handleFetchAndLock)
	mux.HandleFunc("POST /external-task/{id}/complete", m.handleCompleteExternal)
	mux.HandleFunc("POST /external-task/{id}/failure", m.handleFailExternal)

	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests++
		down := m.down
		m.mu.Unlock()
		if down {
			writeEngineError(w, http.StatusServiceUnavailable, "engine is down")
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(m.srv.Close)
	return m
}

// URL returns the mock engine's base URL.
func (m *MockEngine) URL() string {
	return m.srv.URL
}

// SetDown makes every subsequent request fail with a 503 until re-enabled.
func (m *MockEngine) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// Requests returns the number of HTTP requests received, including ones
// served while the engine was down.
func (m *MockEngine) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// EndInstance marks a process instance as ended on the engine side.
func (m *MockEngine) EndInstance(processInstanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[processInstanceID]; ok {
		inst.ended = true
	}
}

// SuspendInstance toggles the suspended flag of a process instance.
func (m *MockEngine) SuspendInstance(processInstanceID string, suspended bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[processInstanceID]; ok {
		inst.suspended = suspended
	}
}

// DropInstance removes a process instance from the runtime view, the way
// the engine drops historically ended instances.
func (m *MockEngine) DropInstance(processInstanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[processInstanceID]; ok {
		inst.gone = true
	}
}

// AddUserTask attaches an open user task to a process instance.
func (m *MockEngine) AddUserTask(processInstanceID string, task model.UserTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.ProcessInstanceID = processInstanceID
	m.userTasks[processInstanceID] = append(m.userTasks[processInstanceID], task)
}

// CompletedUserTasks returns the IDs of user tasks completed through the API.
func (m *MockEngine) CompletedUserTasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.completedUser...)
}

// QueueExternalTask enqueues an external task for the next fetch-and-lock
// poll and returns its ID.
func (m *MockEngine) QueueExternalTask(topic, processInstanceID string, vars model.Variables) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTask++
	id := "et-" + strconv.Itoa(m.nextTask)
	task := queuedTask{
		id:                id,
		topic:             topic,
		processInstanceID: processInstanceID,
		activityID:        "act-" + topic,
		variables:         vars,
	}
	m.queued = append(m.queued, task)
	m.known[id] = task
	return id
}

// ExternalTaskResult returns the variables submitted when the given external
// task was completed, and whether it completed at all.
func (m *MockEngine) ExternalTaskResult(taskID string) (model.Variables, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vars, ok := m.completedEx[taskID]
	return vars, ok
}

// FailureReports returns the failure reports received for a task.
func (m *MockEngine) FailureReports(taskID string) []engine.FailureReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]engine.FailureReport(nil), m.failures[taskID]...)
}

// HasIncident reports whether a task exhausted its retries.
func (m *MockEngine) HasIncident(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incidents[taskID]
}

// --- handlers ---

func (m *MockEngine) handleEngines(w http.ResponseWriter, _ *http.Request) {
	writeEngineJSON(w, http.StatusOK, []map[string]string{{"name": "default"}})
}

func (m *MockEngine) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeEngineError(w, http.StatusBadRequest, "malformed deployment form")
		return
	}
	name := r.FormValue("deployment-name")
	if name == "" {
		writeEngineError(w, http.StatusBadRequest, "deployment-name is required")
		return
	}

	m.mu.Lock()
	m.deployments++
	id := "dep-" + strconv.Itoa(m.deployments)
	m.mu.Unlock()

	writeEngineJSON(w, http.StatusOK, map[string]any{
		"id":   id,
		"name": name,
	})
}

func (m *MockEngine) handleStart(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req struct {
		BusinessKey string          `json:"businessKey"`
		Variables   model.Variables `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEngineError(w, http.StatusBadRequest, "malformed start request")
		return
	}

	m.mu.Lock()
	m.nextInstance++
	inst := &engineInstance{
		id:           "pi-" + strconv.Itoa(m.nextInstance),
		definitionID: key + ":1:mock",
		businessKey:  req.BusinessKey,
		variables:    req.Variables,
	}
	if inst.variables == nil {
		inst.variables = model.Variables{}
	}
	m.instances[inst.id] = inst
	m.mu.Unlock()

	writeEngineJSON(w, http.StatusOK, map[string]any{
		"id":           inst.id,
		"definitionId": inst.definitionID,
		"businessKey":  inst.businessKey,
		"ended":        false,
		"suspended":    false,
	})
}

func (m *MockEngine) lookupInstance(w http.ResponseWriter, id string) *engineInstance {
	inst, ok := m.instances[id]
	if !ok || inst.gone {
		writeEngineError(w, http.StatusNotFound,
			fmt.Sprintf("process instance with id %s does not exist", id))
		return nil
	}
	return inst
}

func (m *MockEngine) handleInstance(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.lookupInstance(w, r.PathValue("id"))
	if inst == nil {
		return
	}
	writeEngineJSON(w, http.StatusOK, map[string]any{
		"id":           inst.id,
		"definitionId": inst.definitionID,
		"businessKey":  inst.businessKey,
		"ended":        inst.ended,
		"suspended":    inst.suspended,
	})
}

func (m *MockEngine) handleGetVariables(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.lookupInstance(w, r.PathValue("id"))
	if inst == nil {
		return
	}
	writeEngineJSON(w, http.StatusOK, inst.variables)
}

func (m *MockEngine) handleSetVariables(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Modifications model.Variables `json:"modifications"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEngineError(w, http.StatusBadRequest, "malformed variable modification")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.lookupInstance(w, r.PathValue("id"))
	if inst == nil {
		return
	}
	inst.variables = inst.variables.Merge(req.Modifications)
	w.WriteHeader(http.StatusNoContent)
}

func (m *MockEngine) handleListTasks(w http.ResponseWriter, r *http.Request) {
	pid := r.URL.Query().Get("processInstanceId")

	m.mu.Lock()
	tasks := append([]model.UserTask(nil), m.userTasks[pid]...)
	m.mu.Unlock()

	if tasks == nil {
		tasks = []model.UserTask{}
	}
	writeEngineJSON(w, http.StatusOK, tasks)
}

func (m *MockEngine) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	m.mu.Lock()
	defer m.mu.Unlock()
	for pid, tasks := range m.userTasks {
		for i, task := range tasks {
			if task.ID == id {
				m.userTasks[pid] = append(tasks[:i], tasks[i+1:]...)
				m.completedUser = append(m.completedUser, id)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
	}
	writeEngineError(w, http.StatusNotFound, fmt.Sprintf("task %s does not exist", id))
}

func (m *MockEngine) handleFetchAndLock(w http.ResponseWriter, r *http.Request) {
	var req engine.FetchAndLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEngineError(w, http.StatusBadRequest, "malformed fetch request")
		return
	}

	wanted := make(map[string]bool, len(req.Topics))
	for _, topic := range req.Topics {
		wanted[topic.TopicName] = true
	}

	m.mu.Lock()
	var fetched []map[string]any
	var remaining []queuedTask
	for _, task := range m.queued {
		if len(fetched) < req.MaxTasks && wanted[task.topic] {
			fetched = append(fetched, map[string]any{
				"id":                 task.id,
				"topicName":          task.topic,
				"processInstanceId":  task.processInstanceID,
				"activityId":         task.activityID,
				"workerId":           req.WorkerID,
				"retries":            task.retries,
				"lockExpirationTime": time.Now().Add(10 * time.Second).Format(time.RFC3339),
				"variables":          task.variables,
			})
			continue
		}
		remaining = append(remaining, task)
	}
	m.queued = remaining
	m.mu.Unlock()

	if fetched == nil {
		fetched = []map[string]any{}
	}
	writeEngineJSON(w, http.StatusOK, fetched)
}

func (m *MockEngine) handleCompleteExternal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		WorkerID  string          `json:"workerId"`
		Variables model.Variables `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEngineError(w, http.StatusBadRequest, "malformed completion")
		return
	}

	m.mu.Lock()
	if req.Variables == nil {
		req.Variables = model.Variables{}
	}
	m.completedEx[id] = req.Variables
	m.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// handleFailExternal records the report and re-offers the task while its
// retry budget lasts. A report with zero retries raises an incident, which
// keeps the task off the queue.
func (m *MockEngine) handleFailExternal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var report engine.FailureReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeEngineError(w, http.StatusBadRequest, "malformed failure report")
		return
	}

	m.mu.Lock()
	m.failures[id] = append(m.failures[id], report)
	if report.Retries > 0 {
		task := m.known[id]
		retries := report.Retries
		task.retries = &retries
		m.queued = append(m.queued, task)
	} else {
		m.incidents[id] = true
	}
	m.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func writeEngineJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeEngineError(w http.ResponseWriter, status int, message string) {
	writeEngineJSON(w, status, map[string]string{
		"type":    "RestException",
		"message": message,
	})
}
