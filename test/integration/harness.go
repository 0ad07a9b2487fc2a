// Package integration provides a reusable test harness for end-to-end
// testing of the flowgate server. It wires a full HTTP server against a
// mock BPM engine with an in-memory store.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/korir254/flowgate/internal/config"
	"github.com/korir254/flowgate/internal/engine"
	"github.com/korir254/flowgate/internal/notify"
	"github.com/korir254/flowgate/internal/observability"
	"github.com/korir254/flowgate/internal/transport"
	"github.com/korir254/flowgate/internal/worker"
	"github.com/korir254/flowgate/internal/workflow"
)

// TestHarness encapsulates a fully wired flowgate instance backed by a mock
// engine, for integration testing over real HTTP.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	Engine    *MockEngine
	Store     *workflow.MemoryStore
	Service   *workflow.Service
	Processor *worker.Processor

	sink *captureSink
	cfg  *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	workerEnabled  bool
	pollInterval   time.Duration
	handlerTimeout time.Duration
	extraHandlers  map[string]worker.Handler
}

// WithWorker enables the external task processor, polling at the given
// interval.
func WithWorker(pollInterval time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.workerEnabled = true
		c.pollInterval = pollInterval
	}
}

// WithTopicHandler registers an additional topic handler on the worker.
func WithTopicHandler(topic string, handler worker.Handler) HarnessOption {
	return func(c *harnessConfig) {
		if c.extraHandlers == nil {
			c.extraHandlers = make(map[string]worker.Handler)
		}
		c.extraHandlers[topic] = handler
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full flowgate test instance. The
// server, worker, and mock engine are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		pollInterval:   25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:      t,
		Engine: NewMockEngine(t),
		sink:   &captureSink{},
	}

	cfg := config.Defaults()
	cfg.Engine.BaseURL = h.Engine.URL()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Worker.Enabled = hc.workerEnabled
	cfg.Worker.PollInterval = hc.pollInterval
	cfg.Observability.Metrics.Enabled = false
	h.cfg = cfg

	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	client := engine.NewClient(cfg.Engine)

	h.Store = workflow.NewMemoryStore()
	h.Service = workflow.NewService(h.Store, client, logger, metrics)
	h.Service.AttachReconciler(workflow.NewReconciler(h.Store, client, cfg.Store.ReconcileInterval, logger, metrics))

	if hc.workerEnabled {
		registry := worker.NewRegistry()
		worker.RegisterDefaultHandlers(registry, h.sink, logger)
		for topic, handler := range hc.extraHandlers {
			registry.Register(topic, handler)
		}

		h.Processor = worker.NewProcessor(cfg.Worker, client, registry, logger, metrics)
		h.Processor.Start(context.Background())
		t.Cleanup(h.Processor.Stop)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Service:   h.Service,
		Processor: h.Processor,
		Metrics:   metrics,
		Readiness: observability.ReadinessChecks{
			Store:  h.Store,
			Engine: client,
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Notifications returns the notifications delivered by worker handlers.
func (h *TestHarness) Notifications() []notify.Notification {
	return h.sink.All()
}

// --- HTTP client helpers ---

// GET performs a GET request.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, nil)
}

// PATCH performs a PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPatch, path, body, nil)
}

// DELETE performs a DELETE request.
func (h *TestHarness) DELETE(path string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, nil)
}

// Do performs a request with explicit headers, for CORS and header tests.
func (h *TestHarness) Do(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, body, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(resp *http.Response, expected int) {
	h.t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		h.t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks the status and parses the body into the target.
func (h *TestHarness) AssertJSON(resp *http.Response, expected int, target any) {
	h.t.Helper()
	h.AssertStatus(resp, expected)
	h.ParseJSON(resp, target)
}

// ErrorCode reads an error response and returns its code field.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.ParseJSON(resp, &body)
	return body.Error.Code
}

// WaitFor polls the condition until it holds or the deadline passes.
func (h *TestHarness) WaitFor(timeout time.Duration, what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("timed out after %v waiting for %s", timeout, what)
}

// captureSink records delivered notifications for assertions.
type captureSink struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (s *captureSink) Send(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

// All returns a copy of the recorded notifications.
func (s *captureSink) All() []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Notification(nil), s.sent...)
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
