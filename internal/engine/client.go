// Package engine provides a typed HTTP client for the remote BPM engine's
// REST API, covering deployment, process instance control, user tasks, and
// the external task protocol.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/korir254/flowgate/internal/config"
	"github.com/korir254/flowgate/model"
)

// Client invokes the remote engine's REST API. All calls go through a shared
// circuit breaker; when the engine is unreachable the breaker trips and
// subsequent calls fail fast with an ENGINE_UNAVAILABLE envelope.
type Client struct {
	baseURL string
	name    string
	http    *http.Client
	breaker *CircuitBreaker
}

// NewClient creates a Client from the engine configuration.
func NewClient(cfg config.EngineConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	cb := cfg.CircuitBreaker
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		name:    cfg.Name,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		breaker: NewCircuitBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout),
	}
}

// BreakerState exposes the circuit breaker state for health reporting.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// DeploymentResult is the engine's response to a deployment request.
type DeploymentResult struct {
	ID                         string                       `json:"id"`
	Name                       string                       `json:"name"`
	DeployedProcessDefinitions map[string]ProcessDefinition `json:"deployedProcessDefinitions"`
}

// ProcessDefinition is the engine-side representation of a deployed
// process definition.
type ProcessDefinition struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// ProcessInstanceState is the engine's view of a running or ended
// process instance.
type ProcessInstanceState struct {
	ID           string `json:"id"`
	DefinitionID string `json:"definitionId"`
	BusinessKey  string `json:"businessKey"`
	Ended        bool   `json:"ended"`
	Suspended    bool   `json:"suspended"`
}

// StartProcessRequest carries the inputs for starting a process instance
// by definition key.
type StartProcessRequest struct {
	BusinessKey string          `json:"businessKey,omitempty"`
	Variables   model.Variables `json:"variables,omitempty"`
}

// TopicSubscription names a topic and how long fetched tasks stay locked,
// in milliseconds.
type TopicSubscription struct {
	TopicName    string `json:"topicName"`
	LockDuration int64  `json:"lockDuration"`
}

// FetchAndLockRequest is the external task polling request.
type FetchAndLockRequest struct {
	WorkerID string              `json:"workerId"`
	MaxTasks int                 `json:"maxTasks"`
	Topics   []TopicSubscription `json:"topics"`
}

// FailureReport tells the engine a handler failed and how many retries
// remain. RetryTimeout is in milliseconds.
type FailureReport struct {
	WorkerID     string `json:"workerId"`
	ErrorMessage string `json:"errorMessage"`
	ErrorDetails string `json:"errorDetails,omitempty"`
	Retries      int    `json:"retries"`
	RetryTimeout int64  `json:"retryTimeout"`
}

// DeployProcess uploads a BPMN definition as a named deployment. Duplicate
// filtering is enabled so redeploying identical XML is a no-op on the engine.
func (c *Client) DeployProcess(ctx context.Context, deploymentName, fileName string, bpmnXML []byte) (*DeploymentResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"deployment-name":            deploymentName,
		"enable-duplicate-filtering": "true",
		"deploy-changed-only":        "true",
		"deployment-source":          "flowgate",
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("engine: write deployment field %s: %w", k, err)
		}
	}

	part, err := w.CreateFormFile(fileName, fileName)
	if err != nil {
		return nil, fmt.Errorf("engine: create deployment file part: %w", err)
	}
	if _, err := part.Write(bpmnXML); err != nil {
		return nil, fmt.Errorf("engine: write deployment file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("engine: finalize deployment form: %w", err)
	}

	var result DeploymentResult
	if err := c.do(ctx, http.MethodPost, "/deployment/create", w.FormDataContentType(), &buf, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StartProcess starts a new instance of the latest version of the process
// definition with the given key.
func (c *Client) StartProcess(ctx context.Context, key string, req StartProcessRequest) (*ProcessInstanceState, error) {
	var result ProcessInstanceState
	path := "/process-definition/key/" + url.PathEscape(key) + "/start"
	if err := c.doJSON(ctx, http.MethodPost, path, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ProcessInstance fetches the current state of a process instance. A 404
// from the engine surfaces as a NOT_FOUND envelope; historically ended
// instances disappear from this endpoint.
func (c *Client) ProcessInstance(ctx context.Context, processInstanceID string) (*ProcessInstanceState, error) {
	var result ProcessInstanceState
	path := "/process-instance/" + url.PathEscape(processInstanceID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ProcessVariables fetches the full typed variable map of a process instance.
func (c *Client) ProcessVariables(ctx context.Context, processInstanceID string) (model.Variables, error) {
	var vars model.Variables
	path := "/process-instance/" + url.PathEscape(processInstanceID) + "/variables"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

// SetVariables writes variable modifications to a running process instance.
func (c *Client) SetVariables(ctx context.Context, processInstanceID string, vars model.Variables) error {
	path := "/process-instance/" + url.PathEscape(processInstanceID) + "/variables"
	body := map[string]any{"modifications": vars}
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

// ActiveTasks lists the open user tasks of a process instance.
func (c *Client) ActiveTasks(ctx context.Context, processInstanceID string) ([]model.UserTask, error) {
	var tasks []model.UserTask
	path := "/task?processInstanceId=" + url.QueryEscape(processInstanceID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CompleteUserTask completes an engine user task, optionally submitting
// variables.
func (c *Client) CompleteUserTask(ctx context.Context, taskID string, vars model.Variables) error {
	path := "/task/" + url.PathEscape(taskID) + "/complete"
	body := map[string]any{}
	if len(vars) > 0 {
		body["variables"] = vars
	}
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

// wireTask mirrors the engine's external task shape. Lock expiry arrives in
// the engine's date format, which is not always RFC 3339.
type wireTask struct {
	ID                 string          `json:"id"`
	TopicName          string          `json:"topicName"`
	ProcessInstanceID  string          `json:"processInstanceId"`
	ActivityID         string          `json:"activityId"`
	WorkerID           string          `json:"workerId"`
	Retries            *int            `json:"retries"`
	LockExpirationTime string          `json:"lockExpirationTime"`
	Variables          model.Variables `json:"variables"`
}

func (w wireTask) toModel() model.ExternalTask {
	task := model.ExternalTask{
		ID:                w.ID,
		Topic:             w.TopicName,
		ProcessInstanceID: w.ProcessInstanceID,
		ActivityID:        w.ActivityID,
		WorkerID:          w.WorkerID,
		Retries:           w.Retries,
		Variables:         w.Variables,
	}
	if w.LockExpirationTime != "" {
		if t, err := parseEngineTime(w.LockExpirationTime); err == nil {
			task.LockExpiresAt = t
		}
	}
	return task
}

func parseEngineTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05.000-0700", s)
}

// FetchAndLock polls the engine for external tasks across the subscribed
// topics, locking each returned task for its topic's lock duration.
func (c *Client) FetchAndLock(ctx context.Context, req FetchAndLockRequest) ([]model.ExternalTask, error) {
	var wire []wireTask
	if err := c.doJSON(ctx, http.MethodPost, "/external-task/fetchAndLock", req, &wire); err != nil {
		return nil, err
	}
	tasks := make([]model.ExternalTask, 0, len(wire))
	for _, w := range wire {
		tasks = append(tasks, w.toModel())
	}
	return tasks, nil
}

// Complete reports an external task as successfully handled, submitting any
// result variables back into the process.
func (c *Client) Complete(ctx context.Context, taskID, workerID string, vars model.Variables) error {
	path := "/external-task/" + url.PathEscape(taskID) + "/complete"
	body := map[string]any{"workerId": workerID}
	if len(vars) > 0 {
		body["variables"] = vars
	}
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

// ReportFailure reports a handler failure for an external task. When the
// reported retries reach zero the engine raises an incident instead of
// re-offering the task.
func (c *Client) ReportFailure(ctx context.Context, taskID string, report FailureReport) error {
	path := "/external-task/" + url.PathEscape(taskID) + "/failure"
	return c.doJSON(ctx, http.MethodPost, path, report, nil)
}

// HealthCheck verifies the engine is reachable and lists the expected
// engine name.
func (c *Client) HealthCheck(ctx context.Context) error {
	var engines []struct {
		Name string `json:"name"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/engine", nil, &engines); err != nil {
		return err
	}
	if c.name == "" {
		return nil
	}
	for _, e := range engines {
		if e.Name == c.name {
			return nil
		}
	}
	return model.NewEngineRejectedError(fmt.Sprintf("engine %q not present on server", c.name))
}

// doJSON executes a JSON request against the engine and decodes the
// response into out when non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("engine: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	return c.do(ctx, method, path, "application/json", reader, out)
}

// do executes a single request with circuit breaker protection and
// classifies failures into error envelopes.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	if err := c.breaker.Allow(); err != nil {
		return model.NewEngineUnavailableError()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("engine: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		if isConnectionError(err) {
			return model.NewEngineUnavailableError()
		}
		if ctx.Err() != nil || isTimeoutError(err) {
			return model.NewEngineTimeoutError()
		}
		return fmt.Errorf("engine: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20)) // 10MB limit
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("engine: read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	if resp.StatusCode >= 400 {
		return classifyStatus(resp.StatusCode, method, path, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("engine: decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// classifyStatus maps engine error responses onto error envelopes. The
// engine reports a {type, message} body on most errors.
func classifyStatus(status int, method, path string, body []byte) error {
	var engineErr struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	message := ""
	if json.Unmarshal(body, &engineErr) == nil && engineErr.Message != "" {
		message = engineErr.Message
	}

	switch {
	case status == http.StatusNotFound:
		if message == "" {
			message = fmt.Sprintf("engine resource %s not found", path)
		}
		return model.NewNotFoundError(message)
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		return model.NewEngineUnavailableError()
	case status == http.StatusGatewayTimeout:
		return model.NewEngineTimeoutError()
	case status >= 500:
		// Any other 5xx is an engine fault, not a rejected request.
		slog.Warn("engine: server error",
			"method", method,
			"path", path,
			"status", status,
			"type", engineErr.Type,
		)
		return model.NewEngineUnavailableError()
	default:
		if message == "" {
			message = fmt.Sprintf("engine returned status %d for %s %s", status, method, path)
		}
		slog.Debug("engine: request rejected",
			"method", method,
			"path", path,
			"status", status,
			"type", engineErr.Type,
		)
		return model.NewEngineRejectedError(message)
	}
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
