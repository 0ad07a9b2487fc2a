package model

import "time"

// ExternalTask is a unit of work delegated by the remote engine to an
// external worker, identified by topic and claimed under a time-bound lock.
// Tasks are transient: they are never persisted locally, and the engine
// remains the source of truth for lock validity and expiry.
type ExternalTask struct {
	ID                string    `json:"id"`
	Topic             string    `json:"topicName"`
	ProcessInstanceID string    `json:"processInstanceId"`
	ActivityID        string    `json:"activityId,omitempty"`
	WorkerID          string    `json:"workerId,omitempty"`
	// Retries is nil on first delivery; afterwards it carries the remaining
	// retry budget reported on the previous failure.
	Retries       *int      `json:"retries"`
	LockExpiresAt time.Time `json:"lockExpirationTime,omitempty"`
	Variables     Variables `json:"variables,omitempty"`
}

// UserTask is an engine-owned human task attached to a process instance.
// It is surfaced read-only through the orchestrator.
type UserTask struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Assignee          string `json:"assignee,omitempty"`
	ProcessInstanceID string `json:"processInstanceId"`
	TaskDefinitionKey string `json:"taskDefinitionKey,omitempty"`
	Created           string `json:"created,omitempty"`
}
