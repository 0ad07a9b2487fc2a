package model

import "time"

// InstanceStatus is the lifecycle status of a workflow instance as mirrored
// locally. The remote engine remains the authority; the Status Reconciler
// resolves drift between the two.
type InstanceStatus string

// Workflow instance status constants.
const (
	StatusActive     InstanceStatus = "ACTIVE"
	StatusCompleted  InstanceStatus = "COMPLETED"
	StatusSuspended  InstanceStatus = "SUSPENDED"
	StatusTerminated InstanceStatus = "TERMINATED"
	StatusFailed     InstanceStatus = "FAILED"
)

// Terminal reports whether the status is a terminal one. EndedAt must be set
// on an instance if and only if its status is terminal.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTerminated, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is one of the known status values.
func (s InstanceStatus) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusSuspended, StatusTerminated, StatusFailed:
		return true
	}
	return false
}

// WorkflowDefinition is the locally stored record of a process definition
// deployed to the remote engine. There is at most one record per
// ProcessDefinitionKey; redeploying the same key increments Version and
// replaces BPMNXml and DeploymentID in place.
type WorkflowDefinition struct {
	ID                   string         `json:"id"`
	ProcessDefinitionKey string         `json:"process_definition_key"`
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	Version              int            `json:"version"`
	BPMNXml              string         `json:"bpmn_xml,omitempty"`
	DeploymentID         string         `json:"deployment_id"`
	IsActive             bool           `json:"is_active"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// WorkflowInstance is the locally stored mirror of a remote process instance.
// It is created only after the remote instance exists, never speculatively.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	ProcessInstanceID string         `json:"process_instance_id"`
	DefinitionID      string         `json:"definition_id"`
	Status            InstanceStatus `json:"status"`
	BusinessKey       string         `json:"business_key,omitempty"`
	InitiatedBy       string         `json:"initiated_by,omitempty"`
	Variables         Variables      `json:"variables,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	EndedAt           *time.Time     `json:"ended_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	RecordVersion     int            `json:"record_version"`
}

// InstanceFilters are optional filters for listing workflow instances.
type InstanceFilters struct {
	Status               InstanceStatus
	ProcessDefinitionKey string
	Limit                int
	Offset               int
}

// Statistics summarizes local definition and instance counts.
type Statistics struct {
	Definitions DefinitionStatistics `json:"definitions"`
	Instances   InstanceStatistics   `json:"instances"`
}

// DefinitionStatistics breaks down definition counts by activation state.
type DefinitionStatistics struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
}

// InstanceStatistics breaks down instance counts by status.
type InstanceStatistics struct {
	Total    int                    `json:"total"`
	ByStatus map[InstanceStatus]int `json:"by_status"`
}
