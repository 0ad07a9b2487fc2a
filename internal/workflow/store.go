// Package workflow implements the local mirror of remote process state:
// definition and instance persistence, the orchestration service that keeps
// remote-first write ordering, and the reconciler that resolves status drift.
package workflow

import (
	"context"

	"github.com/korir254/flowgate/model"
)

// Store persists workflow definitions and instance mirrors.
type Store interface {
	// CreateDefinition persists a new definition record. Returns CONFLICT if
	// a definition with the same process definition key already exists.
	CreateDefinition(ctx context.Context, def model.WorkflowDefinition) error

	// GetDefinitionByKey retrieves the definition for a process definition
	// key. Returns NOT_FOUND if no definition exists for the key.
	GetDefinitionByKey(ctx context.Context, key string) (model.WorkflowDefinition, error)

	// UpdateDefinition replaces an existing definition record in place,
	// keyed by ID. Returns NOT_FOUND if the record does not exist.
	UpdateDefinition(ctx context.Context, def model.WorkflowDefinition) error

	// ListDefinitions returns all definition records, newest first.
	ListDefinitions(ctx context.Context) ([]model.WorkflowDefinition, error)

	// CountDefinitions returns definition counts by activation state.
	CountDefinitions(ctx context.Context) (model.DefinitionStatistics, error)

	// CreateInstance persists a new instance mirror.
	CreateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// GetInstance retrieves an instance by its local ID. Returns NOT_FOUND
	// if the instance does not exist.
	GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error)

	// GetInstanceByProcessID retrieves an instance by its remote process
	// instance ID. Returns NOT_FOUND if no mirror exists.
	GetInstanceByProcessID(ctx context.Context, processInstanceID string) (model.WorkflowInstance, error)

	// UpdateInstance persists an updated instance with optimistic locking.
	// The record version must match the stored version. Returns CONFLICT if
	// the version has moved.
	UpdateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// ListInstances returns instances matching the filters, newest first.
	ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error)

	// CountInstancesByStatus returns instance counts grouped by status.
	CountInstancesByStatus(ctx context.Context) (model.InstanceStatistics, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}
