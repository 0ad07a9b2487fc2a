package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/korir254/flowgate/model"
)

// MemoryStore is an in-memory Store for development and testing.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]model.WorkflowDefinition // key: definition ID
	instances   map[string]model.WorkflowInstance   // key: instance ID
	byProcessID map[string]string                   // process instance ID → instance ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]model.WorkflowDefinition),
		instances:   make(map[string]model.WorkflowInstance),
		byProcessID: make(map[string]string),
	}
}

// CreateDefinition persists a new definition record.
func (s *MemoryStore) CreateDefinition(_ context.Context, def model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.definitions {
		if existing.ProcessDefinitionKey == def.ProcessDefinitionKey {
			return model.NewConflictError(
				fmt.Sprintf("definition for process key %q already exists", def.ProcessDefinitionKey),
			)
		}
	}
	s.definitions[def.ID] = def
	return nil
}

// GetDefinitionByKey retrieves the definition for a process definition key.
func (s *MemoryStore) GetDefinitionByKey(_ context.Context, key string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, def := range s.definitions {
		if def.ProcessDefinitionKey == key {
			return def, nil
		}
	}
	return model.WorkflowDefinition{}, model.NewNotFoundError(
		fmt.Sprintf("definition for process key %q not found", key),
	)
}

// UpdateDefinition replaces an existing definition record.
func (s *MemoryStore) UpdateDefinition(_ context.Context, def model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.definitions[def.ID]; !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("definition %q not found", def.ID),
		)
	}
	def.UpdatedAt = time.Now().UTC()
	s.definitions[def.ID] = def
	return nil
}

// ListDefinitions returns all definition records, newest first.
func (s *MemoryStore) ListDefinitions(_ context.Context) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.WorkflowDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		result = append(result, def)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// CountDefinitions returns definition counts by activation state.
func (s *MemoryStore) CountDefinitions(_ context.Context) (model.DefinitionStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := model.DefinitionStatistics{Total: len(s.definitions)}
	for _, def := range s.definitions {
		if def.IsActive {
			stats.Active++
		} else {
			stats.Inactive++
		}
	}
	return stats, nil
}

// CreateInstance persists a new instance mirror.
func (s *MemoryStore) CreateInstance(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}
	s.instances[inst.ID] = inst
	if inst.ProcessInstanceID != "" {
		s.byProcessID[inst.ProcessInstanceID] = inst.ID
	}
	return nil
}

// GetInstance retrieves an instance by its local ID.
func (s *MemoryStore) GetInstance(_ context.Context, id string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[id]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", id),
		)
	}
	return inst, nil
}

// GetInstanceByProcessID retrieves an instance by its remote process
// instance ID.
func (s *MemoryStore) GetInstanceByProcessID(_ context.Context, processInstanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byProcessID[processInstanceID]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("no instance mirrors process instance %q", processInstanceID),
		)
	}
	return s.instances[id], nil
}

// UpdateInstance persists an updated instance with optimistic locking.
func (s *MemoryStore) UpdateInstance(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}

	// Optimistic lock check.
	if existing.RecordVersion != inst.RecordVersion {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)",
				inst.ID, inst.RecordVersion, existing.RecordVersion),
		)
	}

	inst.RecordVersion++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = inst
	return nil
}

// ListInstances returns instances matching the filters, newest first.
func (s *MemoryStore) ListInstances(_ context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keyToID := make(map[string]string)
	if filters.ProcessDefinitionKey != "" {
		for _, def := range s.definitions {
			keyToID[def.ProcessDefinitionKey] = def.ID
		}
	}

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		if filters.ProcessDefinitionKey != "" && inst.DefinitionID != keyToID[filters.ProcessDefinitionKey] {
			continue
		}
		result = append(result, inst)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowInstance{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// CountInstancesByStatus returns instance counts grouped by status.
func (s *MemoryStore) CountInstancesByStatus(_ context.Context) (model.InstanceStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := model.InstanceStatistics{
		Total:    len(s.instances),
		ByStatus: make(map[model.InstanceStatus]int),
	}
	for _, inst := range s.instances {
		stats.ByStatus[inst.Status]++
	}
	return stats, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
