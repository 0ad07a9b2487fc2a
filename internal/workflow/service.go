package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/korir254/flowgate/internal/engine"
	"github.com/korir254/flowgate/internal/observability"
	"github.com/korir254/flowgate/model"
)

// EngineClient is the slice of the engine client the orchestrator needs.
type EngineClient interface {
	DeployProcess(ctx context.Context, deploymentName, fileName string, bpmnXML []byte) (*engine.DeploymentResult, error)
	StartProcess(ctx context.Context, key string, req engine.StartProcessRequest) (*engine.ProcessInstanceState, error)
	ProcessInstance(ctx context.Context, processInstanceID string) (*engine.ProcessInstanceState, error)
	ProcessVariables(ctx context.Context, processInstanceID string) (model.Variables, error)
	SetVariables(ctx context.Context, processInstanceID string, vars model.Variables) error
	ActiveTasks(ctx context.Context, processInstanceID string) ([]model.UserTask, error)
	CompleteUserTask(ctx context.Context, taskID string, vars model.Variables) error
}

// DeployRequest carries the inputs for deploying a workflow definition.
type DeployRequest struct {
	ProcessDefinitionKey string         `json:"process_definition_key"`
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	BPMNXml              string         `json:"bpmn_xml"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// StartRequest carries the inputs for starting a workflow instance.
type StartRequest struct {
	ProcessDefinitionKey string          `json:"process_definition_key"`
	BusinessKey          string          `json:"business_key,omitempty"`
	InitiatedBy          string          `json:"initiated_by,omitempty"`
	Variables            model.Variables `json:"variables,omitempty"`
	Metadata             map[string]any  `json:"metadata,omitempty"`
}

// Service orchestrates workflow operations across the remote engine and the
// local store. Every write follows remote-first ordering: the engine call
// happens before the local mirror is touched, so a failed engine call never
// leaves a local record for a remote object that does not exist.
type Service struct {
	store      Store
	engine     EngineClient
	reconciler *Reconciler
	log        *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewService creates a Service.
func NewService(store Store, client EngineClient, log *zap.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:   store,
		engine:  client,
		log:     log,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Deploy pushes a BPMN definition to the engine and upserts the local
// definition record. Redeploying an existing key increments the local
// version in place; there is always at most one record per key.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (model.WorkflowDefinition, error) {
	if req.ProcessDefinitionKey == "" {
		return model.WorkflowDefinition{}, model.NewValidationError("process_definition_key is required")
	}
	if req.BPMNXml == "" {
		return model.WorkflowDefinition{}, model.NewValidationError("bpmn_xml is required")
	}

	fileName := req.ProcessDefinitionKey + ".bpmn"
	deployment, err := s.engine.DeployProcess(ctx, req.ProcessDefinitionKey, fileName, []byte(req.BPMNXml))
	if err != nil {
		s.metrics.RecordDeployment(req.ProcessDefinitionKey, "error")
		return model.WorkflowDefinition{}, fmt.Errorf("deploying %s: %w", req.ProcessDefinitionKey, err)
	}

	now := s.now()
	existing, err := s.store.GetDefinitionByKey(ctx, req.ProcessDefinitionKey)
	switch {
	case err == nil:
		existing.Name = req.Name
		existing.Description = req.Description
		existing.Version++
		existing.BPMNXml = req.BPMNXml
		existing.DeploymentID = deployment.ID
		existing.IsActive = true
		if req.Metadata != nil {
			existing.Metadata = req.Metadata
		}
		if err := s.store.UpdateDefinition(ctx, existing); err != nil {
			return model.WorkflowDefinition{}, fmt.Errorf("updating definition %s: %w", req.ProcessDefinitionKey, err)
		}
		s.metrics.RecordDeployment(req.ProcessDefinitionKey, "updated")
		s.log.Info("definition redeployed",
			zap.String("process_key", req.ProcessDefinitionKey),
			zap.Int("version", existing.Version),
			zap.String("deployment_id", deployment.ID),
		)
		return existing, nil

	case model.IsNotFound(err):
		def := model.WorkflowDefinition{
			ID:                   uuid.NewString(),
			ProcessDefinitionKey: req.ProcessDefinitionKey,
			Name:                 req.Name,
			Description:          req.Description,
			Version:              1,
			BPMNXml:              req.BPMNXml,
			DeploymentID:         deployment.ID,
			IsActive:             true,
			Metadata:             req.Metadata,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := s.store.CreateDefinition(ctx, def); err != nil {
			return model.WorkflowDefinition{}, fmt.Errorf("creating definition %s: %w", req.ProcessDefinitionKey, err)
		}
		s.metrics.RecordDeployment(req.ProcessDefinitionKey, "created")
		s.log.Info("definition deployed",
			zap.String("process_key", req.ProcessDefinitionKey),
			zap.String("deployment_id", deployment.ID),
		)
		return def, nil

	default:
		return model.WorkflowDefinition{}, fmt.Errorf("loading definition %s: %w", req.ProcessDefinitionKey, err)
	}
}

// StartInstance starts a remote process instance and creates its local
// mirror. The definition must exist locally and be active.
func (s *Service) StartInstance(ctx context.Context, req StartRequest) (model.WorkflowInstance, error) {
	if req.ProcessDefinitionKey == "" {
		return model.WorkflowInstance{}, model.NewValidationError("process_definition_key is required")
	}

	def, err := s.store.GetDefinitionByKey(ctx, req.ProcessDefinitionKey)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !def.IsActive {
		return model.WorkflowInstance{}, model.NewBadRequestError(
			fmt.Sprintf("definition %q is deactivated", req.ProcessDefinitionKey),
		)
	}

	state, err := s.engine.StartProcess(ctx, req.ProcessDefinitionKey, engine.StartProcessRequest{
		BusinessKey: req.BusinessKey,
		Variables:   req.Variables,
	})
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("starting %s: %w", req.ProcessDefinitionKey, err)
	}

	now := s.now()
	inst := model.WorkflowInstance{
		ID:                uuid.NewString(),
		ProcessInstanceID: state.ID,
		DefinitionID:      def.ID,
		Status:            model.StatusActive,
		BusinessKey:       req.BusinessKey,
		InitiatedBy:       req.InitiatedBy,
		Variables:         req.Variables,
		Metadata:          req.Metadata,
		StartedAt:         now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateInstance(ctx, inst); err != nil {
		// The remote instance exists but has no local mirror. There is no
		// compensation path; the reconciler cannot recover it either, so
		// the process instance ID must appear in the log for manual repair.
		s.log.Error("instance started remotely but local mirror failed",
			zap.String("process_instance_id", state.ID),
			zap.String("process_key", req.ProcessDefinitionKey),
			zap.Error(err),
		)
		return model.WorkflowInstance{}, fmt.Errorf("persisting instance mirror: %w", err)
	}

	s.metrics.RecordInstanceStart(req.ProcessDefinitionKey)
	s.log.Info("instance started",
		zap.String("process_key", req.ProcessDefinitionKey),
		zap.String("process_instance_id", state.ID),
		zap.String("instance_id", inst.ID),
	)
	return inst, nil
}

// AttachReconciler enables reconcile-on-read: instance reads refresh the
// mirrored status against the engine before returning.
func (s *Service) AttachReconciler(r *Reconciler) {
	s.reconciler = r
}

// GetInstance returns a locally mirrored instance, reconciled against the
// engine when a reconciler is attached.
func (s *Service) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return s.freshen(ctx, inst), nil
}

// GetInstanceByProcessID returns the mirror for a remote process instance ID,
// reconciled against the engine when a reconciler is attached.
func (s *Service) GetInstanceByProcessID(ctx context.Context, processInstanceID string) (model.WorkflowInstance, error) {
	inst, err := s.store.GetInstanceByProcessID(ctx, processInstanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return s.freshen(ctx, inst), nil
}

// freshen reconciles a non-terminal instance before a read returns it.
// Reconciliation failures never propagate to the read path; the stored state
// is returned unchanged.
func (s *Service) freshen(ctx context.Context, inst model.WorkflowInstance) model.WorkflowInstance {
	if s.reconciler == nil || inst.Status.Terminal() {
		return inst
	}
	if err := s.reconciler.ReconcileInstance(ctx, inst); err != nil {
		return inst
	}
	fresh, err := s.store.GetInstance(ctx, inst.ID)
	if err != nil {
		return inst
	}
	return fresh
}

// ListInstances returns locally mirrored instances matching the filters.
func (s *Service) ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, model.NewValidationError(fmt.Sprintf("unknown status %q", filters.Status))
	}
	return s.store.ListInstances(ctx, filters)
}

// ListDefinitions returns all locally stored definitions.
func (s *Service) ListDefinitions(ctx context.Context) ([]model.WorkflowDefinition, error) {
	return s.store.ListDefinitions(ctx)
}

// GetDefinition returns the definition for a process definition key.
func (s *Service) GetDefinition(ctx context.Context, key string) (model.WorkflowDefinition, error) {
	return s.store.GetDefinitionByKey(ctx, key)
}

// DeactivateDefinition marks a definition inactive locally, blocking new
// starts. The engine deployment is untouched; running instances continue.
func (s *Service) DeactivateDefinition(ctx context.Context, key string) (model.WorkflowDefinition, error) {
	def, err := s.store.GetDefinitionByKey(ctx, key)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	if !def.IsActive {
		return def, nil
	}
	def.IsActive = false
	if err := s.store.UpdateDefinition(ctx, def); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("deactivating definition %s: %w", key, err)
	}
	s.log.Info("definition deactivated", zap.String("process_key", key))
	return def, nil
}

// InstanceVariables returns the instance's variables from the engine. When
// the remote instance is gone (historically ended), the local mirror's last
// known variables are returned instead.
func (s *Service) InstanceVariables(ctx context.Context, id string) (model.Variables, error) {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	vars, err := s.engine.ProcessVariables(ctx, inst.ProcessInstanceID)
	if model.IsNotFound(err) {
		return inst.Variables, nil
	}
	if err != nil {
		return nil, err
	}
	return vars, nil
}

// maxMergeAttempts bounds the CAS retry loop when persisting merged
// variables against concurrent reconciler writes.
const maxMergeAttempts = 3

// UpdateVariables writes variables to the running remote instance first,
// then merges them into the local mirror. A remote failure aborts the
// operation without touching the mirror.
func (s *Service) UpdateVariables(ctx context.Context, id string, patch model.Variables) (model.WorkflowInstance, error) {
	if len(patch) == 0 {
		return model.WorkflowInstance{}, model.NewValidationError("no variables provided")
	}

	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	if err := s.engine.SetVariables(ctx, inst.ProcessInstanceID, patch); err != nil {
		s.metrics.RecordVariableUpdate("error")
		return model.WorkflowInstance{}, fmt.Errorf("setting variables on %s: %w", inst.ProcessInstanceID, err)
	}

	for attempt := 0; ; attempt++ {
		inst.Variables = inst.Variables.Merge(patch)
		err := s.store.UpdateInstance(ctx, inst)
		if err == nil {
			break
		}
		if !model.IsConflict(err) || attempt == maxMergeAttempts-1 {
			s.metrics.RecordVariableUpdate("error")
			return model.WorkflowInstance{}, fmt.Errorf("persisting merged variables: %w", err)
		}
		// Another writer moved the record; re-read and re-merge.
		inst, err = s.store.GetInstance(ctx, id)
		if err != nil {
			s.metrics.RecordVariableUpdate("error")
			return model.WorkflowInstance{}, err
		}
	}

	s.metrics.RecordVariableUpdate("ok")
	return s.store.GetInstance(ctx, id)
}

// ActiveTasks lists the open engine user tasks of an instance.
func (s *Service) ActiveTasks(ctx context.Context, id string) ([]model.UserTask, error) {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.engine.ActiveTasks(ctx, inst.ProcessInstanceID)
}

// CompleteUserTask completes an engine user task belonging to an instance.
func (s *Service) CompleteUserTask(ctx context.Context, id, taskID string, vars model.Variables) error {
	if _, err := s.store.GetInstance(ctx, id); err != nil {
		return err
	}
	if err := s.engine.CompleteUserTask(ctx, taskID, vars); err != nil {
		return fmt.Errorf("completing task %s: %w", taskID, err)
	}
	return nil
}

// Statistics summarizes local definition and instance counts.
func (s *Service) Statistics(ctx context.Context) (model.Statistics, error) {
	defs, err := s.store.CountDefinitions(ctx)
	if err != nil {
		return model.Statistics{}, err
	}
	insts, err := s.store.CountInstancesByStatus(ctx)
	if err != nil {
		return model.Statistics{}, err
	}
	return model.Statistics{Definitions: defs, Instances: insts}, nil
}
