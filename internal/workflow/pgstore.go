package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/korir254/flowgate/model"
)

// Schema holds the DDL for the Postgres store. Applied by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	id                     TEXT PRIMARY KEY,
	process_definition_key TEXT NOT NULL UNIQUE,
	name                   TEXT NOT NULL,
	description            TEXT NOT NULL DEFAULT '',
	version                INTEGER NOT NULL,
	bpmn_xml               TEXT NOT NULL,
	deployment_id          TEXT NOT NULL,
	is_active              BOOLEAN NOT NULL DEFAULT TRUE,
	metadata               JSONB,
	created_at             TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_instances (
	id                  TEXT PRIMARY KEY,
	process_instance_id TEXT NOT NULL UNIQUE,
	definition_id       TEXT NOT NULL REFERENCES workflow_definitions(id),
	status              TEXT NOT NULL,
	business_key        TEXT NOT NULL DEFAULT '',
	initiated_by        TEXT NOT NULL DEFAULT '',
	variables           JSONB,
	metadata            JSONB,
	started_at          TIMESTAMPTZ NOT NULL,
	ended_at            TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	record_version      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_workflow_instances_status ON workflow_instances(status);
CREATE INDEX IF NOT EXISTS idx_workflow_instances_definition ON workflow_instances(definition_id);
`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate applies the schema.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateDefinition inserts a new definition record.
func (s *PgStore) CreateDefinition(ctx context.Context, def model.WorkflowDefinition) error {
	metaJSON, err := json.Marshal(def.Metadata)
	if err != nil {
		return fmt.Errorf("marshal definition metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (
			id, process_definition_key, name, description, version,
			bpmn_xml, deployment_id, is_active, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		def.ID, def.ProcessDefinitionKey, def.Name, def.Description, def.Version,
		def.BPMNXml, def.DeploymentID, def.IsActive, metaJSON, def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow definition: %w", err)
	}
	return nil
}

// GetDefinitionByKey retrieves the definition for a process definition key.
func (s *PgStore) GetDefinitionByKey(ctx context.Context, key string) (model.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, process_definition_key, name, description, version,
		       bpmn_xml, deployment_id, is_active, metadata, created_at, updated_at
		FROM workflow_definitions
		WHERE process_definition_key = $1`,
		key,
	)
	def, err := scanDefinition(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("definition for process key %q not found", key),
		)
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("query workflow definition: %w", err)
	}
	return def, nil
}

// UpdateDefinition replaces an existing definition record.
func (s *PgStore) UpdateDefinition(ctx context.Context, def model.WorkflowDefinition) error {
	metaJSON, err := json.Marshal(def.Metadata)
	if err != nil {
		return fmt.Errorf("marshal definition metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_definitions SET
			name = $1,
			description = $2,
			version = $3,
			bpmn_xml = $4,
			deployment_id = $5,
			is_active = $6,
			metadata = $7,
			updated_at = $8
		WHERE id = $9`,
		def.Name, def.Description, def.Version, def.BPMNXml,
		def.DeploymentID, def.IsActive, metaJSON, time.Now().UTC(),
		def.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("definition %q not found", def.ID),
		)
	}
	return nil
}

// ListDefinitions returns all definition records, newest first.
func (s *PgStore) ListDefinitions(ctx context.Context) ([]model.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, process_definition_key, name, description, version,
		       bpmn_xml, deployment_id, is_active, metadata, created_at, updated_at
		FROM workflow_definitions
		ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// CountDefinitions returns definition counts by activation state.
func (s *PgStore) CountDefinitions(ctx context.Context) (model.DefinitionStatistics, error) {
	var stats model.DefinitionStatistics
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_active),
		       COUNT(*) FILTER (WHERE NOT is_active)
		FROM workflow_definitions`,
	).Scan(&stats.Total, &stats.Active, &stats.Inactive)
	if err != nil {
		return model.DefinitionStatistics{}, fmt.Errorf("count workflow definitions: %w", err)
	}
	return stats, nil
}

// CreateInstance inserts a new instance mirror.
func (s *PgStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	varsJSON, metaJSON, err := marshalInstanceJSON(inst)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, process_instance_id, definition_id, status, business_key,
			initiated_by, variables, metadata, started_at, ended_at,
			created_at, updated_at, record_version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		inst.ID, inst.ProcessInstanceID, inst.DefinitionID, inst.Status, inst.BusinessKey,
		inst.InitiatedBy, varsJSON, metaJSON, inst.StartedAt, inst.EndedAt,
		inst.CreatedAt, inst.UpdatedAt, inst.RecordVersion,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by its local ID.
func (s *PgStore) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, instanceSelect+` WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", id),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// GetInstanceByProcessID retrieves an instance by its remote process
// instance ID.
func (s *PgStore) GetInstanceByProcessID(ctx context.Context, processInstanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, instanceSelect+` WHERE process_instance_id = $1`, processInstanceID)
	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("no instance mirrors process instance %q", processInstanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance persists an updated instance with optimistic locking.
func (s *PgStore) UpdateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	varsJSON, metaJSON, err := marshalInstanceJSON(inst)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			status = $1,
			variables = $2,
			metadata = $3,
			ended_at = $4,
			record_version = $5,
			updated_at = $6
		WHERE id = $7 AND record_version = $8`,
		inst.Status, varsJSON, metaJSON, inst.EndedAt, inst.RecordVersion+1,
		time.Now().UTC(),
		inst.ID, inst.RecordVersion,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.RecordVersion),
		)
	}
	return nil
}

// ListInstances returns instances matching the filters, newest first.
func (s *PgStore) ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	query := instanceSelect + ` WHERE 1=1`
	var args []any
	argIdx := 1

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.ProcessDefinitionKey != "" {
		query += fmt.Sprintf(
			" AND definition_id IN (SELECT id FROM workflow_definitions WHERE process_definition_key = $%d)",
			argIdx,
		)
		args = append(args, filters.ProcessDefinitionKey)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// CountInstancesByStatus returns instance counts grouped by status.
func (s *PgStore) CountInstancesByStatus(ctx context.Context) (model.InstanceStatistics, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM workflow_instances
		GROUP BY status`,
	)
	if err != nil {
		return model.InstanceStatistics{}, fmt.Errorf("count workflow instances: %w", err)
	}
	defer rows.Close()

	stats := model.InstanceStatistics{ByStatus: make(map[model.InstanceStatus]int)}
	for rows.Next() {
		var status model.InstanceStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return model.InstanceStatistics{}, fmt.Errorf("scan instance count: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const instanceSelect = `
	SELECT id, process_instance_id, definition_id, status, business_key,
	       initiated_by, variables, metadata, started_at, ended_at,
	       created_at, updated_at, record_version
	FROM workflow_instances`

func marshalInstanceJSON(inst model.WorkflowInstance) (varsJSON, metaJSON []byte, err error) {
	varsJSON, err = json.Marshal(inst.Variables)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal instance variables: %w", err)
	}
	metaJSON, err = json.Marshal(inst.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal instance metadata: %w", err)
	}
	return varsJSON, metaJSON, nil
}

func scanDefinition(row pgx.Row) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	var metaJSON []byte
	err := row.Scan(
		&def.ID, &def.ProcessDefinitionKey, &def.Name, &def.Description, &def.Version,
		&def.BPMNXml, &def.DeploymentID, &def.IsActive, &metaJSON, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	if metaJSON != nil {
		_ = json.Unmarshal(metaJSON, &def.Metadata)
	}
	return def, nil
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var varsJSON, metaJSON []byte
	err := row.Scan(
		&inst.ID, &inst.ProcessInstanceID, &inst.DefinitionID, &inst.Status, &inst.BusinessKey,
		&inst.InitiatedBy, &varsJSON, &metaJSON, &inst.StartedAt, &inst.EndedAt,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.RecordVersion,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if varsJSON != nil {
		_ = json.Unmarshal(varsJSON, &inst.Variables)
	}
	if metaJSON != nil {
		_ = json.Unmarshal(metaJSON, &inst.Metadata)
	}
	return inst, nil
}
