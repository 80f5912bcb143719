// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/azure/azure-mirror/pkg/mirror"
	"github.com/azure/azure-mirror/pkg/store"
	"github.com/jmoiron/sqlx"
)

// Store is the PostgreSQL-backed state store. All multi-row writes run in a
// single transaction.
type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// discoverySessionRow adds the serialized filters column to the entity.
type discoverySessionRow struct {
	mirror.DiscoverySession
	FiltersJson []byte `db:"filters"`
}

func (s *Store) CreateDiscoverySession(ctx context.Context, session *mirror.DiscoverySession) error {
	row, err := discoveryRowFrom(session)
	if err != nil {
		return err
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO discovery_sessions (
			id, name, connection_id, source_subscription_id, target_subscription_id,
			filters, status, started_at, completed_at, total_discovered, processed, error_message)
		VALUES (
			:id, :name, :connection_id, :source_subscription_id, :target_subscription_id,
			:filters, :status, :started_at, :completed_at, :total_discovered, :processed, :error_message)`,
		row)
	if err != nil {
		return fmt.Errorf("inserting discovery session: %w", err)
	}

	return nil
}

func (s *Store) UpdateDiscoverySession(ctx context.Context, session *mirror.DiscoverySession) error {
	row, err := discoveryRowFrom(session)
	if err != nil {
		return err
	}

	result, err := s.db.NamedExecContext(ctx, `
		UPDATE discovery_sessions SET
			name = :name,
			status = :status,
			completed_at = :completed_at,
			total_discovered = :total_discovered,
			processed = :processed,
			error_message = :error_message
		WHERE id = :id`,
		row)
	if err != nil {
		return fmt.Errorf("updating discovery session: %w", err)
	}

	return requireRow(result)
}

func (s *Store) GetDiscoverySession(ctx context.Context, id string) (*mirror.DiscoverySession, error) {
	var row discoverySessionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM discovery_sessions WHERE id = $1`, id)
	if err != nil {
		return nil, mapNotFound("getting discovery session", err)
	}

	return discoverySessionFrom(&row)
}

func (s *Store) LatestCompletedDiscovery(ctx context.Context, connectionId string) (*mirror.DiscoverySession, error) {
	var row discoverySessionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM discovery_sessions
		WHERE connection_id = $1 AND status = $2
		ORDER BY started_at DESC
		LIMIT 1`,
		connectionId, mirror.DiscoveryStatusCompleted)
	if err != nil {
		return nil, mapNotFound("getting latest completed discovery", err)
	}

	return discoverySessionFrom(&row)
}

func (s *Store) DeleteDiscoverySession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM discovery_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting discovery session: %w", err)
	}

	return requireRow(result)
}

func (s *Store) SaveResources(ctx context.Context, resources []*mirror.Resource) error {
	if len(resources) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO resources (
				id, session_id, azure_id, name, type, resource_group, subscription_id,
				location, kind, sku, identity, plan, properties, tags, api_version,
				parent_id, dependency_level, status, discovered_at)
			VALUES (
				:id, :session_id, :azure_id, :name, :type, :resource_group, :subscription_id,
				:location, :kind, :sku, :identity, :plan, :properties, :tags, :api_version,
				:parent_id, :dependency_level, :status, :discovered_at)
			ON CONFLICT (id) DO UPDATE SET
				properties = EXCLUDED.properties,
				tags = EXCLUDED.tags,
				api_version = EXCLUDED.api_version,
				dependency_level = EXCLUDED.dependency_level,
				status = EXCLUDED.status`,
			resources)
		if err != nil {
			return fmt.Errorf("upserting resources: %w", err)
		}

		return nil
	})
}

func (s *Store) UpdateResources(ctx context.Context, resources []*mirror.Resource) error {
	if len(resources) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, resource := range resources {
			result, err := tx.NamedExecContext(ctx, `
				UPDATE resources SET
					api_version = :api_version,
					parent_id = :parent_id,
					dependency_level = :dependency_level,
					status = :status
				WHERE id = :id`,
				resource)
			if err != nil {
				return fmt.Errorf("updating resource '%s': %w", resource.Id, err)
			}

			if err := requireRow(result); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *Store) ResourcesBySession(ctx context.Context, sessionId string) ([]*mirror.Resource, error) {
	resources := []*mirror.Resource{}
	err := s.db.SelectContext(ctx, &resources, `
		SELECT * FROM resources
		WHERE session_id = $1
		ORDER BY dependency_level, id`,
		sessionId)
	if err != nil {
		return nil, fmt.Errorf("selecting resources: %w", err)
	}

	return resources, nil
}

// edgeRow adds the owning session to the edge entity.
type edgeRow struct {
	mirror.ResourceEdge
	SessionId string `db:"session_id"`
}

func (s *Store) ReplaceEdges(ctx context.Context, sessionId string, edges []*mirror.ResourceEdge) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM resource_edges WHERE session_id = $1`, sessionId); err != nil {
			return fmt.Errorf("clearing edges: %w", err)
		}

		if len(edges) == 0 {
			return nil
		}

		rows := make([]edgeRow, 0, len(edges))
		for _, edge := range edges {
			rows = append(rows, edgeRow{ResourceEdge: *edge, SessionId: sessionId})
		}

		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO resource_edges (id, session_id, source_id, target_id, type, required)
			VALUES (:id, :session_id, :source_id, :target_id, :type, :required)`,
			rows); err != nil {
			return fmt.Errorf("inserting edges: %w", err)
		}

		return nil
	})
}

func (s *Store) EdgesBySession(ctx context.Context, sessionId string) ([]*mirror.ResourceEdge, error) {
	edges := []*mirror.ResourceEdge{}
	err := s.db.SelectContext(ctx, &edges, `
		SELECT id, source_id, target_id, type, required
		FROM resource_edges
		WHERE session_id = $1
		ORDER BY id`,
		sessionId)
	if err != nil {
		return nil, fmt.Errorf("selecting edges: %w", err)
	}

	return edges, nil
}

// deploymentSessionRow adds the serialized outputs column to the entity.
type deploymentSessionRow struct {
	mirror.DeploymentSession
	OutputsJson []byte `db:"outputs"`
}

func (s *Store) CreateDeploymentSession(ctx context.Context, session *mirror.DeploymentSession) error {
	row, err := deploymentRowFrom(session)
	if err != nil {
		return err
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO deployment_sessions (
			id, name, discovery_session_id, target_subscription_id, target_resource_group,
			mode, status, started_at, completed_at, total_templates, deployed, failed,
			error_message, outputs)
		VALUES (
			:id, :name, :discovery_session_id, :target_subscription_id, :target_resource_group,
			:mode, :status, :started_at, :completed_at, :total_templates, :deployed, :failed,
			:error_message, :outputs)`,
		row)
	if err != nil {
		return fmt.Errorf("inserting deployment session: %w", err)
	}

	return nil
}

func (s *Store) UpdateDeploymentSession(ctx context.Context, session *mirror.DeploymentSession) error {
	row, err := deploymentRowFrom(session)
	if err != nil {
		return err
	}

	result, err := s.db.NamedExecContext(ctx, `
		UPDATE deployment_sessions SET
			status = :status,
			completed_at = :completed_at,
			total_templates = :total_templates,
			deployed = :deployed,
			failed = :failed,
			error_message = :error_message,
			outputs = :outputs
		WHERE id = :id`,
		row)
	if err != nil {
		return fmt.Errorf("updating deployment session: %w", err)
	}

	return requireRow(result)
}

func (s *Store) GetDeploymentSession(ctx context.Context, id string) (*mirror.DeploymentSession, error) {
	var row deploymentSessionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM deployment_sessions WHERE id = $1`, id)
	if err != nil {
		return nil, mapNotFound("getting deployment session", err)
	}

	return deploymentSessionFrom(&row)
}

func (s *Store) SaveTemplates(ctx context.Context, templates []*mirror.TemplateDeployment) error {
	if len(templates) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO template_deployments (
				id, deployment_session_id, name, resource_group, template_content,
				parameters_content, cloud_deployment_name, status, dependency_level,
				created_at, validated_at, deployed_at, validation_json, deployment_json,
				error_message)
			VALUES (
				:id, :deployment_session_id, :name, :resource_group, :template_content,
				:parameters_content, :cloud_deployment_name, :status, :dependency_level,
				:created_at, :validated_at, :deployed_at, :validation_json, :deployment_json,
				:error_message)`,
			templates)
		if err != nil {
			return fmt.Errorf("inserting templates: %w", err)
		}

		return nil
	})
}

func (s *Store) UpdateTemplate(ctx context.Context, template *mirror.TemplateDeployment) error {
	result, err := s.db.NamedExecContext(ctx, `
		UPDATE template_deployments SET
			cloud_deployment_name = :cloud_deployment_name,
			status = :status,
			validated_at = :validated_at,
			deployed_at = :deployed_at,
			validation_json = :validation_json,
			deployment_json = :deployment_json,
			error_message = :error_message
		WHERE id = :id`,
		template)
	if err != nil {
		return fmt.Errorf("updating template: %w", err)
	}

	return requireRow(result)
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*mirror.TemplateDeployment, error) {
	var template mirror.TemplateDeployment
	err := s.db.GetContext(ctx, &template, `SELECT * FROM template_deployments WHERE id = $1`, id)
	if err != nil {
		return nil, mapNotFound("getting template", err)
	}

	return &template, nil
}

func (s *Store) TemplatesBySession(ctx context.Context, sessionId string) ([]*mirror.TemplateDeployment, error) {
	templates := []*mirror.TemplateDeployment{}
	err := s.db.SelectContext(ctx, &templates, `
		SELECT * FROM template_deployments
		WHERE deployment_session_id = $1
		ORDER BY dependency_level, name`,
		sessionId)
	if err != nil {
		return nil, fmt.Errorf("selecting templates: %w", err)
	}

	return templates, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return errors.Join(err, rollbackErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func discoveryRowFrom(session *mirror.DiscoverySession) (*discoverySessionRow, error) {
	filters, err := json.Marshal(session.Filters)
	if err != nil {
		return nil, fmt.Errorf("marshaling filters: %w", err)
	}

	return &discoverySessionRow{DiscoverySession: *session, FiltersJson: filters}, nil
}

func discoverySessionFrom(row *discoverySessionRow) (*mirror.DiscoverySession, error) {
	session := row.DiscoverySession
	if len(row.FiltersJson) > 0 {
		if err := json.Unmarshal(row.FiltersJson, &session.Filters); err != nil {
			return nil, fmt.Errorf("parsing filters: %w", err)
		}
	}

	return &session, nil
}

func deploymentRowFrom(session *mirror.DeploymentSession) (*deploymentSessionRow, error) {
	outputs, err := json.Marshal(session.Outputs)
	if err != nil {
		return nil, fmt.Errorf("marshaling outputs: %w", err)
	}

	return &deploymentSessionRow{DeploymentSession: *session, OutputsJson: outputs}, nil
}

func deploymentSessionFrom(row *deploymentSessionRow) (*mirror.DeploymentSession, error) {
	session := row.DeploymentSession
	if len(row.OutputsJson) > 0 {
		if err := json.Unmarshal(row.OutputsJson, &session.Outputs); err != nil {
			return nil, fmt.Errorf("parsing outputs: %w", err)
		}
	}

	return &session, nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	return nil
}

func mapNotFound(operation string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}

	return fmt.Errorf("%s: %w", operation, err)
}
