// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

// Package store defines the persistence contract of the mirroring engines.
// Sessions own their resources, edges and templates; deleting a session
// cascades to everything it owns.
package store

import (
	"context"
	"errors"

	"github.com/azure/azure-mirror/pkg/mirror"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

// Store is the transactional state store behind discovery and deployment.
// JSON-typed fields are opaque documents to the store.
type Store interface {
	// Discovery sessions

	CreateDiscoverySession(ctx context.Context, session *mirror.DiscoverySession) error
	UpdateDiscoverySession(ctx context.Context, session *mirror.DiscoverySession) error
	GetDiscoverySession(ctx context.Context, id string) (*mirror.DiscoverySession, error)
	// LatestCompletedDiscovery returns the most recent completed session for
	// a connection, or ErrNotFound.
	LatestCompletedDiscovery(ctx context.Context, connectionId string) (*mirror.DiscoverySession, error)
	DeleteDiscoverySession(ctx context.Context, id string) error

	// Resources and edges

	// SaveResources upserts a batch of resources in one transaction.
	SaveResources(ctx context.Context, resources []*mirror.Resource) error
	UpdateResources(ctx context.Context, resources []*mirror.Resource) error
	// ResourcesBySession returns the session's resources ordered by ascending
	// dependency level, then id.
	ResourcesBySession(ctx context.Context, sessionId string) ([]*mirror.Resource, error)
	// ReplaceEdges replaces the session's edge set in one transaction.
	ReplaceEdges(ctx context.Context, sessionId string, edges []*mirror.ResourceEdge) error
	EdgesBySession(ctx context.Context, sessionId string) ([]*mirror.ResourceEdge, error)

	// Deployment sessions and templates

	CreateDeploymentSession(ctx context.Context, session *mirror.DeploymentSession) error
	UpdateDeploymentSession(ctx context.Context, session *mirror.DeploymentSession) error
	GetDeploymentSession(ctx context.Context, id string) (*mirror.DeploymentSession, error)

	SaveTemplates(ctx context.Context, templates []*mirror.TemplateDeployment) error
	UpdateTemplate(ctx context.Context, template *mirror.TemplateDeployment) error
	GetTemplate(ctx context.Context, id string) (*mirror.TemplateDeployment, error)
	// TemplatesBySession returns the session's templates ordered by ascending
	// dependency level, then name.
	TemplatesBySession(ctx context.Context, sessionId string) ([]*mirror.TemplateDeployment, error)
}
