// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/azure/azure-mirror/pkg/azapi"
	"github.com/azure/azure-mirror/pkg/convert"
	"github.com/azure/azure-mirror/pkg/mirror"
	"github.com/azure/azure-mirror/pkg/store"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// GraphClient pages through resource graph query results.
type GraphClient interface {
	QueryResources(
		ctx context.Context,
		subscriptionId string,
		filters mirror.DiscoveryFilters,
		skipToken *string,
	) ([]*azapi.GraphResource, *string, error)
}

// ApiVersionResolver resolves the API version for a resource type in a
// region, returning an empty version when the region does not support the
// type.
type ApiVersionResolver interface {
	ApiVersionForType(
		ctx context.Context,
		subscriptionId string,
		providerNamespace string,
		resourceType string,
		location string,
	) (string, error)
}

// Engine orchestrates a discovery run: enumeration, enrichment, persistence,
// dependency analysis and leveling.
type Engine struct {
	graph    GraphClient
	versions ApiVersionResolver
	store    store.Store
	analyzer *Analyzer
	clock    clock.Clock
	options  mirror.Options
	logger   *slog.Logger
}

func NewEngine(
	graph GraphClient,
	versions ApiVersionResolver,
	entityStore store.Store,
	analyzer *Analyzer,
	clk clock.Clock,
	options mirror.Options,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		graph:    graph,
		versions: versions,
		store:    entityStore,
		analyzer: analyzer,
		clock:    clk,
		options:  options.WithDefaults(),
		logger:   logger,
	}
}

// StartRequest describes a new discovery session.
type StartRequest struct {
	Name                 string
	ConnectionId         string
	SourceSubscriptionId string
	TargetSubscriptionId string
	Filters              mirror.DiscoveryFilters
}

// CreateSession persists a new discovery session. The session is processed
// by Run, typically via the resource-discovery queue.
func (e *Engine) CreateSession(ctx context.Context, request StartRequest) (*mirror.DiscoverySession, error) {
	session := &mirror.DiscoverySession{
		Id:                   uuid.NewString(),
		Name:                 request.Name,
		ConnectionId:         request.ConnectionId,
		SourceSubscriptionId: request.SourceSubscriptionId,
		TargetSubscriptionId: request.TargetSubscriptionId,
		Filters:              request.Filters,
		Status:               mirror.DiscoveryStatusInProgress,
		StartedAt:            e.clock.Now(),
	}

	if err := e.store.CreateDiscoverySession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating discovery session: %w", err)
	}

	return session, nil
}

// GetExistingDiscovery returns the most recent completed discovery snapshot
// for a connection, letting callers skip rediscovery.
func (e *Engine) GetExistingDiscovery(
	ctx context.Context,
	connectionId string,
) (*mirror.DiscoverySession, []*mirror.Resource, error) {
	session, err := e.store.LatestCompletedDiscovery(ctx, connectionId)
	if err != nil {
		return nil, nil, err
	}

	resources, err := e.store.ResourcesBySession(ctx, session.Id)
	if err != nil {
		return nil, nil, err
	}

	return session, resources, nil
}

// Run executes the discovery pipeline for the session. Any failure marks the
// session Failed with the error message; enrichment failures for individual
// resources only log.
func (e *Engine) Run(ctx context.Context, sessionId string) error {
	session, err := e.store.GetDiscoverySession(ctx, sessionId)
	if err != nil {
		return fmt.Errorf("loading discovery session '%s': %w", sessionId, err)
	}

	session.Status = mirror.DiscoveryStatusInProgress
	if err := e.store.UpdateDiscoverySession(ctx, session); err != nil {
		return fmt.Errorf("updating discovery session: %w", err)
	}

	if err := e.run(ctx, session); err != nil {
		session.Status = mirror.DiscoveryStatusFailed
		session.ErrorMessage = err.Error()
		if updateErr := e.store.UpdateDiscoverySession(ctx, session); updateErr != nil {
			e.logger.Error("persisting failed discovery session", "sessionId", session.Id, "error", updateErr)
		}
		return err
	}

	return nil
}

func (e *Engine) run(ctx context.Context, session *mirror.DiscoverySession) error {
	resources, err := e.enumerate(ctx, session)
	if err != nil {
		return err
	}

	session.TotalDiscovered = len(resources)
	if err := e.store.UpdateDiscoverySession(ctx, session); err != nil {
		return fmt.Errorf("updating discovery session: %w", err)
	}

	if err := e.persist(ctx, session, resources); err != nil {
		return err
	}

	edges := e.analyzer.Analyze(resources)
	if err := e.store.ReplaceEdges(ctx, session.Id, edges); err != nil {
		return fmt.Errorf("persisting dependency edges: %w", err)
	}

	levels := ComputeLevels(resources, edges)
	for _, resource := range resources {
		resource.DependencyLevel = levels[resource.Id]
		resource.Status = mirror.ResourceStatusAnalyzed
	}

	if err := e.store.UpdateResources(ctx, resources); err != nil {
		return fmt.Errorf("persisting dependency levels: %w", err)
	}

	session.Status = mirror.DiscoveryStatusCompleted
	session.CompletedAt = convert.RefOf(e.clock.Now())
	if err := e.store.UpdateDiscoverySession(ctx, session); err != nil {
		return fmt.Errorf("completing discovery session: %w", err)
	}

	e.logger.Info("discovery completed",
		"sessionId", session.Id,
		"resources", session.TotalDiscovered,
		"edges", len(edges))

	return nil
}

// enumerate pages through the resource graph and converts rows into resource
// records, enriching each with its API version.
func (e *Engine) enumerate(ctx context.Context, session *mirror.DiscoverySession) ([]*mirror.Resource, error) {
	resources := []*mirror.Resource{}
	var skipToken *string

	for {
		page, next, err := e.graph.QueryResources(ctx, session.SourceSubscriptionId, session.Filters, skipToken)
		if err != nil {
			return nil, fmt.Errorf("enumerating resources: %w", err)
		}

		for _, row := range page {
			resources = append(resources, e.toResource(ctx, session, row))
		}

		if next == nil {
			break
		}

		skipToken = next
		e.clock.Sleep(e.options.ResourceGraphDelay)
	}

	return resources, nil
}

func (e *Engine) toResource(
	ctx context.Context,
	session *mirror.DiscoverySession,
	row *azapi.GraphResource,
) *mirror.Resource {
	resource := &mirror.Resource{
		Id:             mirror.ResourceRecordId(session.Id, row.Id),
		SessionId:      session.Id,
		AzureId:        row.Id,
		Name:           row.Name,
		Type:           row.Type,
		ResourceGroup:  row.ResourceGroup,
		SubscriptionId: row.SubscriptionId,
		Location:       row.Location,
		Kind:           row.Kind,
		Sku:            convert.ToRawMessage(row.Sku),
		Identity:       convert.ToRawMessage(row.Identity),
		Plan:           convert.ToRawMessage(row.Plan),
		Properties:     convert.ToRawMessage(row.Properties),
		Tags:           convert.ToRawMessage(row.Tags),
		Status:         mirror.ResourceStatusDiscovered,
		DiscoveredAt:   e.clock.Now(),
	}

	providerNamespace, resourceType, found := strings.Cut(row.Type, "/")
	if !found {
		return resource
	}

	apiVersion, err := e.versions.ApiVersionForType(
		ctx, session.SourceSubscriptionId, providerNamespace, resourceType, row.Location)
	if err != nil {
		// Enrichment is best effort: the resource is persisted without an
		// API version.
		e.logger.Warn("resolving api version",
			"resource", row.Id,
			"type", row.Type,
			"error", err)
		return resource
	}

	resource.ApiVersion = apiVersion
	return resource
}

// persist writes resources in batches, pacing between batches and keeping
// the session's processed counter current.
func (e *Engine) persist(ctx context.Context, session *mirror.DiscoverySession, resources []*mirror.Resource) error {
	batchSize := e.options.ProcessingBatchSize

	for start := 0; start < len(resources); start += batchSize {
		end := min(start+batchSize, len(resources))

		if err := e.store.SaveResources(ctx, resources[start:end]); err != nil {
			return fmt.Errorf("persisting resources: %w", err)
		}

		session.Processed = end
		if err := e.store.UpdateDiscoverySession(ctx, session); err != nil {
			return fmt.Errorf("updating discovery progress: %w", err)
		}

		if end < len(resources) {
			e.clock.Sleep(e.options.RetryDelay)
		}
	}

	return nil
}
