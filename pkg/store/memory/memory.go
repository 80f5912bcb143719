// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

// Package memory provides an in-memory Store used by tests and by callers
// that do not need durability.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/azure/azure-mirror/pkg/mirror"
	"github.com/azure/azure-mirror/pkg/store"
)

type Store struct {
	mu sync.RWMutex

	discoverySessions  map[string]*mirror.DiscoverySession
	resources          map[string]*mirror.Resource
	edges              map[string][]*mirror.ResourceEdge
	deploymentSessions map[string]*mirror.DeploymentSession
	templates          map[string]*mirror.TemplateDeployment

	// SaveBatches counts SaveResources transactions, letting tests assert
	// batching behavior.
	SaveBatches int
}

func New() *Store {
	return &Store{
		discoverySessions:  map[string]*mirror.DiscoverySession{},
		resources:          map[string]*mirror.Resource{},
		edges:              map[string][]*mirror.ResourceEdge{},
		deploymentSessions: map[string]*mirror.DeploymentSession{},
		templates:          map[string]*mirror.TemplateDeployment{},
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) CreateDiscoverySession(ctx context.Context, session *mirror.DiscoverySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.discoverySessions[session.Id]; exists {
		return fmt.Errorf("discovery session '%s' already exists", session.Id)
	}

	s.discoverySessions[session.Id] = cloneOf(session)
	return nil
}

func (s *Store) UpdateDiscoverySession(ctx context.Context, session *mirror.DiscoverySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.discoverySessions[session.Id]; !exists {
		return store.ErrNotFound
	}

	s.discoverySessions[session.Id] = cloneOf(session)
	return nil
}

func (s *Store) GetDiscoverySession(ctx context.Context, id string) (*mirror.DiscoverySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.discoverySessions[id]
	if !exists {
		return nil, store.ErrNotFound
	}

	return cloneOf(session), nil
}

func (s *Store) LatestCompletedDiscovery(ctx context.Context, connectionId string) (*mirror.DiscoverySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *mirror.DiscoverySession
	for _, session := range s.discoverySessions {
		if session.ConnectionId != connectionId || session.Status != mirror.DiscoveryStatusCompleted {
			continue
		}

		if latest == nil || session.StartedAt.After(latest.StartedAt) {
			latest = session
		}
	}

	if latest == nil {
		return nil, store.ErrNotFound
	}

	return cloneOf(latest), nil
}

func (s *Store) DeleteDiscoverySession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.discoverySessions[id]; !exists {
		return store.ErrNotFound
	}

	// Deployment sessions keep their discovery referenced; the schema's
	// foreign key restricts rather than cascades here.
	for _, session := range s.deploymentSessions {
		if session.DiscoverySessionId == id {
			return fmt.Errorf("discovery session '%s' is referenced by deployment session '%s'", id, session.Id)
		}
	}

	delete(s.discoverySessions, id)
	delete(s.edges, id)
	for resourceId, resource := range s.resources {
		if resource.SessionId == id {
			delete(s.resources, resourceId)
		}
	}

	return nil
}

func (s *Store) SaveResources(ctx context.Context, resources []*mirror.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.SaveBatches++
	for _, resource := range resources {
		s.resources[resource.Id] = cloneOf(resource)
	}

	return nil
}

func (s *Store) UpdateResources(ctx context.Context, resources []*mirror.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, resource := range resources {
		if _, exists := s.resources[resource.Id]; !exists {
			return store.ErrNotFound
		}
		s.resources[resource.Id] = cloneOf(resource)
	}

	return nil
}

func (s *Store) ResourcesBySession(ctx context.Context, sessionId string) ([]*mirror.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resources := []*mirror.Resource{}
	for _, resource := range s.resources {
		if resource.SessionId == sessionId {
			resources = append(resources, cloneOf(resource))
		}
	}

	sort.Slice(resources, func(i, j int) bool {
		if resources[i].DependencyLevel != resources[j].DependencyLevel {
			return resources[i].DependencyLevel < resources[j].DependencyLevel
		}
		return resources[i].Id < resources[j].Id
	})

	return resources, nil
}

func (s *Store) ReplaceEdges(ctx context.Context, sessionId string, edges []*mirror.ResourceEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	replacement := make([]*mirror.ResourceEdge, 0, len(edges))
	seen := map[string]struct{}{}
	for _, edge := range edges {
		if edge.SourceId == edge.TargetId {
			return fmt.Errorf("self edge on '%s'", edge.SourceId)
		}

		key := strings.ToLower(edge.SourceId) + "|" + strings.ToLower(edge.TargetId)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate edge '%s' -> '%s'", edge.SourceId, edge.TargetId)
		}
		seen[key] = struct{}{}

		replacement = append(replacement, cloneOf(edge))
	}

	s.edges[sessionId] = replacement
	return nil
}

func (s *Store) EdgesBySession(ctx context.Context, sessionId string) ([]*mirror.ResourceEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edges := make([]*mirror.ResourceEdge, 0, len(s.edges[sessionId]))
	for _, edge := range s.edges[sessionId] {
		edges = append(edges, cloneOf(edge))
	}

	return edges, nil
}

func (s *Store) CreateDeploymentSession(ctx context.Context, session *mirror.DeploymentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deploymentSessions[session.Id]; exists {
		return fmt.Errorf("deployment session '%s' already exists", session.Id)
	}

	s.deploymentSessions[session.Id] = cloneOf(session)
	return nil
}

func (s *Store) UpdateDeploymentSession(ctx context.Context, session *mirror.DeploymentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deploymentSessions[session.Id]; !exists {
		return store.ErrNotFound
	}

	s.deploymentSessions[session.Id] = cloneOf(session)
	return nil
}

func (s *Store) GetDeploymentSession(ctx context.Context, id string) (*mirror.DeploymentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.deploymentSessions[id]
	if !exists {
		return nil, store.ErrNotFound
	}

	return cloneOf(session), nil
}

func (s *Store) SaveTemplates(ctx context.Context, templates []*mirror.TemplateDeployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, template := range templates {
		s.templates[template.Id] = cloneOf(template)
	}

	return nil
}

func (s *Store) UpdateTemplate(ctx context.Context, template *mirror.TemplateDeployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.templates[template.Id]; !exists {
		return store.ErrNotFound
	}

	s.templates[template.Id] = cloneOf(template)
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*mirror.TemplateDeployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	template, exists := s.templates[id]
	if !exists {
		return nil, store.ErrNotFound
	}

	return cloneOf(template), nil
}

func (s *Store) TemplatesBySession(ctx context.Context, sessionId string) ([]*mirror.TemplateDeployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	templates := []*mirror.TemplateDeployment{}
	for _, template := range s.templates {
		if template.DeploymentSessionId == sessionId {
			templates = append(templates, cloneOf(template))
		}
	}

	sort.Slice(templates, func(i, j int) bool {
		if templates[i].DependencyLevel != templates[j].DependencyLevel {
			return templates[i].DependencyLevel < templates[j].DependencyLevel
		}
		return templates[i].Name < templates[j].Name
	})

	return templates, nil
}

// cloneOf copies an entity so that callers never alias rows held by the
// store. Reference fields get their own backing storage.
func cloneOf[T any](entity *T) *T {
	copied := *entity

	switch c := any(&copied).(type) {
	case *mirror.DiscoverySession:
		c.Filters.ResourceGroups = slices.Clone(c.Filters.ResourceGroups)
		c.Filters.ResourceTypes = slices.Clone(c.Filters.ResourceTypes)
	case *mirror.Resource:
		c.Sku = bytes.Clone(c.Sku)
		c.Identity = bytes.Clone(c.Identity)
		c.Plan = bytes.Clone(c.Plan)
		c.Properties = bytes.Clone(c.Properties)
		c.Tags = bytes.Clone(c.Tags)
	case *mirror.DeploymentSession:
		c.Outputs = maps.Clone(c.Outputs)
	case *mirror.TemplateDeployment:
		c.TemplateContent = bytes.Clone(c.TemplateContent)
		c.ParametersContent = bytes.Clone(c.ParametersContent)
		c.ValidationJson = bytes.Clone(c.ValidationJson)
		c.DeploymentJson = bytes.Clone(c.DeploymentJson)
	}

	return &copied
}
