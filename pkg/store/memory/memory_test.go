// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/azure/azure-mirror/pkg/mirror"
	"github.com/azure/azure-mirror/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverySessionLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	session := &mirror.DiscoverySession{
		Id:           "session-1",
		ConnectionId: "conn-1",
		Status:       mirror.DiscoveryStatusInProgress,
		StartedAt:    time.Now(),
	}
	require.NoError(t, s.CreateDiscoverySession(ctx, session))

	// Creating the same id twice is rejected.
	assert.Error(t, s.CreateDiscoverySession(ctx, session))

	session.Status = mirror.DiscoveryStatusCompleted
	require.NoError(t, s.UpdateDiscoverySession(ctx, session))

	loaded, err := s.GetDiscoverySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, mirror.DiscoveryStatusCompleted, loaded.Status)

	_, err = s.GetDiscoverySession(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoredEntitiesDoNotAlias(t *testing.T) {
	s := New()
	ctx := context.Background()

	session := &mirror.DiscoverySession{Id: "session-1", Status: mirror.DiscoveryStatusInProgress}
	require.NoError(t, s.CreateDiscoverySession(ctx, session))

	// Mutating the caller's struct after the write must not leak into the
	// store.
	session.Status = mirror.DiscoveryStatusFailed

	loaded, err := s.GetDiscoverySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, mirror.DiscoveryStatusInProgress, loaded.Status)
}

func TestStoredJsonFieldsDoNotAlias(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SaveResources(ctx, []*mirror.Resource{{
		Id:         "session-1/a",
		SessionId:  "session-1",
		Properties: json.RawMessage(`{"tier": "Hot"}`),
	}}))

	loaded, err := s.ResourcesBySession(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	// Scribbling over the returned raw JSON must not reach the stored row.
	copy(loaded[0].Properties, []byte(`{"tier": "XXX"}`))

	reloaded, err := s.ResourcesBySession(ctx, "session-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tier": "Hot"}`, string(reloaded[0].Properties))
}

func TestStoredOutputsDoNotAlias(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateDeploymentSession(ctx, &mirror.DeploymentSession{
		Id:      "dep-1",
		Outputs: map[string]any{"endpoint": "https://original"},
	}))

	loaded, err := s.GetDeploymentSession(ctx, "dep-1")
	require.NoError(t, err)
	loaded.Outputs["endpoint"] = "https://mutated"

	reloaded, err := s.GetDeploymentSession(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "https://original", reloaded.Outputs["endpoint"])
}

func TestLatestCompletedDiscovery(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()

	sessions := []*mirror.DiscoverySession{
		{Id: "old", ConnectionId: "conn-1", Status: mirror.DiscoveryStatusCompleted, StartedAt: base.Add(-2 * time.Hour)},
		{Id: "new", ConnectionId: "conn-1", Status: mirror.DiscoveryStatusCompleted, StartedAt: base.Add(-time.Hour)},
		{Id: "running", ConnectionId: "conn-1", Status: mirror.DiscoveryStatusInProgress, StartedAt: base},
		{Id: "other", ConnectionId: "conn-2", Status: mirror.DiscoveryStatusCompleted, StartedAt: base},
	}
	for _, session := range sessions {
		require.NoError(t, s.CreateDiscoverySession(ctx, session))
	}

	latest, err := s.LatestCompletedDiscovery(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "new", latest.Id)

	_, err = s.LatestCompletedDiscovery(ctx, "conn-3")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveResourcesCountsBatches(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SaveResources(ctx, []*mirror.Resource{
		{Id: "session-1/a", SessionId: "session-1", AzureId: "a"},
	}))
	require.NoError(t, s.SaveResources(ctx, []*mirror.Resource{
		{Id: "session-1/b", SessionId: "session-1", AzureId: "b"},
	}))

	assert.Equal(t, 2, s.SaveBatches)
}

func TestResourcesBySessionOrdersByLevel(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SaveResources(ctx, []*mirror.Resource{
		{Id: "session-1/c", SessionId: "session-1", DependencyLevel: 2},
		{Id: "session-1/a", SessionId: "session-1", DependencyLevel: 0},
		{Id: "session-1/b", SessionId: "session-1", DependencyLevel: 1},
		{Id: "session-2/z", SessionId: "session-2", DependencyLevel: 0},
	}))

	resources, err := s.ResourcesBySession(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, resources, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{
		resources[0].DependencyLevel,
		resources[1].DependencyLevel,
		resources[2].DependencyLevel,
	})
}

func TestReplaceEdgesRejectsSelfEdges(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.ReplaceEdges(ctx, "session-1", []*mirror.ResourceEdge{
		{Id: "e1", SourceId: "session-1/a", TargetId: "session-1/a", Type: mirror.EdgeTypeNetwork},
	})
	assert.Error(t, err)
}

func TestReplaceEdgesRejectsDuplicates(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.ReplaceEdges(ctx, "session-1", []*mirror.ResourceEdge{
		{Id: "e1", SourceId: "session-1/a", TargetId: "session-1/b", Type: mirror.EdgeTypeNetwork},
		{Id: "e2", SourceId: "session-1/A", TargetId: "session-1/B", Type: mirror.EdgeTypeStorage},
	})
	assert.Error(t, err)
}

func TestReplaceEdgesReplacesExistingSet(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.ReplaceEdges(ctx, "session-1", []*mirror.ResourceEdge{
		{Id: "e1", SourceId: "session-1/a", TargetId: "session-1/b"},
	}))
	require.NoError(t, s.ReplaceEdges(ctx, "session-1", []*mirror.ResourceEdge{
		{Id: "e2", SourceId: "session-1/b", TargetId: "session-1/c"},
	}))

	edges, err := s.EdgesBySession(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "e2", edges[0].Id)
}

func TestDeleteDiscoverySessionCascades(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateDiscoverySession(ctx, &mirror.DiscoverySession{Id: "session-1"}))
	require.NoError(t, s.SaveResources(ctx, []*mirror.Resource{
		{Id: "session-1/a", SessionId: "session-1"},
	}))
	require.NoError(t, s.ReplaceEdges(ctx, "session-1", []*mirror.ResourceEdge{
		{Id: "e1", SourceId: "session-1/a", TargetId: "session-1/b"},
	}))

	require.NoError(t, s.DeleteDiscoverySession(ctx, "session-1"))

	resources, err := s.ResourcesBySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Empty(t, resources)

	edges, err := s.EdgesBySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestDeleteDiscoverySessionBlockedByDeployments(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateDiscoverySession(ctx, &mirror.DiscoverySession{Id: "session-1"}))
	require.NoError(t, s.CreateDeploymentSession(ctx, &mirror.DeploymentSession{
		Id:                 "dep-1",
		DiscoverySessionId: "session-1",
	}))

	// A referenced discovery session cannot be deleted.
	err := s.DeleteDiscoverySession(ctx, "session-1")
	require.Error(t, err)

	_, err = s.GetDiscoverySession(ctx, "session-1")
	assert.NoError(t, err)
}

func TestTemplatesBySessionOrdersByLevelThenName(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SaveTemplates(ctx, []*mirror.TemplateDeployment{
		{Id: "t1", DeploymentSessionId: "d1", Name: "b", DependencyLevel: 1},
		{Id: "t2", DeploymentSessionId: "d1", Name: "a", DependencyLevel: 1},
		{Id: "t3", DeploymentSessionId: "d1", Name: "z", DependencyLevel: 0},
	}))

	templates, err := s.TemplatesBySession(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, templates, 3)
	assert.Equal(t, "t3", templates[0].Id)
	assert.Equal(t, "t2", templates[1].Id)
	assert.Equal(t, "t1", templates[2].Id)
}
