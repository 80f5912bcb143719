// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/azure/azure-mirror/pkg/azapi"
	"github.com/azure/azure-mirror/pkg/deployment"
	"github.com/azure/azure-mirror/pkg/mirror"
	"github.com/azure/azure-mirror/pkg/store/memory"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDiscoveryRunner struct {
	runs []string
	err  error
}

func (f *fakeDiscoveryRunner) Run(ctx context.Context, sessionId string) error {
	f.runs = append(f.runs, sessionId)
	return f.err
}

// fakeTemplateRunner persists outcomes on the template rows the way the
// deployment engine does, so the handlers' idempotency checks see real state.
type fakeTemplateRunner struct {
	store       *memory.Store
	validOutput bool
	failGroups  map[string]bool
	deployErr   error
	validations int
	deployments int
	deployed    []string
}

func newFakeTemplateRunner(entityStore *memory.Store) *fakeTemplateRunner {
	return &fakeTemplateRunner{store: entityStore, validOutput: true, failGroups: map[string]bool{}}
}

func (f *fakeTemplateRunner) ValidateTemplate(ctx context.Context, templateId string) (*deployment.ValidationResult, error) {
	f.validations++

	template, err := f.store.GetTemplate(ctx, templateId)
	if err != nil {
		return nil, err
	}

	if f.validOutput {
		template.Status = mirror.TemplateStatusValidationPassed
	} else {
		template.Status = mirror.TemplateStatusValidationFailed
		template.ErrorMessage = "MissingSchema: template has no $schema"
	}
	if err := f.store.UpdateTemplate(ctx, template); err != nil {
		return nil, err
	}

	return &deployment.ValidationResult{TemplateId: templateId, IsValid: f.validOutput}, nil
}

func (f *fakeTemplateRunner) DeployTemplate(ctx context.Context, templateId string) (*azapi.DeploymentSnapshot, error) {
	template, err := f.store.GetTemplate(ctx, templateId)
	if err != nil {
		return nil, err
	}

	if template.Status.Terminal() {
		return nil, nil
	}

	if f.deployErr != nil {
		return nil, f.deployErr
	}

	f.deployments++
	f.deployed = append(f.deployed, template.ResourceGroup)
	if f.failGroups[template.ResourceGroup] {
		template.Status = mirror.TemplateStatusFailed
		template.ErrorMessage = "SkuNotAvailable: size unavailable"
	} else {
		template.Status = mirror.TemplateStatusDeployed
	}
	if err := f.store.UpdateTemplate(ctx, template); err != nil {
		return nil, err
	}

	return &azapi.DeploymentSnapshot{State: azapi.DeploymentStateSucceeded}, nil
}

type pipeline struct {
	broker   *Broker
	handlers *Handlers
	store    *memory.Store
	runner   *fakeTemplateRunner
	disco    *fakeDiscoveryRunner
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	mock := clock.NewMock()
	entityStore := memory.New()
	runner := newFakeTemplateRunner(entityStore)
	disco := &fakeDiscoveryRunner{}

	broker := NewBroker(1, mock, testLogger())
	handlers := NewHandlers(broker, disco, runner, entityStore, mock, testLogger())
	handlers.RegisterAll(func(name string) Queue {
		return NewMemoryQueue(mock)
	})

	return &pipeline{broker: broker, handlers: handlers, store: entityStore, runner: runner, disco: disco}
}

// drain dispatches messages queue by queue until every queue is idle.
func (p *pipeline) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	names := []string{
		QueueResourceDiscovery,
		QueueTemplateCreated,
		QueueTemplateValidation,
		QueueTemplateDeployment,
		QueueTemplateDeploymentResult,
	}

	for pass := 0; pass < 100; pass++ {
		idle := true
		for _, name := range names {
			queue, err := p.broker.Queue(name)
			require.NoError(t, err)

			for {
				message, err := queue.Receive(ctx)
				require.NoError(t, err)
				if message == nil {
					break
				}

				idle = false
				_ = p.broker.dispatch(ctx, name, queue, p.broker.handlers[name], message)
			}
		}

		if idle {
			return
		}
	}

	t.Fatal("pipeline did not settle")
}

func (p *pipeline) seedSession(t *testing.T, groups map[string]mirror.TemplateStatus) *mirror.DeploymentSession {
	t.Helper()
	ctx := context.Background()

	session := &mirror.DeploymentSession{
		Id:                 "dep-1",
		Name:               "clone",
		DiscoverySessionId: "disc-1",
		TargetSubscription: "target-sub",
		Status:             mirror.DeploymentStatusCreated,
		StartedAt:          time.Now(),
		TotalTemplates:     len(groups),
	}
	require.NoError(t, p.store.CreateDeploymentSession(ctx, session))

	templates := []*mirror.TemplateDeployment{}
	for group, status := range groups {
		templates = append(templates, &mirror.TemplateDeployment{
			Id:                  "tpl-" + group,
			DeploymentSessionId: session.Id,
			Name:                "clone-" + group,
			ResourceGroup:       group,
			TemplateContent:     json.RawMessage(`{"$schema": "s", "resources": [{}]}`),
			Status:              status,
		})
	}
	require.NoError(t, p.store.SaveTemplates(ctx, templates))

	return session
}

type templateSeed struct {
	level  int
	status mirror.TemplateStatus
}

func (p *pipeline) seedLeveledSession(t *testing.T, seeds map[string]templateSeed) *mirror.DeploymentSession {
	t.Helper()
	ctx := context.Background()

	session := &mirror.DeploymentSession{
		Id:                 "dep-1",
		Name:               "clone",
		DiscoverySessionId: "disc-1",
		TargetSubscription: "target-sub",
		Status:             mirror.DeploymentStatusCreated,
		StartedAt:          time.Now(),
		TotalTemplates:     len(seeds),
	}
	require.NoError(t, p.store.CreateDeploymentSession(ctx, session))

	templates := []*mirror.TemplateDeployment{}
	for group, seed := range seeds {
		templates = append(templates, &mirror.TemplateDeployment{
			Id:                  "tpl-" + group,
			DeploymentSessionId: session.Id,
			Name:                "clone-" + group,
			ResourceGroup:       group,
			TemplateContent:     json.RawMessage(`{"$schema": "s", "resources": [{}]}`),
			Status:              seed.status,
			DependencyLevel:     seed.level,
		})
	}
	require.NoError(t, p.store.SaveTemplates(ctx, templates))

	return session
}

func TestPipelineDeploysAllTemplates(t *testing.T) {
	p := newPipeline(t)
	session := p.seedSession(t, map[string]mirror.TemplateStatus{
		"rg-a": mirror.TemplateStatusCreated,
		"rg-b": mirror.TemplateStatusCreated,
	})
	ctx := context.Background()

	require.NoError(t, p.handlers.AnnounceSession(ctx, session.Id))
	p.drain(t)

	assert.Equal(t, 2, p.runner.validations)
	assert.Equal(t, 2, p.runner.deployments)

	settled, err := p.store.GetDeploymentSession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.DeploymentStatusDeployed, settled.Status)
	assert.Equal(t, 2, settled.Deployed)
	assert.Equal(t, 0, settled.Failed)
	require.NotNil(t, settled.CompletedAt)
}

func TestPipelineSettlesPartiallyDeployedSession(t *testing.T) {
	p := newPipeline(t)
	p.runner.failGroups["rg-b"] = true
	session := p.seedSession(t, map[string]mirror.TemplateStatus{
		"rg-a": mirror.TemplateStatusCreated,
		"rg-b": mirror.TemplateStatusCreated,
	})
	ctx := context.Background()

	require.NoError(t, p.handlers.AnnounceSession(ctx, session.Id))
	p.drain(t)

	// One template deployed before the other failed, so the session settles
	// as partially deployed rather than failed.
	settled, err := p.store.GetDeploymentSession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.DeploymentStatusPartiallyDeployed, settled.Status)
	assert.Equal(t, 1, settled.Deployed)
	assert.Equal(t, 1, settled.Failed)
}

func TestPipelineValidationFailureEndsTemplate(t *testing.T) {
	p := newPipeline(t)
	p.runner.validOutput = false
	session := p.seedSession(t, map[string]mirror.TemplateStatus{
		"rg-a": mirror.TemplateStatusCreated,
	})
	ctx := context.Background()

	require.NoError(t, p.handlers.AnnounceSession(ctx, session.Id))
	p.drain(t)

	assert.Equal(t, 0, p.runner.deployments)

	settled, err := p.store.GetDeploymentSession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.DeploymentStatusFailed, settled.Status)
	assert.Equal(t, 1, settled.Failed)
}

func TestReplayedMessagesAreNoOps(t *testing.T) {
	p := newPipeline(t)
	session := p.seedSession(t, map[string]mirror.TemplateStatus{
		"rg-a": mirror.TemplateStatusCreated,
	})
	ctx := context.Background()

	require.NoError(t, p.handlers.AnnounceSession(ctx, session.Id))
	p.drain(t)

	settled, err := p.store.GetDeploymentSession(ctx, session.Id)
	require.NoError(t, err)
	require.Equal(t, mirror.DeploymentStatusDeployed, settled.Status)
	firstCompletedAt := settled.CompletedAt

	// Replay the original announcement: the stored outcomes are re-emitted
	// and no validation or deployment runs again.
	require.NoError(t, p.handlers.AnnounceSession(ctx, session.Id))
	p.drain(t)

	assert.Equal(t, 1, p.runner.validations)
	assert.Equal(t, 1, p.runner.deployments)

	replayed, err := p.store.GetDeploymentSession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.DeploymentStatusDeployed, replayed.Status)
	assert.Equal(t, 1, replayed.Deployed)
	assert.Equal(t, firstCompletedAt, replayed.CompletedAt)
}

func TestHandleDiscoveryRequested(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.store.CreateDiscoverySession(ctx, &mirror.DiscoverySession{
		Id:     "disc-1",
		Status: mirror.DiscoveryStatusInProgress,
	}))

	body, err := json.Marshal(DiscoveryRequested{SessionId: "disc-1"})
	require.NoError(t, err)

	require.NoError(t, p.handlers.HandleDiscoveryRequested(ctx, &QueuedMessage{Body: body}))
	assert.Equal(t, []string{"disc-1"}, p.disco.runs)
}

func TestHandleDiscoveryRequestedSkipsTerminalSessions(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.store.CreateDiscoverySession(ctx, &mirror.DiscoverySession{
		Id:     "disc-1",
		Status: mirror.DiscoveryStatusCompleted,
	}))

	body, err := json.Marshal(DiscoveryRequested{SessionId: "disc-1"})
	require.NoError(t, err)

	require.NoError(t, p.handlers.HandleDiscoveryRequested(ctx, &QueuedMessage{Body: body}))
	assert.Empty(t, p.disco.runs)
}

func TestHandleTemplateDeployRequestedAbandonsOnInfrastructureFailure(t *testing.T) {
	p := newPipeline(t)
	p.runner.deployErr = errors.New("store unavailable")
	session := p.seedSession(t, map[string]mirror.TemplateStatus{
		"rg-a": mirror.TemplateStatusValidationPassed,
	})
	ctx := context.Background()

	body, err := json.Marshal(TemplateDeployRequested{
		TemplateId:          "tpl-rg-a",
		DeploymentSessionId: session.Id,
	})
	require.NoError(t, err)

	// The template is still non-terminal, so the handler must surface the
	// error for redelivery instead of publishing a result.
	err = p.handlers.HandleTemplateDeployRequested(ctx, &QueuedMessage{Body: body})
	require.Error(t, err)

	resultQueue, err := p.broker.Queue(QueueTemplateDeploymentResult)
	require.NoError(t, err)
	message, err := resultQueue.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, message)
}

func TestPipelineDeploysLevelsInOrder(t *testing.T) {
	p := newPipeline(t)
	session := p.seedLeveledSession(t, map[string]templateSeed{
		"rg-base": {level: 0, status: mirror.TemplateStatusCreated},
		"rg-mid":  {level: 1, status: mirror.TemplateStatusCreated},
		"rg-app":  {level: 2, status: mirror.TemplateStatusCreated},
	})
	ctx := context.Background()

	require.NoError(t, p.handlers.AnnounceSession(ctx, session.Id))
	p.drain(t)

	// Each level deploys only after the one below it completed.
	assert.Equal(t, []string{"rg-base", "rg-mid", "rg-app"}, p.runner.deployed)

	settled, err := p.store.GetDeploymentSession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.DeploymentStatusDeployed, settled.Status)
	assert.Equal(t, 3, settled.Deployed)
}

func TestTemplateValidatedAheadOfLowerLevelsIsQueued(t *testing.T) {
	p := newPipeline(t)
	session := p.seedLeveledSession(t, map[string]templateSeed{
		"rg-base": {level: 0, status: mirror.TemplateStatusCreated},
		"rg-app":  {level: 1, status: mirror.TemplateStatusCreated},
	})
	ctx := context.Background()

	// Only the level-1 template's event arrives, as if another worker raced
	// ahead of the level-0 announcement.
	require.NoError(t, p.broker.Send(ctx, QueueTemplateCreated, TemplateCreated{
		TemplateId:          "tpl-rg-app",
		DeploymentSessionId: session.Id,
		Name:                "clone-rg-app",
		ResourceGroup:       "rg-app",
		DependencyLevel:     1,
	}))
	p.drain(t)

	assert.Equal(t, 0, p.runner.deployments)

	parked, err := p.store.GetTemplate(ctx, "tpl-rg-app")
	require.NoError(t, err)
	assert.Equal(t, mirror.TemplateStatusQueued, parked.Status)

	untouched, err := p.store.GetTemplate(ctx, "tpl-rg-base")
	require.NoError(t, err)
	assert.Equal(t, mirror.TemplateStatusCreated, untouched.Status)

	// Once the level-0 event arrives the parked template is released after it.
	require.NoError(t, p.broker.Send(ctx, QueueTemplateCreated, TemplateCreated{
		TemplateId:          "tpl-rg-base",
		DeploymentSessionId: session.Id,
		Name:                "clone-rg-base",
		ResourceGroup:       "rg-base",
		DependencyLevel:     0,
	}))
	p.drain(t)

	assert.Equal(t, []string{"rg-base", "rg-app"}, p.runner.deployed)

	settled, err := p.store.GetDeploymentSession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.DeploymentStatusDeployed, settled.Status)
}

func TestHandleTemplateDeployRequestedWaitsForLowerLevels(t *testing.T) {
	p := newPipeline(t)
	session := p.seedLeveledSession(t, map[string]templateSeed{
		"rg-base": {level: 0, status: mirror.TemplateStatusDeploying},
		"rg-app":  {level: 1, status: mirror.TemplateStatusValidationPassed},
	})
	ctx := context.Background()

	body, err := json.Marshal(TemplateDeployRequested{
		TemplateId:          "tpl-rg-app",
		DeploymentSessionId: session.Id,
		DependencyLevel:     1,
	})
	require.NoError(t, err)

	// The level below is still in flight, so the request is abandoned for
	// redelivery instead of deploying out of order.
	err = p.handlers.HandleTemplateDeployRequested(ctx, &QueuedMessage{Body: body})
	require.Error(t, err)
	assert.Equal(t, 0, p.runner.deployments)

	waiting, err := p.store.GetTemplate(ctx, "tpl-rg-app")
	require.NoError(t, err)
	assert.Equal(t, mirror.TemplateStatusValidationPassed, waiting.Status)
}

func TestHandleTemplateDeployRequestedSkipsAfterLowerLevelFailure(t *testing.T) {
	p := newPipeline(t)
	session := p.seedLeveledSession(t, map[string]templateSeed{
		"rg-base": {level: 0, status: mirror.TemplateStatusFailed},
		"rg-app":  {level: 1, status: mirror.TemplateStatusValidationPassed},
	})
	ctx := context.Background()

	body, err := json.Marshal(TemplateDeployRequested{
		TemplateId:          "tpl-rg-app",
		DeploymentSessionId: session.Id,
		DependencyLevel:     1,
	})
	require.NoError(t, err)

	require.NoError(t, p.handlers.HandleTemplateDeployRequested(ctx, &QueuedMessage{Body: body}))
	assert.Equal(t, 0, p.runner.deployments)

	skipped, err := p.store.GetTemplate(ctx, "tpl-rg-app")
	require.NoError(t, err)
	assert.Equal(t, mirror.TemplateStatusSkipped, skipped.Status)
	assert.Contains(t, skipped.ErrorMessage, "earlier template failure")

	settled, err := p.store.GetDeploymentSession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.DeploymentStatusFailed, settled.Status)
	assert.Equal(t, 0, settled.Deployed)
	assert.Equal(t, 1, settled.Failed)
}

func TestSettleSessionWaitsForAllTemplates(t *testing.T) {
	p := newPipeline(t)
	session := p.seedSession(t, map[string]mirror.TemplateStatus{
		"rg-a": mirror.TemplateStatusDeployed,
		"rg-b": mirror.TemplateStatusDeploying,
	})
	ctx := context.Background()

	body, err := json.Marshal(TemplateDeploymentResult{
		TemplateId:          "tpl-rg-a",
		DeploymentSessionId: session.Id,
		IsSuccess:           true,
	})
	require.NoError(t, err)
	require.NoError(t, p.handlers.HandleDeploymentResult(ctx, &QueuedMessage{Body: body}))

	pending, err := p.store.GetDeploymentSession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.DeploymentStatusCreated, pending.Status)
	assert.Equal(t, 1, pending.Deployed)
	assert.Nil(t, pending.CompletedAt)
}
