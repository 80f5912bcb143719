// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package deployment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/azure/azure-mirror/pkg/azapi"
	"github.com/azure/azure-mirror/pkg/azure"
	"github.com/azure/azure-mirror/pkg/mirror"
	"github.com/azure/azure-mirror/pkg/store/memory"
	"github.com/azure/azure-mirror/pkg/synthesis"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDeployer simulates the cloud deployment surface: submissions become
// running deployments that turn terminal after pendingPolls status reads.
type fakeDeployer struct {
	mu           sync.Mutex
	failGroups   map[string]bool
	pendingPolls int
	neverDone    bool
	polls        map[string]int
	submitted    []string
	cancelled    []string
	validate     func(resourceGroup string) *azapi.ValidationOutcome
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{
		failGroups: map[string]bool{},
		polls:      map[string]int{},
	}
}

func (f *fakeDeployer) GenerateDeploymentName(baseName string) string {
	return baseName + "-1700000000"
}

func (f *fakeDeployer) ValidateDeployment(
	ctx context.Context,
	subscriptionId string,
	resourceGroup string,
	deploymentName string,
	armTemplate azure.RawArmTemplate,
	parameters azure.ArmParameters,
	mode mirror.DeploymentMode,
) (*azapi.ValidationOutcome, error) {
	if f.validate != nil {
		return f.validate(resourceGroup), nil
	}
	return &azapi.ValidationOutcome{IsValid: true}, nil
}

func (f *fakeDeployer) SubmitDeployment(
	ctx context.Context,
	subscriptionId string,
	resourceGroup string,
	deploymentName string,
	armTemplate azure.RawArmTemplate,
	parameters azure.ArmParameters,
	mode mirror.DeploymentMode,
) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, resourceGroup)
	return deploymentName, nil
}

func (f *fakeDeployer) GetDeployment(
	ctx context.Context,
	subscriptionId string,
	resourceGroup string,
	deploymentName string,
) (*azapi.DeploymentSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.polls[deploymentName]++
	if f.neverDone || f.polls[deploymentName] <= f.pendingPolls {
		return &azapi.DeploymentSnapshot{Name: deploymentName, State: azapi.DeploymentStateRunning}, nil
	}

	if f.failGroups[resourceGroup] {
		return &azapi.DeploymentSnapshot{
			Name:  deploymentName,
			State: azapi.DeploymentStateFailed,
			Error: &azapi.DeploymentErrorLine{Code: "SkuNotAvailable", Message: "size unavailable"},
		}, nil
	}

	return &azapi.DeploymentSnapshot{
		Name:  deploymentName,
		State: azapi.DeploymentStateSucceeded,
		Outputs: map[string]azapi.DeploymentOutput{
			resourceGroup + "Output": {Type: "string", Value: resourceGroup},
		},
	}, nil
}

func (f *fakeDeployer) CancelDeployment(
	ctx context.Context,
	subscriptionId string,
	resourceGroup string,
	deploymentName string,
) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, deploymentName)
	return true, nil
}

type fakeResourceGroups struct {
	mu      sync.Mutex
	ensured map[string]string
}

func newFakeResourceGroups() *fakeResourceGroups {
	return &fakeResourceGroups{ensured: map[string]string{}}
}

func (f *fakeResourceGroups) EnsureResourceGroup(
	ctx context.Context,
	subscriptionId string,
	resourceGroupName string,
	location string,
	tags map[string]*string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured[resourceGroupName] = location
	return nil
}

func testEngine(entityStore *memory.Store, deployer *fakeDeployer, groups *fakeResourceGroups) *Engine {
	options := mirror.Options{
		RetryDelay:   time.Millisecond,
		PollInterval: time.Millisecond,
	}
	return NewEngine(
		entityStore, deployer, groups,
		synthesis.NewSynthesizer(testLogger()),
		clock.New(), options, testLogger())
}

// seedDiscovery persists a completed discovery session with one storage
// account per resource group at the given dependency level.
func seedDiscovery(t *testing.T, entityStore *memory.Store, levelsByGroup map[string]int) string {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, entityStore.CreateDiscoverySession(ctx, &mirror.DiscoverySession{
		Id:                   "disc-1",
		ConnectionId:         "conn-1",
		SourceSubscriptionId: "source-sub",
		TargetSubscriptionId: "target-sub",
		Status:               mirror.DiscoveryStatusCompleted,
		StartedAt:            time.Now(),
	}))

	resources := []*mirror.Resource{}
	for group, level := range levelsByGroup {
		name := "st" + strings.ReplaceAll(group, "-", "")
		id := fmt.Sprintf(
			"/subscriptions/00000000-0000-0000-0000-000000000000/resourceGroups/%s/providers/Microsoft.Storage/storageAccounts/%s",
			group, name)
		resources = append(resources, &mirror.Resource{
			Id:              mirror.ResourceRecordId("disc-1", id),
			SessionId:       "disc-1",
			AzureId:         id,
			Name:            name,
			Type:            "Microsoft.Storage/storageAccounts",
			ResourceGroup:   group,
			Location:        "eastus",
			Kind:            "StorageV2",
			Sku:             json.RawMessage(`{"name": "Standard_LRS"}`),
			DependencyLevel: level,
			Status:          mirror.ResourceStatusAnalyzed,
		})
	}
	require.NoError(t, entityStore.SaveResources(ctx, resources))

	return "disc-1"
}

func TestCreateSessionRequiresCompletedDiscovery(t *testing.T) {
	entityStore := memory.New()
	ctx := context.Background()
	require.NoError(t, entityStore.CreateDiscoverySession(ctx, &mirror.DiscoverySession{
		Id:     "disc-1",
		Status: mirror.DiscoveryStatusInProgress,
	}))

	engine := testEngine(entityStore, newFakeDeployer(), newFakeResourceGroups())
	_, err := engine.CreateSession(ctx, CreateRequest{Name: "clone", DiscoverySessionId: "disc-1"})

	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCreateSessionSynthesizesTemplatesPerGroup(t *testing.T) {
	entityStore := memory.New()
	discoveryId := seedDiscovery(t, entityStore, map[string]int{"rg-a": 0, "rg-b": 1, "rg-c": 2})
	engine := testEngine(entityStore, newFakeDeployer(), newFakeResourceGroups())
	ctx := context.Background()

	session, err := engine.CreateSession(ctx, CreateRequest{Name: "clone", DiscoverySessionId: discoveryId})
	require.NoError(t, err)

	assert.Equal(t, mirror.DeploymentStatusCreated, session.Status)
	assert.Equal(t, mirror.DeploymentModeIncremental, session.Mode)
	assert.Equal(t, "target-sub", session.TargetSubscription)
	assert.Equal(t, 3, session.TotalTemplates)

	templates, err := entityStore.TemplatesBySession(ctx, session.Id)
	require.NoError(t, err)
	require.Len(t, templates, 3)
	assert.Equal(t, "clone-rg-a", templates[0].Name)
	assert.Equal(t, 0, templates[0].DependencyLevel)
	assert.Equal(t, 2, templates[2].DependencyLevel)
	assert.Equal(t, mirror.TemplateStatusCreated, templates[0].Status)
	assert.NotEmpty(t, templates[0].TemplateContent)
}

func TestValidateAllTemplates(t *testing.T) {
	entityStore := memory.New()
	discoveryId := seedDiscovery(t, entityStore, map[string]int{"rg-a": 0, "rg-b": 0})
	engine := testEngine(entityStore, newFakeDeployer(), newFakeResourceGroups())
	ctx := context.Background()

	session, err := engine.CreateSession(ctx, CreateRequest{Name: "clone", DiscoverySessionId: discoveryId})
	require.NoError(t, err)

	results, err := engine.ValidateAllTemplates(ctx, session.Id)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].IsValid)
	assert.True(t, results[1].IsValid)

	validated, err := entityStore.GetDeploymentSession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.DeploymentStatusValidationPassed, validated.Status)

	templates, err := entityStore.TemplatesBySession(ctx, session.Id)
	require.NoError(t, err)
	for _, template := range templates {
		assert.Equal(t, mirror.TemplateStatusValidationPassed, template.Status)
		assert.NotNil(t, template.ValidatedAt)
	}
}

func TestValidateTemplateFailsFastOnBrokenTemplate(t *testing.T) {
	entityStore := memory.New()
	discoveryId := seedDiscovery(t, entityStore, map[string]int{"rg-a": 0})
	deployer := newFakeDeployer()
	deployer.validate = func(string) *azapi.ValidationOutcome {
		t.Fatal("cloud validation must not run when pre-validation fails")
		return nil
	}
	engine := testEngine(entityStore, deployer, newFakeResourceGroups())
	ctx := context.Background()

	session, err := engine.CreateSession(ctx, CreateRequest{Name: "clone", DiscoverySessionId: discoveryId})
	require.NoError(t, err)

	templates, err := entityStore.TemplatesBySession(ctx, session.Id)
	require.NoError(t, err)
	templates[0].TemplateContent = json.RawMessage(`{"contentVersion": "1.0.0.0", "resources": []}`)
	require.NoError(t, entityStore.UpdateTemplate(ctx, templates[0]))

	result, err := engine.ValidateTemplate(ctx, templates[0].Id)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.NotEmpty(t, result.Errors)

	failed, err := entityStore.GetTemplate(ctx, templates[0].Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.TemplateStatusValidationFailed, failed.Status)
	assert.NotEmpty(t, failed.ErrorMessage)
	assert.NotEmpty(t, failed.ValidationJson)

	results, err := engine.ValidateAllTemplates(ctx, session.Id)
	require.NoError(t, err)
	require.Len(t, results, 1)

	invalidated, err := entityStore.GetDeploymentSession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.DeploymentStatusValidationFailed, invalidated.Status)
}

func TestDeployAllTemplatesOrdersByLevel(t *testing.T) {
	entityStore := memory.New()
	discoveryId := seedDiscovery(t, entityStore, map[string]int{"rg-a": 0, "rg-b": 1, "rg-c": 2})
	deployer := newFakeDeployer()
	groups := newFakeResourceGroups()
	engine := testEngine(entityStore, deployer, groups)
	ctx := context.Background()

	session, err := engine.CreateSession(ctx, CreateRequest{Name: "clone", DiscoverySessionId: discoveryId})
	require.NoError(t, err)
	require.NoError(t, engine.DeployAllTemplates(ctx, session.Id))

	assert.Equal(t, []string{"rg-a", "rg-b", "rg-c"}, deployer.submitted)
	assert.Equal(t, "eastus", groups.ensured["rg-a"])

	deployed, err := entityStore.GetDeploymentSession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.DeploymentStatusDeployed, deployed.Status)
	assert.Equal(t, 3, deployed.Deployed)
	assert.Equal(t, 0, deployed.Failed)
	require.NotNil(t, deployed.CompletedAt)
	assert.Equal(t, "rg-b", deployed.Outputs["rg-bOutput"])

	templates, err := entityStore.TemplatesBySession(ctx, session.Id)
	require.NoError(t, err)
	for _, template := range templates {
		assert.Equal(t, mirror.TemplateStatusDeployed, template.Status)
		assert.NotEmpty(t, template.CloudDeploymentName)
		assert.NotNil(t, template.DeployedAt)
	}
}

func TestDeployAllTemplatesStopsAtFirstFailure(t *testing.T) {
	entityStore := memory.New()
	discoveryId := seedDiscovery(t, entityStore, map[string]int{"rg-a": 0, "rg-b": 1, "rg-c": 2})
	deployer := newFakeDeployer()
	deployer.failGroups["rg-b"] = true
	engine := testEngine(entityStore, deployer, newFakeResourceGroups())
	ctx := context.Background()

	session, err := engine.CreateSession(ctx, CreateRequest{Name: "clone", DiscoverySessionId: discoveryId})
	require.NoError(t, err)
	require.NoError(t, engine.DeployAllTemplates(ctx, session.Id))

	// The level above the failure is never submitted.
	assert.Equal(t, []string{"rg-a", "rg-b"}, deployer.submitted)

	stopped, err := entityStore.GetDeploymentSession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.DeploymentStatusPartiallyDeployed, stopped.Status)
	assert.Equal(t, 1, stopped.Deployed)
	assert.Equal(t, 1, stopped.Failed)
	assert.Equal(t, 3, stopped.TotalTemplates)
	assert.NotEmpty(t, stopped.ErrorMessage)

	templates, err := entityStore.TemplatesBySession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.TemplateStatusDeployed, templates[0].Status)
	assert.Equal(t, mirror.TemplateStatusFailed, templates[1].Status)
	assert.Contains(t, templates[1].ErrorMessage, "SkuNotAvailable")
	assert.Equal(t, mirror.TemplateStatusCreated, templates[2].Status)
}

func TestDeployAllTemplatesCountsPriorValidationFailure(t *testing.T) {
	entityStore := memory.New()
	discoveryId := seedDiscovery(t, entityStore, map[string]int{"rg-a": 0, "rg-b": 1})
	deployer := newFakeDeployer()
	engine := testEngine(entityStore, deployer, newFakeResourceGroups())
	ctx := context.Background()

	session, err := engine.CreateSession(ctx, CreateRequest{Name: "clone", DiscoverySessionId: discoveryId})
	require.NoError(t, err)

	templates, err := entityStore.TemplatesBySession(ctx, session.Id)
	require.NoError(t, err)
	templates[0].Status = mirror.TemplateStatusValidationFailed
	require.NoError(t, entityStore.UpdateTemplate(ctx, templates[0]))

	require.NoError(t, engine.DeployAllTemplates(ctx, session.Id))

	assert.Empty(t, deployer.submitted)

	failed, err := entityStore.GetDeploymentSession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.DeploymentStatusFailed, failed.Status)
	assert.Equal(t, 0, failed.Deployed)
	assert.Equal(t, 1, failed.Failed)
}

func TestDeployAllTemplatesRejectsTerminalSessions(t *testing.T) {
	entityStore := memory.New()
	discoveryId := seedDiscovery(t, entityStore, map[string]int{"rg-a": 0})
	deployer := newFakeDeployer()
	engine := testEngine(entityStore, deployer, newFakeResourceGroups())
	ctx := context.Background()

	session, err := engine.CreateSession(ctx, CreateRequest{Name: "clone", DiscoverySessionId: discoveryId})
	require.NoError(t, err)
	require.NoError(t, engine.DeployAllTemplates(ctx, session.Id))

	// A second run must not reopen the finished session.
	err = engine.DeployAllTemplates(ctx, session.Id)
	assert.ErrorIs(t, err, ErrInvalidState)

	finished, err := entityStore.GetDeploymentSession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.DeploymentStatusDeployed, finished.Status)
	assert.Equal(t, 1, finished.Deployed)
	assert.Equal(t, []string{"rg-a"}, deployer.submitted)
}

func TestDeployAllTemplatesRecomputesCounters(t *testing.T) {
	entityStore := memory.New()
	discoveryId := seedDiscovery(t, entityStore, map[string]int{"rg-a": 0, "rg-b": 1, "rg-c": 2})
	deployer := newFakeDeployer()
	engine := testEngine(entityStore, deployer, newFakeResourceGroups())
	ctx := context.Background()

	session, err := engine.CreateSession(ctx, CreateRequest{Name: "clone", DiscoverySessionId: discoveryId})
	require.NoError(t, err)

	// Simulate an interrupted prior run that already deployed the first
	// template and persisted its progress.
	templates, err := entityStore.TemplatesBySession(ctx, session.Id)
	require.NoError(t, err)
	templates[0].Status = mirror.TemplateStatusDeployed
	require.NoError(t, entityStore.UpdateTemplate(ctx, templates[0]))
	session.Status = mirror.DeploymentStatusDeploying
	session.Deployed = 1
	require.NoError(t, entityStore.UpdateDeploymentSession(ctx, session))

	require.NoError(t, engine.DeployAllTemplates(ctx, session.Id))

	// Only the unfinished templates are submitted and the counters reflect
	// the template rows, not the stale persisted progress.
	assert.Equal(t, []string{"rg-b", "rg-c"}, deployer.submitted)

	resumed, err := entityStore.GetDeploymentSession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.DeploymentStatusDeployed, resumed.Status)
	assert.Equal(t, 3, resumed.Deployed)
	assert.Equal(t, 0, resumed.Failed)
}

func TestDeployTemplateTimesOutAfterPollingBudget(t *testing.T) {
	entityStore := memory.New()
	discoveryId := seedDiscovery(t, entityStore, map[string]int{"rg-a": 0})
	deployer := newFakeDeployer()
	deployer.neverDone = true
	engine := testEngine(entityStore, deployer, newFakeResourceGroups())
	ctx := context.Background()

	session, err := engine.CreateSession(ctx, CreateRequest{Name: "clone", DiscoverySessionId: discoveryId})
	require.NoError(t, err)

	templates, err := entityStore.TemplatesBySession(ctx, session.Id)
	require.NoError(t, err)

	_, err = engine.DeployTemplate(ctx, templates[0].Id)
	require.ErrorIs(t, err, azapi.ErrDeploymentTimeout)

	// The default budget is 60 polls.
	assert.Equal(t, 60, deployer.polls[deployer.GenerateDeploymentName(templates[0].Name)])

	timedOut, err := entityStore.GetTemplate(ctx, templates[0].Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.TemplateStatusFailed, timedOut.Status)
	assert.Contains(t, timedOut.ErrorMessage, "timed out")
}

func TestDeployTemplateIgnoresTerminalTemplates(t *testing.T) {
	entityStore := memory.New()
	discoveryId := seedDiscovery(t, entityStore, map[string]int{"rg-a": 0})
	deployer := newFakeDeployer()
	engine := testEngine(entityStore, deployer, newFakeResourceGroups())
	ctx := context.Background()

	session, err := engine.CreateSession(ctx, CreateRequest{Name: "clone", DiscoverySessionId: discoveryId})
	require.NoError(t, err)

	templates, err := entityStore.TemplatesBySession(ctx, session.Id)
	require.NoError(t, err)
	templates[0].Status = mirror.TemplateStatusDeployed
	require.NoError(t, entityStore.UpdateTemplate(ctx, templates[0]))

	snapshot, err := engine.DeployTemplate(ctx, templates[0].Id)
	require.NoError(t, err)
	assert.Nil(t, snapshot)
	assert.Empty(t, deployer.submitted)
}

func TestDeployAllTemplatesHonorsTargetResourceGroupOverride(t *testing.T) {
	entityStore := memory.New()
	discoveryId := seedDiscovery(t, entityStore, map[string]int{"rg-a": 0})
	deployer := newFakeDeployer()
	groups := newFakeResourceGroups()
	engine := testEngine(entityStore, deployer, groups)
	ctx := context.Background()

	session, err := engine.CreateSession(ctx, CreateRequest{
		Name:                "clone",
		DiscoverySessionId:  discoveryId,
		TargetResourceGroup: "rg-mirror",
	})
	require.NoError(t, err)
	require.NoError(t, engine.DeployAllTemplates(ctx, session.Id))

	assert.Equal(t, []string{"rg-mirror"}, deployer.submitted)
	assert.Contains(t, groups.ensured, "rg-mirror")
}

func TestCancelSkipsUnfinishedTemplates(t *testing.T) {
	entityStore := memory.New()
	discoveryId := seedDiscovery(t, entityStore, map[string]int{"rg-a": 0, "rg-b": 1, "rg-c": 2})
	deployer := newFakeDeployer()
	engine := testEngine(entityStore, deployer, newFakeResourceGroups())
	ctx := context.Background()

	session, err := engine.CreateSession(ctx, CreateRequest{Name: "clone", DiscoverySessionId: discoveryId})
	require.NoError(t, err)

	templates, err := entityStore.TemplatesBySession(ctx, session.Id)
	require.NoError(t, err)
	templates[0].Status = mirror.TemplateStatusDeployed
	require.NoError(t, entityStore.UpdateTemplate(ctx, templates[0]))
	templates[1].Status = mirror.TemplateStatusDeploying
	templates[1].CloudDeploymentName = "clone-rg-b-1700000000"
	require.NoError(t, entityStore.UpdateTemplate(ctx, templates[1]))

	require.NoError(t, engine.Cancel(ctx, session.Id))

	cancelled, err := entityStore.GetDeploymentSession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.DeploymentStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	assert.Equal(t, []string{"clone-rg-b-1700000000"}, deployer.cancelled)

	refreshed, err := entityStore.TemplatesBySession(ctx, session.Id)
	require.NoError(t, err)
	assert.Equal(t, mirror.TemplateStatusDeployed, refreshed[0].Status)
	assert.Equal(t, mirror.TemplateStatusSkipped, refreshed[1].Status)
	assert.Equal(t, mirror.TemplateStatusSkipped, refreshed[2].Status)
	assert.Equal(t, "deployment session was cancelled", refreshed[2].ErrorMessage)

	// Cancelling a terminal session is a no-op.
	require.NoError(t, engine.Cancel(ctx, session.Id))
	assert.Len(t, deployer.cancelled, 1)
}
