// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

// Package deployment drives the validate and deploy workflow of synthesized
// templates against the target subscription.
package deployment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/azure/azure-mirror/pkg/azapi"
	"github.com/azure/azure-mirror/pkg/azure"
	"github.com/azure/azure-mirror/pkg/convert"
	"github.com/azure/azure-mirror/pkg/mirror"
	"github.com/azure/azure-mirror/pkg/store"
	"github.com/azure/azure-mirror/pkg/synthesis"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// ErrInvalidState is returned when an operation requires a session state the
// session is not in, such as deploying from an incomplete discovery.
var ErrInvalidState = errors.New("session is in an invalid state for this operation")

// Deployer is the slice of the cloud API the engine needs to validate,
// submit, monitor and cancel ARM deployments.
type Deployer interface {
	GenerateDeploymentName(baseName string) string
	ValidateDeployment(
		ctx context.Context,
		subscriptionId string,
		resourceGroup string,
		deploymentName string,
		armTemplate azure.RawArmTemplate,
		parameters azure.ArmParameters,
		mode mirror.DeploymentMode,
	) (*azapi.ValidationOutcome, error)
	SubmitDeployment(
		ctx context.Context,
		subscriptionId string,
		resourceGroup string,
		deploymentName string,
		armTemplate azure.RawArmTemplate,
		parameters azure.ArmParameters,
		mode mirror.DeploymentMode,
	) (string, error)
	GetDeployment(
		ctx context.Context,
		subscriptionId string,
		resourceGroup string,
		deploymentName string,
	) (*azapi.DeploymentSnapshot, error)
	CancelDeployment(
		ctx context.Context,
		subscriptionId string,
		resourceGroup string,
		deploymentName string,
	) (bool, error)
}

// ResourceGroups ensures target resource groups exist before deployment.
type ResourceGroups interface {
	EnsureResourceGroup(
		ctx context.Context,
		subscriptionId string,
		resourceGroupName string,
		location string,
		tags map[string]*string,
	) error
}

// ValidationResult is the structured outcome of validating one template.
type ValidationResult struct {
	TemplateId string        `json:"templateId"`
	IsValid    bool          `json:"isValid"`
	Errors     []string      `json:"errors,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	Duration   time.Duration `json:"duration"`
	At         time.Time     `json:"at"`
}

// Engine creates deployment sessions from completed discoveries and drives
// their templates through validation and level-ordered deployment.
type Engine struct {
	store          store.Store
	deployer       Deployer
	resourceGroups ResourceGroups
	synthesizer    *synthesis.Synthesizer
	clock          clock.Clock
	options        mirror.Options
	logger         *slog.Logger
}

func NewEngine(
	entityStore store.Store,
	deployer Deployer,
	resourceGroups ResourceGroups,
	synthesizer *synthesis.Synthesizer,
	clk clock.Clock,
	options mirror.Options,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:          entityStore,
		deployer:       deployer,
		resourceGroups: resourceGroups,
		synthesizer:    synthesizer,
		clock:          clk,
		options:        options.WithDefaults(),
		logger:         logger,
	}
}

// CreateRequest describes a new deployment session.
type CreateRequest struct {
	Name               string
	DiscoverySessionId string
	// TargetResourceGroup optionally redirects every template into a single
	// resource group instead of mirroring the source group names.
	TargetResourceGroup string
	Mode                mirror.DeploymentMode
}

// CreateSession synthesizes the discovery's resources into per-resource-group
// templates and persists the session with its template rows.
func (e *Engine) CreateSession(ctx context.Context, request CreateRequest) (*mirror.DeploymentSession, error) {
	discovery, err := e.store.GetDiscoverySession(ctx, request.DiscoverySessionId)
	if err != nil {
		return nil, fmt.Errorf("loading discovery session '%s': %w", request.DiscoverySessionId, err)
	}

	if discovery.Status != mirror.DiscoveryStatusCompleted {
		return nil, fmt.Errorf(
			"discovery session '%s' has status '%s', want '%s': %w",
			discovery.Id, discovery.Status, mirror.DiscoveryStatusCompleted, ErrInvalidState)
	}

	resources, err := e.store.ResourcesBySession(ctx, discovery.Id)
	if err != nil {
		return nil, fmt.Errorf("loading resources: %w", err)
	}

	edges, err := e.store.EdgesBySession(ctx, discovery.Id)
	if err != nil {
		return nil, fmt.Errorf("loading dependency edges: %w", err)
	}

	groupTemplates, err := e.synthesizer.Synthesize(resources, edges)
	if err != nil {
		return nil, err
	}

	mode := request.Mode
	if mode == "" {
		mode = mirror.DeploymentModeIncremental
	}

	session := &mirror.DeploymentSession{
		Id:                  uuid.NewString(),
		Name:                request.Name,
		DiscoverySessionId:  discovery.Id,
		TargetSubscription:  discovery.TargetSubscriptionId,
		TargetResourceGroup: request.TargetResourceGroup,
		Mode:                mode,
		Status:              mirror.DeploymentStatusCreated,
		StartedAt:           e.clock.Now(),
		TotalTemplates:      len(groupTemplates),
		Outputs:             map[string]any{},
	}

	templates := make([]*mirror.TemplateDeployment, 0, len(groupTemplates))
	for _, groupTemplate := range groupTemplates {
		rawTemplate, err := groupTemplate.Template.ToRaw()
		if err != nil {
			return nil, fmt.Errorf("marshaling template for '%s': %w", groupTemplate.ResourceGroup, err)
		}

		rawParameters, err := json.Marshal(groupTemplate.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshaling parameters for '%s': %w", groupTemplate.ResourceGroup, err)
		}

		templates = append(templates, &mirror.TemplateDeployment{
			Id:                  uuid.NewString(),
			DeploymentSessionId: session.Id,
			Name:                fmt.Sprintf("%s-%s", request.Name, groupTemplate.ResourceGroup),
			ResourceGroup:       groupTemplate.ResourceGroup,
			TemplateContent:     rawTemplate,
			ParametersContent:   rawParameters,
			Status:              mirror.TemplateStatusCreated,
			DependencyLevel:     groupTemplate.Level,
			CreatedAt:           e.clock.Now(),
		})
	}

	if err := e.store.CreateDeploymentSession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating deployment session: %w", err)
	}

	if err := e.store.SaveTemplates(ctx, templates); err != nil {
		return nil, fmt.Errorf("persisting templates: %w", err)
	}

	e.logger.Info("deployment session created",
		"sessionId", session.Id,
		"discoverySessionId", discovery.Id,
		"templates", len(templates))

	return session, nil
}

// ValidateTemplate runs pre-validation and the cloud preflight for one
// template and persists the terminal validation status.
func (e *Engine) ValidateTemplate(ctx context.Context, templateId string) (*ValidationResult, error) {
	template, err := e.store.GetTemplate(ctx, templateId)
	if err != nil {
		return nil, fmt.Errorf("loading template '%s': %w", templateId, err)
	}

	session, err := e.store.GetDeploymentSession(ctx, template.DeploymentSessionId)
	if err != nil {
		return nil, fmt.Errorf("loading deployment session: %w", err)
	}

	startedAt := e.clock.Now()
	template.Status = mirror.TemplateStatusValidating
	if err := e.store.UpdateTemplate(ctx, template); err != nil {
		return nil, fmt.Errorf("updating template: %w", err)
	}

	result := &ValidationResult{TemplateId: template.Id, At: startedAt}

	if issues := synthesis.PreValidate(template.TemplateContent); len(issues) > 0 {
		for _, issue := range issues {
			result.Errors = append(result.Errors, issue.String())
		}
		result.Duration = e.clock.Now().Sub(startedAt)

		return result, e.persistValidation(ctx, template, result, issues)
	}

	parameters := azure.ArmParameters{}
	if len(template.ParametersContent) > 0 {
		if err := json.Unmarshal(template.ParametersContent, &parameters); err != nil {
			return nil, fmt.Errorf("parsing template parameters: %w", err)
		}
	}

	outcome, err := e.deployer.ValidateDeployment(
		ctx,
		session.TargetSubscription,
		e.targetResourceGroup(session, template),
		e.deployer.GenerateDeploymentName(template.Name),
		azure.RawArmTemplate(template.TemplateContent),
		parameters,
		mirror.DeploymentModeIncremental,
	)
	if err != nil {
		return nil, fmt.Errorf("validating template '%s': %w", template.Id, err)
	}

	result.IsValid = outcome.IsValid
	for _, line := range outcome.Errors() {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", line.Code, line.Message))
	}
	result.Duration = e.clock.Now().Sub(startedAt)

	template.ValidationJson = outcome.Raw
	return result, e.persistValidation(ctx, template, result, nil)
}

func (e *Engine) persistValidation(
	ctx context.Context,
	template *mirror.TemplateDeployment,
	result *ValidationResult,
	issues []synthesis.Issue,
) error {
	if issues != nil {
		raw, err := json.Marshal(issues)
		if err != nil {
			return fmt.Errorf("marshaling validation issues: %w", err)
		}
		template.ValidationJson = raw
	}

	if result.IsValid {
		template.Status = mirror.TemplateStatusValidationPassed
	} else {
		template.Status = mirror.TemplateStatusValidationFailed
		template.ErrorMessage = firstOrEmpty(result.Errors)
	}
	template.ValidatedAt = convert.RefOf(e.clock.Now())

	if err := e.store.UpdateTemplate(ctx, template); err != nil {
		return fmt.Errorf("persisting validation result: %w", err)
	}

	return nil
}

// ValidateAllTemplates validates the session's templates sequentially and
// sets the session status to ValidationPassed only when every template is
// valid.
func (e *Engine) ValidateAllTemplates(ctx context.Context, sessionId string) ([]*ValidationResult, error) {
	session, err := e.store.GetDeploymentSession(ctx, sessionId)
	if err != nil {
		return nil, fmt.Errorf("loading deployment session '%s': %w", sessionId, err)
	}

	templates, err := e.store.TemplatesBySession(ctx, sessionId)
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}

	session.Status = mirror.DeploymentStatusValidating
	if err := e.store.UpdateDeploymentSession(ctx, session); err != nil {
		return nil, fmt.Errorf("updating deployment session: %w", err)
	}

	allValid := true
	results := make([]*ValidationResult, 0, len(templates))
	for _, template := range templates {
		result, err := e.ValidateTemplate(ctx, template.Id)
		if err != nil {
			return nil, err
		}

		allValid = allValid && result.IsValid
		results = append(results, result)
	}

	if allValid {
		session.Status = mirror.DeploymentStatusValidationPassed
	} else {
		session.Status = mirror.DeploymentStatusValidationFailed
	}

	if err := e.store.UpdateDeploymentSession(ctx, session); err != nil {
		return nil, fmt.Errorf("updating deployment session: %w", err)
	}

	return results, nil
}

// DeployTemplate ensures the target resource group, submits the deployment
// and monitors it to a terminal state, persisting the outcome.
func (e *Engine) DeployTemplate(ctx context.Context, templateId string) (*azapi.DeploymentSnapshot, error) {
	template, err := e.store.GetTemplate(ctx, templateId)
	if err != nil {
		return nil, fmt.Errorf("loading template '%s': %w", templateId, err)
	}

	if template.Status.Terminal() {
		// Redelivered message for a finished template.
		return nil, nil
	}

	session, err := e.store.GetDeploymentSession(ctx, template.DeploymentSessionId)
	if err != nil {
		return nil, fmt.Errorf("loading deployment session: %w", err)
	}

	resourceGroup := e.targetResourceGroup(session, template)
	location, err := e.templateLocation(template)
	if err != nil {
		return nil, err
	}

	if err := e.resourceGroups.EnsureResourceGroup(
		ctx, session.TargetSubscription, resourceGroup, location, nil); err != nil {
		return nil, e.failTemplate(ctx, template, fmt.Errorf("ensuring resource group '%s': %w", resourceGroup, err))
	}

	parameters := azure.ArmParameters{}
	if len(template.ParametersContent) > 0 {
		if err := json.Unmarshal(template.ParametersContent, &parameters); err != nil {
			return nil, fmt.Errorf("parsing template parameters: %w", err)
		}
	}

	deploymentName := e.deployer.GenerateDeploymentName(template.Name)
	template.Status = mirror.TemplateStatusDeploying
	template.CloudDeploymentName = deploymentName
	if err := e.store.UpdateTemplate(ctx, template); err != nil {
		return nil, fmt.Errorf("updating template: %w", err)
	}

	if _, err := e.deployer.SubmitDeployment(
		ctx,
		session.TargetSubscription,
		resourceGroup,
		deploymentName,
		azure.RawArmTemplate(template.TemplateContent),
		parameters,
		session.Mode,
	); err != nil {
		return nil, e.failTemplate(ctx, template, fmt.Errorf("submitting deployment: %w", err))
	}

	snapshot, err := e.monitor(ctx, session.TargetSubscription, resourceGroup, deploymentName)
	if err != nil {
		return nil, e.failTemplate(ctx, template, err)
	}

	template.DeploymentJson = snapshot.Raw
	template.DeployedAt = convert.RefOf(e.clock.Now())

	if snapshot.State == azapi.DeploymentStateSucceeded {
		template.Status = mirror.TemplateStatusDeployed
	} else {
		template.Status = mirror.TemplateStatusFailed
		if snapshot.Error != nil {
			template.ErrorMessage = fmt.Sprintf("%s: %s", snapshot.Error.Code, snapshot.Error.Message)
		} else {
			template.ErrorMessage = fmt.Sprintf("deployment finished in state '%s'", snapshot.State)
		}
	}

	if err := e.store.UpdateTemplate(ctx, template); err != nil {
		return nil, fmt.Errorf("persisting deployment result: %w", err)
	}

	return snapshot, nil
}

// monitor polls the deployment until it reaches a terminal state, for at
// most MaxPollAttempts polls spaced PollInterval apart.
func (e *Engine) monitor(
	ctx context.Context,
	subscriptionId string,
	resourceGroup string,
	deploymentName string,
) (*azapi.DeploymentSnapshot, error) {
	for attempt := 0; attempt < e.options.MaxPollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-e.clock.After(e.options.PollInterval):
			}
		}

		snapshot, err := e.deployer.GetDeployment(ctx, subscriptionId, resourceGroup, deploymentName)
		if err != nil {
			if errors.Is(err, azapi.ErrDeploymentNotFound) {
				// The PUT may not be visible yet.
				continue
			}
			if azapi.IsTransient(err) {
				continue
			}
			return nil, err
		}

		if snapshot.State.Terminal() {
			return snapshot, nil
		}
	}

	return nil, fmt.Errorf("deployment '%s' in resource group '%s': %w",
		deploymentName, resourceGroup, azapi.ErrDeploymentTimeout)
}

func (e *Engine) failTemplate(ctx context.Context, template *mirror.TemplateDeployment, cause error) error {
	template.Status = mirror.TemplateStatusFailed
	template.ErrorMessage = cause.Error()
	if err := e.store.UpdateTemplate(ctx, template); err != nil {
		e.logger.Error("persisting failed template", "templateId", template.Id, "error", err)
	}

	return cause
}

// DeployAllTemplates deploys the session's templates level by level in
// ascending order, sequentially within a level, stopping at the first
// failure. Outputs of succeeded templates aggregate into the session.
func (e *Engine) DeployAllTemplates(ctx context.Context, sessionId string) error {
	session, err := e.store.GetDeploymentSession(ctx, sessionId)
	if err != nil {
		return fmt.Errorf("loading deployment session '%s': %w", sessionId, err)
	}

	if session.Status.Terminal() {
		return fmt.Errorf(
			"deployment session '%s' has status '%s': %w",
			session.Id, session.Status, ErrInvalidState)
	}

	templates, err := e.store.TemplatesBySession(ctx, sessionId)
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}

	session.Status = mirror.DeploymentStatusDeploying
	if err := e.store.UpdateDeploymentSession(ctx, session); err != nil {
		return fmt.Errorf("updating deployment session: %w", err)
	}

	if session.Outputs == nil {
		session.Outputs = map[string]any{}
	}

	// The loop counts every template, finished or fresh, so a resumed run
	// recomputes the totals instead of stacking them on persisted values.
	session.Deployed = 0
	session.Failed = 0

	levels := groupByLevel(templates)
	stopped := false

	for levelIndex, level := range levels {
		// Cancellation is observed at the top of each level.
		current, err := e.store.GetDeploymentSession(ctx, sessionId)
		if err != nil {
			return fmt.Errorf("reloading deployment session: %w", err)
		}
		if current.Status == mirror.DeploymentStatusCancelled {
			return nil
		}

		if levelIndex > 0 {
			e.clock.Sleep(e.options.RetryDelay)
		}

		for _, template := range level {
			current, err := e.store.GetTemplate(ctx, template.Id)
			if err != nil {
				return fmt.Errorf("loading template '%s': %w", template.Id, err)
			}

			// Templates that already finished count toward the totals; a
			// failed one stops the level like a fresh failure would.
			switch current.Status {
			case mirror.TemplateStatusDeployed:
				session.Deployed++
				continue
			case mirror.TemplateStatusFailed, mirror.TemplateStatusValidationFailed:
				session.Failed++
				stopped = true
			case mirror.TemplateStatusSkipped:
				continue
			default:
				snapshot, err := e.DeployTemplate(ctx, template.Id)
				if err != nil || snapshot == nil || snapshot.State != azapi.DeploymentStateSucceeded {
					session.Failed++
					stopped = true
					break
				}

				session.Deployed++
				if snapshot != nil {
					for key, output := range snapshot.Outputs {
						session.Outputs[key] = output.Value
					}
				}

				if err := e.store.UpdateDeploymentSession(ctx, session); err != nil {
					return fmt.Errorf("updating deployment progress: %w", err)
				}
			}

			if stopped {
				break
			}
		}

		if stopped {
			break
		}
	}

	if stopped {
		if session.Deployed > 0 {
			session.Status = mirror.DeploymentStatusPartiallyDeployed
		} else {
			session.Status = mirror.DeploymentStatusFailed
		}
		session.ErrorMessage = "deployment stopped at first template failure"
	} else {
		session.Status = mirror.DeploymentStatusDeployed
	}
	session.CompletedAt = convert.RefOf(e.clock.Now())

	if err := e.store.UpdateDeploymentSession(ctx, session); err != nil {
		return fmt.Errorf("completing deployment session: %w", err)
	}

	return nil
}

// Cancel marks the session cancelled, skips templates that have not finished
// and requests a best-effort cloud-side cancel for in-flight deployments.
func (e *Engine) Cancel(ctx context.Context, sessionId string) error {
	session, err := e.store.GetDeploymentSession(ctx, sessionId)
	if err != nil {
		return fmt.Errorf("loading deployment session '%s': %w", sessionId, err)
	}

	if session.Status.Terminal() {
		return nil
	}

	session.Status = mirror.DeploymentStatusCancelled
	session.CompletedAt = convert.RefOf(e.clock.Now())
	if err := e.store.UpdateDeploymentSession(ctx, session); err != nil {
		return fmt.Errorf("cancelling deployment session: %w", err)
	}

	templates, err := e.store.TemplatesBySession(ctx, sessionId)
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}

	for _, template := range templates {
		switch template.Status {
		case mirror.TemplateStatusDeploying:
			// Best effort: a deployment that already finished is not
			// cancellable and that is fine.
			resourceGroup := e.targetResourceGroup(session, template)
			if _, err := e.deployer.CancelDeployment(
				ctx, session.TargetSubscription, resourceGroup, template.CloudDeploymentName); err != nil {
				e.logger.Warn("cancelling cloud deployment",
					"templateId", template.Id,
					"resourceGroup", resourceGroup,
					"error", err)
			}
		case mirror.TemplateStatusCreated, mirror.TemplateStatusQueued,
			mirror.TemplateStatusValidating, mirror.TemplateStatusValidationPassed:
		default:
			continue
		}

		template.Status = mirror.TemplateStatusSkipped
		template.ErrorMessage = "deployment session was cancelled"
		if err := e.store.UpdateTemplate(ctx, template); err != nil {
			return fmt.Errorf("skipping template '%s': %w", template.Id, err)
		}
	}

	return nil
}

func (e *Engine) targetResourceGroup(
	session *mirror.DeploymentSession,
	template *mirror.TemplateDeployment,
) string {
	if session.TargetResourceGroup != "" {
		return session.TargetResourceGroup
	}
	return template.ResourceGroup
}

// templateLocation picks the location for the target resource group from the
// first location parameter default in the template.
func (e *Engine) templateLocation(template *mirror.TemplateDeployment) (string, error) {
	parameters := azure.ArmParameters{}
	if len(template.ParametersContent) > 0 {
		if err := json.Unmarshal(template.ParametersContent, &parameters); err != nil {
			return "", fmt.Errorf("parsing template parameters: %w", err)
		}
	}

	names := make([]string, 0, len(parameters))
	for name := range parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if len(name) > len("Location") && name[len(name)-len("Location"):] == "Location" {
			if location, ok := parameters[name].Value.(string); ok && location != "" {
				return location, nil
			}
		}
	}

	return "eastus", nil
}

// groupByLevel splits templates into ascending level buckets.
func groupByLevel(templates []*mirror.TemplateDeployment) [][]*mirror.TemplateDeployment {
	byLevel := map[int][]*mirror.TemplateDeployment{}
	for _, template := range templates {
		byLevel[template.DependencyLevel] = append(byLevel[template.DependencyLevel], template)
	}

	levels := make([]int, 0, len(byLevel))
	for level := range byLevel {
		levels = append(levels, level)
	}
	sort.Ints(levels)

	out := make([][]*mirror.TemplateDeployment, 0, len(levels))
	for _, level := range levels {
		out = append(out, byLevel[level])
	}

	return out
}

func firstOrEmpty(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
