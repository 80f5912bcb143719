// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/azure/azure-mirror/pkg/azapi"
	"github.com/azure/azure-mirror/pkg/convert"
	"github.com/azure/azure-mirror/pkg/deployment"
	"github.com/azure/azure-mirror/pkg/mirror"
	"github.com/azure/azure-mirror/pkg/store"
	"github.com/benbjohnson/clock"
)

// DiscoveryRunner runs the discovery pipeline for a session.
type DiscoveryRunner interface {
	Run(ctx context.Context, sessionId string) error
}

// TemplateRunner is the slice of the deployment engine the handlers drive.
type TemplateRunner interface {
	ValidateTemplate(ctx context.Context, templateId string) (*deployment.ValidationResult, error)
	DeployTemplate(ctx context.Context, templateId string) (*azapi.DeploymentSnapshot, error)
}

// Handlers wires the workflow queues to the discovery and deployment engines.
// Every handler is idempotent: redelivered messages for work that already
// reached a terminal state re-emit the stored outcome instead of repeating
// the work.
type Handlers struct {
	broker     *Broker
	discovery  DiscoveryRunner
	deployment TemplateRunner
	store      store.Store
	clock      clock.Clock
	logger     *slog.Logger
}

func NewHandlers(
	broker *Broker,
	discovery DiscoveryRunner,
	deploymentRunner TemplateRunner,
	entityStore store.Store,
	clk clock.Clock,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		broker:     broker,
		discovery:  discovery,
		deployment: deploymentRunner,
		store:      entityStore,
		clock:      clk,
		logger:     logger,
	}
}

// RegisterAll attaches all workflow queues to the broker, creating each queue
// through the factory.
func (h *Handlers) RegisterAll(newQueue func(name string) Queue) {
	h.broker.Register(QueueResourceDiscovery, newQueue(QueueResourceDiscovery), h.HandleDiscoveryRequested)
	h.broker.Register(QueueTemplateCreated, newQueue(QueueTemplateCreated), h.HandleTemplateCreated)
	h.broker.Register(QueueTemplateValidation, newQueue(QueueTemplateValidation), h.HandleTemplateValidated)
	h.broker.Register(QueueTemplateDeployment, newQueue(QueueTemplateDeployment), h.HandleTemplateDeployRequested)
	h.broker.Register(QueueTemplateDeploymentResult, newQueue(QueueTemplateDeploymentResult), h.HandleDeploymentResult)
}

// AnnounceSession publishes a template-created event for every template of
// the deployment session, starting the async pipeline.
func (h *Handlers) AnnounceSession(ctx context.Context, deploymentSessionId string) error {
	session, err := h.store.GetDeploymentSession(ctx, deploymentSessionId)
	if err != nil {
		return fmt.Errorf("loading deployment session '%s': %w", deploymentSessionId, err)
	}

	templates, err := h.store.TemplatesBySession(ctx, deploymentSessionId)
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}

	for _, template := range templates {
		event := TemplateCreated{
			TemplateId:          template.Id,
			DeploymentSessionId: session.Id,
			DiscoverySessionId:  session.DiscoverySessionId,
			Name:                template.Name,
			ResourceGroup:       template.ResourceGroup,
			DependencyLevel:     template.DependencyLevel,
			CreatedAt:           template.CreatedAt,
		}
		if err := h.broker.Send(ctx, QueueTemplateCreated, event); err != nil {
			return fmt.Errorf("announcing template '%s': %w", template.Id, err)
		}
	}

	return nil
}

// HandleDiscoveryRequested runs discovery for the requested session. A
// session that already reached a terminal state is left untouched.
func (h *Handlers) HandleDiscoveryRequested(ctx context.Context, message *QueuedMessage) error {
	var event DiscoveryRequested
	if err := json.Unmarshal(message.Body, &event); err != nil {
		return fmt.Errorf("decoding discovery request: %w", err)
	}

	session, err := h.store.GetDiscoverySession(ctx, event.SessionId)
	if err != nil {
		return fmt.Errorf("loading discovery session '%s': %w", event.SessionId, err)
	}

	if session.Status.Terminal() {
		h.logger.Debug("discovery already terminal", "sessionId", session.Id, "status", session.Status)
		return nil
	}

	return h.discovery.Run(ctx, event.SessionId)
}

// HandleTemplateCreated validates the template and publishes the validation
// outcome.
func (h *Handlers) HandleTemplateCreated(ctx context.Context, message *QueuedMessage) error {
	var event TemplateCreated
	if err := json.Unmarshal(message.Body, &event); err != nil {
		return fmt.Errorf("decoding template-created event: %w", err)
	}

	template, err := h.store.GetTemplate(ctx, event.TemplateId)
	if err != nil {
		return fmt.Errorf("loading template '%s': %w", event.TemplateId, err)
	}

	// Redelivery after the validation already ran: re-emit the stored
	// outcome so the pipeline makes progress.
	switch template.Status {
	case mirror.TemplateStatusValidationPassed, mirror.TemplateStatusValidationFailed:
		return h.publishValidated(ctx, template, template.Status == mirror.TemplateStatusValidationPassed)
	case mirror.TemplateStatusCreated, mirror.TemplateStatusValidating:
	default:
		return nil
	}

	result, err := h.deployment.ValidateTemplate(ctx, template.Id)
	if err != nil {
		return err
	}

	template, err = h.store.GetTemplate(ctx, event.TemplateId)
	if err != nil {
		return fmt.Errorf("reloading template '%s': %w", event.TemplateId, err)
	}

	return h.publishValidated(ctx, template, result.IsValid)
}

func (h *Handlers) publishValidated(ctx context.Context, template *mirror.TemplateDeployment, isValid bool) error {
	return h.broker.Send(ctx, QueueTemplateValidation, TemplateValidated{
		TemplateId:          template.Id,
		DeploymentSessionId: template.DeploymentSessionId,
		Name:                template.Name,
		ResourceGroup:       template.ResourceGroup,
		DependencyLevel:     template.DependencyLevel,
		IsValid:             isValid,
		ValidationJson:      template.ValidationJson,
		ValidatedAt:         h.clock.Now(),
	})
}

// HandleTemplateValidated queues deployment for templates that passed
// validation. A template whose dependency level is not yet reachable is
// parked as Queued and released by the deployment results of the levels
// below it; failed validations end the template's pipeline here.
func (h *Handlers) HandleTemplateValidated(ctx context.Context, message *QueuedMessage) error {
	var event TemplateValidated
	if err := json.Unmarshal(message.Body, &event); err != nil {
		return fmt.Errorf("decoding template-validation event: %w", err)
	}

	if !event.IsValid {
		h.logger.Info("template failed validation",
			"templateId", event.TemplateId,
			"resourceGroup", event.ResourceGroup)
		return h.progressSession(ctx, event.DeploymentSessionId)
	}

	session, err := h.store.GetDeploymentSession(ctx, event.DeploymentSessionId)
	if err != nil {
		return fmt.Errorf("loading deployment session '%s': %w", event.DeploymentSessionId, err)
	}
	if session.Status.Terminal() {
		return nil
	}

	template, err := h.store.GetTemplate(ctx, event.TemplateId)
	if err != nil {
		return fmt.Errorf("loading template '%s': %w", event.TemplateId, err)
	}

	switch template.Status {
	case mirror.TemplateStatusValidationPassed, mirror.TemplateStatusQueued:
	default:
		// Redelivery after the template moved on.
		return nil
	}

	pending, failed, err := h.lowerLevelState(ctx, template)
	if err != nil {
		return err
	}

	if failed {
		return h.progressSession(ctx, event.DeploymentSessionId)
	}

	if pending {
		if template.Status != mirror.TemplateStatusQueued {
			template.Status = mirror.TemplateStatusQueued
			if err := h.store.UpdateTemplate(ctx, template); err != nil {
				return fmt.Errorf("queueing template '%s': %w", template.Id, err)
			}
		}
		h.logger.Debug("template waits for lower dependency levels",
			"templateId", template.Id,
			"dependencyLevel", template.DependencyLevel)
		return nil
	}

	return h.requestDeployment(ctx, template)
}

// lowerLevelState reports whether any template below the given template's
// dependency level is still pending or has failed.
func (h *Handlers) lowerLevelState(
	ctx context.Context,
	template *mirror.TemplateDeployment,
) (pending bool, failed bool, err error) {
	templates, err := h.store.TemplatesBySession(ctx, template.DeploymentSessionId)
	if err != nil {
		return false, false, fmt.Errorf("loading templates: %w", err)
	}

	for _, peer := range templates {
		if peer.DependencyLevel >= template.DependencyLevel {
			continue
		}
		switch peer.Status {
		case mirror.TemplateStatusFailed, mirror.TemplateStatusValidationFailed:
			failed = true
		default:
			if !peer.Status.Terminal() {
				pending = true
			}
		}
	}

	return pending, failed, nil
}

func (h *Handlers) requestDeployment(ctx context.Context, template *mirror.TemplateDeployment) error {
	if template.Status == mirror.TemplateStatusQueued {
		template.Status = mirror.TemplateStatusValidationPassed
		if err := h.store.UpdateTemplate(ctx, template); err != nil {
			return fmt.Errorf("releasing template '%s': %w", template.Id, err)
		}
	}

	return h.broker.Send(ctx, QueueTemplateDeployment, TemplateDeployRequested{
		TemplateId:          template.Id,
		DeploymentSessionId: template.DeploymentSessionId,
		Name:                template.Name,
		ResourceGroup:       template.ResourceGroup,
		DependencyLevel:     template.DependencyLevel,
		RequestedAt:         h.clock.Now(),
	})
}

// HandleTemplateDeployRequested deploys the template once every template in
// the levels below it has finished, and publishes the terminal outcome. A
// request racing ahead of a lower level is abandoned for redelivery; failures
// that the engine persisted on the template are reported as results, not
// abandoned.
func (h *Handlers) HandleTemplateDeployRequested(ctx context.Context, message *QueuedMessage) error {
	var event TemplateDeployRequested
	if err := json.Unmarshal(message.Body, &event); err != nil {
		return fmt.Errorf("decoding template-deployment event: %w", err)
	}

	template, err := h.store.GetTemplate(ctx, event.TemplateId)
	if err != nil {
		return fmt.Errorf("loading template '%s': %w", event.TemplateId, err)
	}

	if !template.Status.Terminal() {
		pending, failed, err := h.lowerLevelState(ctx, template)
		if err != nil {
			return err
		}
		if failed {
			// A lower level already failed: the template is skipped, never
			// deployed.
			return h.progressSession(ctx, template.DeploymentSessionId)
		}
		if pending {
			return fmt.Errorf("template '%s' waits for dependency levels below %d to finish",
				template.Id, template.DependencyLevel)
		}
	}

	_, deployErr := h.deployment.DeployTemplate(ctx, event.TemplateId)

	template, err = h.store.GetTemplate(ctx, event.TemplateId)
	if err != nil {
		return fmt.Errorf("loading template '%s': %w", event.TemplateId, err)
	}

	if deployErr != nil && !template.Status.Terminal() {
		// Infrastructure failure before the engine could settle the
		// template; abandon for redelivery.
		return deployErr
	}

	return h.broker.Send(ctx, QueueTemplateDeploymentResult, TemplateDeploymentResult{
		TemplateId:          template.Id,
		DeploymentSessionId: template.DeploymentSessionId,
		Name:                template.Name,
		IsSuccess:           template.Status == mirror.TemplateStatusDeployed,
		DeploymentJson:      template.DeploymentJson,
		ErrorMessage:        template.ErrorMessage,
		CompletedAt:         h.clock.Now(),
	})
}

// HandleDeploymentResult advances the deployment wave and settles the session
// once every template reached a terminal state.
func (h *Handlers) HandleDeploymentResult(ctx context.Context, message *QueuedMessage) error {
	var event TemplateDeploymentResult
	if err := json.Unmarshal(message.Body, &event); err != nil {
		return fmt.Errorf("decoding template-deployment-result event: %w", err)
	}

	return h.progressSession(ctx, event.DeploymentSessionId)
}

// progressSession drives the session's level waves: once every template below
// the lowest unfinished level has deployed, the queued templates of that
// level are released for deployment. A failure anywhere stops the wave and
// skips every template that has not started yet. The session settles when
// nothing is left to do.
func (h *Handlers) progressSession(ctx context.Context, sessionId string) error {
	session, err := h.store.GetDeploymentSession(ctx, sessionId)
	if err != nil {
		return fmt.Errorf("loading deployment session '%s': %w", sessionId, err)
	}
	if session.Status.Terminal() {
		return nil
	}

	templates, err := h.store.TemplatesBySession(ctx, sessionId)
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}

	anyFailed := false
	lowestPending := -1
	for _, template := range templates {
		switch template.Status {
		case mirror.TemplateStatusFailed, mirror.TemplateStatusValidationFailed:
			anyFailed = true
		}
		if template.Status.Terminal() {
			continue
		}
		if lowestPending == -1 || template.DependencyLevel < lowestPending {
			lowestPending = template.DependencyLevel
		}
	}

	if anyFailed {
		// In-flight deployments finish on their own; everything else is
		// skipped so the session can settle.
		for _, template := range templates {
			if template.Status.Terminal() || template.Status == mirror.TemplateStatusDeploying {
				continue
			}
			template.Status = mirror.TemplateStatusSkipped
			template.ErrorMessage = "skipped after an earlier template failure"
			if err := h.store.UpdateTemplate(ctx, template); err != nil {
				return fmt.Errorf("skipping template '%s': %w", template.Id, err)
			}
		}
		return h.settleSession(ctx, sessionId)
	}

	if lowestPending >= 0 {
		for _, template := range templates {
			if template.DependencyLevel != lowestPending || template.Status != mirror.TemplateStatusQueued {
				continue
			}
			if err := h.requestDeployment(ctx, template); err != nil {
				return err
			}
		}
	}

	return h.settleSession(ctx, sessionId)
}

// settleSession recomputes the session counters from its templates and sets
// the terminal session status once all templates have finished. Recomputing
// from stored rows keeps redeliveries idempotent.
func (h *Handlers) settleSession(ctx context.Context, sessionId string) error {
	session, err := h.store.GetDeploymentSession(ctx, sessionId)
	if err != nil {
		return fmt.Errorf("loading deployment session '%s': %w", sessionId, err)
	}

	if session.Status.Terminal() {
		return nil
	}

	templates, err := h.store.TemplatesBySession(ctx, sessionId)
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}

	deployed, failed, terminal := 0, 0, 0
	for _, template := range templates {
		if template.Status.Terminal() {
			terminal++
		}
		switch template.Status {
		case mirror.TemplateStatusDeployed:
			deployed++
		case mirror.TemplateStatusFailed, mirror.TemplateStatusValidationFailed:
			failed++
		}
	}

	session.Deployed = deployed
	session.Failed = failed

	if terminal == len(templates) && len(templates) > 0 {
		switch {
		case failed == 0:
			session.Status = mirror.DeploymentStatusDeployed
		case deployed > 0:
			session.Status = mirror.DeploymentStatusPartiallyDeployed
		default:
			session.Status = mirror.DeploymentStatusFailed
		}
		session.CompletedAt = convert.RefOf(h.clock.Now())
	}

	if err := h.store.UpdateDeploymentSession(ctx, session); err != nil {
		return fmt.Errorf("updating deployment session: %w", err)
	}

	return nil
}
