// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package workflow

import (
	"encoding/json"
	"time"
)

// Queue names of the deployment workflow.
const (
	QueueResourceDiscovery        = "resource-discovery"
	QueueTemplateCreated          = "template-created"
	QueueTemplateValidation       = "template-validation"
	QueueTemplateDeployment       = "template-deployment"
	QueueTemplateDeploymentResult = "template-deployment-result"
)

// DiscoveryRequested triggers a discovery run for the session.
type DiscoveryRequested struct {
	SessionId string `json:"sessionId"`
}

// TemplateCreated announces a freshly synthesized template that awaits
// validation.
type TemplateCreated struct {
	TemplateId          string    `json:"templateId"`
	DeploymentSessionId string    `json:"deploymentSessionId"`
	DiscoverySessionId  string    `json:"discoverySessionId"`
	Name                string    `json:"name"`
	ResourceGroup       string    `json:"resourceGroup"`
	DependencyLevel     int       `json:"dependencyLevel"`
	CreatedAt           time.Time `json:"createdAt"`
}

// TemplateValidated carries the outcome of a validation pass.
type TemplateValidated struct {
	TemplateId          string          `json:"templateId"`
	DeploymentSessionId string          `json:"deploymentSessionId"`
	Name                string          `json:"name"`
	ResourceGroup       string          `json:"resourceGroup"`
	DependencyLevel     int             `json:"dependencyLevel"`
	IsValid             bool            `json:"isValid"`
	ValidationJson      json.RawMessage `json:"validationJson,omitempty"`
	ValidatedAt         time.Time       `json:"validatedAt"`
}

// TemplateDeployRequested asks for a validated template to be deployed.
type TemplateDeployRequested struct {
	TemplateId          string    `json:"templateId"`
	DeploymentSessionId string    `json:"deploymentSessionId"`
	Name                string    `json:"name"`
	ResourceGroup       string    `json:"resourceGroup"`
	DependencyLevel     int       `json:"dependencyLevel"`
	RequestedAt         time.Time `json:"requestedAt"`
}

// TemplateDeploymentResult carries the terminal outcome of one template
// deployment.
type TemplateDeploymentResult struct {
	TemplateId          string          `json:"templateId"`
	DeploymentSessionId string          `json:"deploymentSessionId"`
	Name                string          `json:"name"`
	IsSuccess           bool            `json:"isSuccess"`
	DeploymentJson      json.RawMessage `json:"deploymentJson,omitempty"`
	ErrorMessage        string          `json:"errorMessage,omitempty"`
	CompletedAt         time.Time       `json:"completedAt"`
}
