// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

// Package mirror defines the entity model shared by the discovery, synthesis
// and deployment engines. Entities are plain records referenced by id; the
// state store owns all cross-worker sharing.
package mirror

import (
	"encoding/json"
	"fmt"
	"time"
)

type DiscoveryStatus string

const (
	DiscoveryStatusInProgress DiscoveryStatus = "InProgress"
	DiscoveryStatusCompleted  DiscoveryStatus = "Completed"
	DiscoveryStatusFailed     DiscoveryStatus = "Failed"
	DiscoveryStatusCancelled  DiscoveryStatus = "Cancelled"
)

// Terminal reports whether the session may no longer change state.
func (s DiscoveryStatus) Terminal() bool {
	return s == DiscoveryStatusCompleted || s == DiscoveryStatusFailed || s == DiscoveryStatusCancelled
}

type ResourceStatus string

const (
	ResourceStatusDiscovered        ResourceStatus = "Discovered"
	ResourceStatusAnalyzed          ResourceStatus = "Analyzed"
	ResourceStatusTemplateGenerated ResourceStatus = "TemplateGenerated"
	ResourceStatusReadyForCloning   ResourceStatus = "ReadyForCloning"
	ResourceStatusCloning           ResourceStatus = "Cloning"
	ResourceStatusCloned            ResourceStatus = "Cloned"
	ResourceStatusFailed            ResourceStatus = "Failed"
)

type EdgeType string

const (
	EdgeTypeNetwork            EdgeType = "Network"
	EdgeTypeStorage            EdgeType = "Storage"
	EdgeTypeIdentity           EdgeType = "Identity"
	EdgeTypeConfiguration      EdgeType = "Configuration"
	EdgeTypeParentChild        EdgeType = "ParentChild"
	EdgeTypeCrossResourceGroup EdgeType = "CrossResourceGroup"
)

type DeploymentStatus string

const (
	DeploymentStatusCreated           DeploymentStatus = "Created"
	DeploymentStatusValidating        DeploymentStatus = "Validating"
	DeploymentStatusValidationFailed  DeploymentStatus = "ValidationFailed"
	DeploymentStatusValidationPassed  DeploymentStatus = "ValidationPassed"
	DeploymentStatusDeploying         DeploymentStatus = "Deploying"
	DeploymentStatusPartiallyDeployed DeploymentStatus = "PartiallyDeployed"
	DeploymentStatusDeployed          DeploymentStatus = "Deployed"
	DeploymentStatusFailed            DeploymentStatus = "Failed"
	DeploymentStatusCancelled         DeploymentStatus = "Cancelled"
)

func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentStatusDeployed, DeploymentStatusPartiallyDeployed,
		DeploymentStatusFailed, DeploymentStatusCancelled:
		return true
	}
	return false
}

type TemplateStatus string

const (
	TemplateStatusCreated          TemplateStatus = "Created"
	TemplateStatusValidating       TemplateStatus = "Validating"
	TemplateStatusValidationFailed TemplateStatus = "ValidationFailed"
	TemplateStatusValidationPassed TemplateStatus = "ValidationPassed"
	TemplateStatusQueued           TemplateStatus = "Queued"
	TemplateStatusDeploying        TemplateStatus = "Deploying"
	TemplateStatusDeployed         TemplateStatus = "Deployed"
	TemplateStatusFailed           TemplateStatus = "Failed"
	TemplateStatusSkipped          TemplateStatus = "Skipped"
)

func (s TemplateStatus) Terminal() bool {
	switch s {
	case TemplateStatusDeployed, TemplateStatusFailed,
		TemplateStatusSkipped, TemplateStatusValidationFailed:
		return true
	}
	return false
}

type DeploymentMode string

const (
	DeploymentModeIncremental DeploymentMode = "Incremental"
	DeploymentModeComplete    DeploymentMode = "Complete"
)

// DiscoveryFilters narrows the resource graph query. Resource group names
// support a trailing '*' wildcard matched as a prefix; type filters are exact.
type DiscoveryFilters struct {
	ResourceGroups []string `json:"resourceGroups,omitempty"`
	ResourceTypes  []string `json:"resourceTypes,omitempty"`
}

// DiscoverySession is a bounded discovery run against a source subscription.
// Once the status is terminal the session no longer changes.
type DiscoverySession struct {
	Id                   string           `db:"id"`
	Name                 string           `db:"name"`
	ConnectionId         string           `db:"connection_id"`
	SourceSubscriptionId string           `db:"source_subscription_id"`
	TargetSubscriptionId string           `db:"target_subscription_id"`
	Filters              DiscoveryFilters `db:"-"`
	Status               DiscoveryStatus  `db:"status"`
	StartedAt            time.Time        `db:"started_at"`
	CompletedAt          *time.Time       `db:"completed_at"`
	TotalDiscovered      int              `db:"total_discovered"`
	Processed            int              `db:"processed"`
	ErrorMessage         string           `db:"error_message"`
}

// Resource is a discovered Azure resource owned by exactly one discovery
// session. The record id is the composite "<sessionId>/<azureId>".
type Resource struct {
	Id              string          `db:"id"`
	SessionId       string          `db:"session_id"`
	AzureId         string          `db:"azure_id"`
	Name            string          `db:"name"`
	Type            string          `db:"type"`
	ResourceGroup   string          `db:"resource_group"`
	SubscriptionId  string          `db:"subscription_id"`
	Location        string          `db:"location"`
	Kind            string          `db:"kind"`
	Sku             json.RawMessage `db:"sku"`
	Identity        json.RawMessage `db:"identity"`
	Plan            json.RawMessage `db:"plan"`
	Properties      json.RawMessage `db:"properties"`
	Tags            json.RawMessage `db:"tags"`
	ApiVersion      string          `db:"api_version"`
	ParentId        string          `db:"parent_id"`
	DependencyLevel int             `db:"dependency_level"`
	Status          ResourceStatus  `db:"status"`
	DiscoveredAt    time.Time       `db:"discovered_at"`
}

// ResourceRecordId builds the composite resource record id.
func ResourceRecordId(sessionId string, azureId string) string {
	return fmt.Sprintf("%s/%s", sessionId, azureId)
}

// ResourceEdge is a dependency edge between two resources of the same
// session. Self edges are forbidden; the (SourceId, TargetId) pair is unique.
type ResourceEdge struct {
	Id       string   `db:"id"`
	SourceId string   `db:"source_id"`
	TargetId string   `db:"target_id"`
	Type     EdgeType `db:"type"`
	Required bool     `db:"required"`
}

// DeploymentSession is a bounded deployment run derived from a completed
// discovery session.
type DeploymentSession struct {
	Id                  string           `db:"id"`
	Name                string           `db:"name"`
	DiscoverySessionId  string           `db:"discovery_session_id"`
	TargetSubscription  string           `db:"target_subscription_id"`
	TargetResourceGroup string           `db:"target_resource_group"`
	Mode                DeploymentMode   `db:"mode"`
	Status              DeploymentStatus `db:"status"`
	StartedAt           time.Time        `db:"started_at"`
	CompletedAt         *time.Time       `db:"completed_at"`
	TotalTemplates      int              `db:"total_templates"`
	Deployed            int              `db:"deployed"`
	Failed              int              `db:"failed"`
	ErrorMessage        string           `db:"error_message"`
	Outputs             map[string]any   `db:"-"`
}

// TemplateDeployment is one synthesized template targeting a single resource
// group, deployed as part of a deployment session.
type TemplateDeployment struct {
	Id                  string          `db:"id"`
	DeploymentSessionId string          `db:"deployment_session_id"`
	Name                string          `db:"name"`
	ResourceGroup       string          `db:"resource_group"`
	TemplateContent     json.RawMessage `db:"template_content"`
	ParametersContent   json.RawMessage `db:"parameters_content"`
	// CloudDeploymentName is the name of the ARM deployment object once the
	// template has been submitted.
	CloudDeploymentName string          `db:"cloud_deployment_name"`
	Status              TemplateStatus  `db:"status"`
	DependencyLevel     int             `db:"dependency_level"`
	CreatedAt           time.Time       `db:"created_at"`
	ValidatedAt         *time.Time      `db:"validated_at"`
	DeployedAt          *time.Time      `db:"deployed_at"`
	ValidationJson      json.RawMessage `db:"validation_json"`
	DeploymentJson      json.RawMessage `db:"deployment_json"`
	ErrorMessage        string          `db:"error_message"`
}
