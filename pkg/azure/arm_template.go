// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package azure

import (
	"encoding/json"
)

// DeploymentTemplateSchema is the $schema value for resource group scoped
// deployment templates.
const DeploymentTemplateSchema = "https://schema.management.azure.com/schemas/2019-04-01/deploymentTemplate.json#"

// RawArmTemplate is a JSON encoded ARM template.
type RawArmTemplate = json.RawMessage

// ArmTemplate represents an Azure Resource Manager deployment template. It follows the structure outlined
// at https://learn.microsoft.com/azure/azure-resource-manager/templates/syntax, but only exposes portions of the
// object that the mirroring engine cares about.
type ArmTemplate struct {
	Schema         string                          `json:"$schema"`
	ContentVersion string                          `json:"contentVersion"`
	Parameters     ArmTemplateParameterDefinitions `json:"parameters"`
	Variables      map[string]any                  `json:"variables"`
	Resources      []*ArmTemplateResource          `json:"resources"`
	Outputs        ArmTemplateOutputs              `json:"outputs"`
}

type ArmTemplateParameterDefinitions map[string]ArmTemplateParameterDefinition

type ArmTemplateOutputs map[string]ArmTemplateOutput

type ArmTemplateParameterDefinition struct {
	Type         string                     `json:"type"`
	DefaultValue any                        `json:"defaultValue,omitempty"`
	MinLength    *int                       `json:"minLength,omitempty"`
	MaxLength    *int                       `json:"maxLength,omitempty"`
	Metadata     map[string]json.RawMessage `json:"metadata,omitempty"`
}

func (d *ArmTemplateParameterDefinition) Secure() bool {
	return d.Type == "secureObject" || d.Type == "secureString"
}

// ArmTemplateResource is a single resource declaration within a deployment
// template. Optional envelope fields (kind, sku, identity, plan) are emitted
// only when present on the source resource.
type ArmTemplateResource struct {
	Type       string          `json:"type"`
	ApiVersion string          `json:"apiVersion"`
	Name       string          `json:"name"`
	Location   string          `json:"location,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Sku        json.RawMessage `json:"sku,omitempty"`
	Identity   json.RawMessage `json:"identity,omitempty"`
	Plan       json.RawMessage `json:"plan,omitempty"`
	Tags       map[string]any  `json:"tags,omitempty"`
	Properties map[string]any  `json:"properties,omitempty"`
	DependsOn  []string        `json:"dependsOn,omitempty"`
}

type ArmTemplateOutput struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// ToRaw marshals the template into its wire form.
func (t *ArmTemplate) ToRaw() (RawArmTemplate, error) {
	return json.Marshal(t)
}

// ArmParameters is the model type for the values of parameters passed to a deployment.
type ArmParameters map[string]ArmParameter

type ArmParameter struct {
	Value any `json:"value"`
}
