// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

// Package synthesis translates analyzed resource records into resource group
// scoped ARM deployment templates.
package synthesis

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/azure/azure-mirror/pkg/azure"
	"github.com/azure/azure-mirror/pkg/mirror"
	"github.com/google/uuid"
)

// GroupTemplate is the synthesized template for one resource group, together
// with the parameter values that reproduce the source resources.
type GroupTemplate struct {
	ResourceGroup string
	Level         int
	Template      *azure.ArmTemplate
	Parameters    azure.ArmParameters
}

// Synthesizer produces one deployment template per resource group of a
// discovery session. Resource declarations come from type-specific emitters;
// types without an emitter get a generic declaration with sanitized
// properties.
type Synthesizer struct {
	logger *slog.Logger
}

func NewSynthesizer(logger *slog.Logger) *Synthesizer {
	return &Synthesizer{logger: logger}
}

// Synthesize groups the resources by resource group and builds a template
// for each group. Group templates carry the highest dependency level of
// their resources so the deployment engine can order them.
func (s *Synthesizer) Synthesize(
	resources []*mirror.Resource,
	edges []*mirror.ResourceEdge,
) ([]*GroupTemplate, error) {
	groups := map[string][]*mirror.Resource{}
	for _, resource := range resources {
		key := strings.ToLower(resource.ResourceGroup)
		groups[key] = append(groups[key], resource)
	}

	groupNames := make([]string, 0, len(groups))
	for name := range groups {
		groupNames = append(groupNames, name)
	}
	sort.Strings(groupNames)

	templates := make([]*GroupTemplate, 0, len(groups))
	for _, name := range groupNames {
		group := groups[name]
		template, err := s.synthesizeGroup(group[0].ResourceGroup, group, edges)
		if err != nil {
			return nil, fmt.Errorf("synthesizing template for resource group '%s': %w", group[0].ResourceGroup, err)
		}

		templates = append(templates, template)
	}

	return templates, nil
}

func (s *Synthesizer) synthesizeGroup(
	resourceGroup string,
	group []*mirror.Resource,
	edges []*mirror.ResourceEdge,
) (*GroupTemplate, error) {
	sort.SliceStable(group, func(i, j int) bool {
		if group[i].DependencyLevel != group[j].DependencyLevel {
			return group[i].DependencyLevel < group[j].DependencyLevel
		}
		return group[i].Name < group[j].Name
	})

	scope := newGroupScope(resourceGroup, group, edges)

	template := &azure.ArmTemplate{
		Schema:         azure.DeploymentTemplateSchema,
		ContentVersion: "1.0.0.0",
		Parameters:     azure.ArmTemplateParameterDefinitions{},
		Variables: map[string]any{
			"resourcePrefix": resourceGroup + "-",
		},
		Resources: []*azure.ArmTemplateResource{},
		Outputs:   azure.ArmTemplateOutputs{},
	}
	values := azure.ArmParameters{}

	level := 0
	for _, resource := range group {
		if resource.DependencyLevel > level {
			level = resource.DependencyLevel
		}

		safeName := scope.safeNames[resource.Id]
		deployName := deploymentResourceName(resource)

		template.Parameters[safeName+"Name"] = azure.ArmTemplateParameterDefinition{
			Type:         "string",
			DefaultValue: deployName,
		}
		template.Parameters[safeName+"Location"] = azure.ArmTemplateParameterDefinition{
			Type:         "string",
			DefaultValue: resource.Location,
		}
		values[safeName+"Name"] = azure.ArmParameter{Value: deployName}
		values[safeName+"Location"] = azure.ArmParameter{Value: resource.Location}

		declaration := emitterFor(resource.Type)(resource, scope)
		declaration.DependsOn = scope.dependsOn(resource)
		template.Resources = append(template.Resources, declaration)

		template.Outputs[safeName+"Id"] = azure.ArmTemplateOutput{
			Type:  "string",
			Value: resourceIdExpression(resource.Type, safeName),
		}
	}

	if scope.hasSqlServer {
		template.Parameters["sqlAdminPassword"] = azure.ArmTemplateParameterDefinition{
			Type: "secureString",
		}
		values["sqlAdminPassword"] = azure.ArmParameter{Value: generatePassword()}
	}

	if scope.hasUnlinkedWebApp {
		template.Parameters["defaultAppServicePlan"] = azure.ArmTemplateParameterDefinition{
			Type:         "string",
			DefaultValue: resourceGroup + "-asp",
		}
		values["defaultAppServicePlan"] = azure.ArmParameter{Value: resourceGroup + "-asp"}
	}

	s.logger.Debug("synthesized template",
		"resourceGroup", resourceGroup,
		"resources", len(template.Resources),
		"level", level)

	return &GroupTemplate{
		ResourceGroup: resourceGroup,
		Level:         level,
		Template:      template,
		Parameters:    values,
	}, nil
}

// groupScope carries the per-group context the emitters need: safe names,
// same-group edges, and which shared parameters the group requires.
type groupScope struct {
	resources         map[string]*mirror.Resource
	safeNames         map[string]string
	outEdges          map[string][]*mirror.ResourceEdge
	hasSqlServer      bool
	hasUnlinkedWebApp bool
}

func newGroupScope(resourceGroup string, group []*mirror.Resource, edges []*mirror.ResourceEdge) *groupScope {
	scope := &groupScope{
		resources: map[string]*mirror.Resource{},
		safeNames: map[string]string{},
		outEdges:  map[string][]*mirror.ResourceEdge{},
	}

	groupHasPlan := false
	taken := map[string]int{}
	for _, resource := range group {
		scope.resources[resource.Id] = resource

		name := safeIdentifier(resource.Name)
		if count := taken[name]; count > 0 {
			taken[name] = count + 1
			name = fmt.Sprintf("%s%d", name, count+1)
		}
		taken[name]++
		scope.safeNames[resource.Id] = name

		switch strings.ToLower(resource.Type) {
		case typeSqlServer:
			scope.hasSqlServer = true
		case typeAppServicePlan:
			groupHasPlan = true
		}
	}

	// Only edges whose both endpoints are in this group generate dependsOn;
	// cross-group ordering is handled by level-wise deployment.
	for _, edge := range edges {
		if _, sourceHere := scope.resources[edge.SourceId]; !sourceHere {
			continue
		}
		if _, targetHere := scope.resources[edge.TargetId]; !targetHere {
			continue
		}
		scope.outEdges[edge.SourceId] = append(scope.outEdges[edge.SourceId], edge)
	}

	for _, resource := range group {
		if strings.ToLower(resource.Type) != typeWebApp {
			continue
		}
		if !groupHasPlan || scope.linkedPlan(resource) == nil {
			scope.hasUnlinkedWebApp = true
		}
	}

	return scope
}

// linkedPlan returns the app service plan this web app depends on within the
// group, if any.
func (scope *groupScope) linkedPlan(webApp *mirror.Resource) *mirror.Resource {
	for _, edge := range scope.outEdges[webApp.Id] {
		target := scope.resources[edge.TargetId]
		if target != nil && strings.ToLower(target.Type) == typeAppServicePlan {
			return target
		}
	}
	return nil
}

func (scope *groupScope) dependsOn(resource *mirror.Resource) []string {
	edges := scope.outEdges[resource.Id]
	if len(edges) == 0 {
		return nil
	}

	seen := map[string]struct{}{}
	refs := make([]string, 0, len(edges))
	for _, edge := range edges {
		target := scope.resources[edge.TargetId]
		ref := resourceIdExpression(target.Type, scope.safeNames[target.Id])
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}

	sort.Strings(refs)
	return refs
}

func resourceIdExpression(resourceType string, safeName string) string {
	return fmt.Sprintf("[resourceId('%s', parameters('%sName'))]", resourceType, safeName)
}

// safeIdentifier derives a template identifier from a resource name:
// non-alphanumerics are stripped and a leading digit gets a 'p' prefix.
func safeIdentifier(name string) string {
	var builder strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			builder.WriteRune(r)
		}
	}

	safe := builder.String()
	if safe == "" {
		return "resource"
	}
	if unicode.IsDigit(rune(safe[0])) {
		safe = "p" + safe
	}

	return safe
}

// deploymentResourceName adjusts the source name to the target's naming
// rules. Storage account names are lowercase alphanumerics, 3 to 24 chars.
func deploymentResourceName(resource *mirror.Resource) string {
	if strings.ToLower(resource.Type) != typeStorageAccount {
		return resource.Name
	}

	var builder strings.Builder
	for _, r := range strings.ToLower(resource.Name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
		}
	}

	name := builder.String()
	for len(name) < 3 {
		name += "0"
	}
	if len(name) > 24 {
		name = name[:24]
	}

	return name
}

func generatePassword() string {
	return "Mp1!" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func parseDoc(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}

	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}

	return doc
}
