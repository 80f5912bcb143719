// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package discovery

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/azure/azure-mirror/pkg/mirror"
	"github.com/google/uuid"
)

// Resource type strings the analyzer dispatches on, lowercased.
const (
	typeVirtualMachine   = "microsoft.compute/virtualmachines"
	typeNetworkInterface = "microsoft.network/networkinterfaces"
	typeStorageAccount   = "microsoft.storage/storageaccounts"
	typeWebApp           = "microsoft.web/sites"
	typeAppServicePlan   = "microsoft.web/serverfarms"
	typeSqlServer        = "microsoft.sql/servers"
	typeKeyVault         = "microsoft.keyvault/vaults"
	typeVirtualNetwork   = "microsoft.network/virtualnetworks"
)

// ExtractorFunc inspects one resource against the full resource set of its
// session and returns the dependency edges it found. Extractors tolerate
// missing or malformed property shapes by returning fewer edges.
type ExtractorFunc func(resource *mirror.Resource, index *ResourceIndex) []*mirror.ResourceEdge

// Analyzer computes the dependency edge set of a session's resources. A
// registry maps resource types to specific extractors; resources without a
// specific extractor fall back to a generic resource-id scan.
type Analyzer struct {
	extractors map[string]ExtractorFunc
	logger     *slog.Logger
}

func NewAnalyzer(logger *slog.Logger) *Analyzer {
	analyzer := &Analyzer{
		extractors: map[string]ExtractorFunc{},
		logger:     logger,
	}

	analyzer.Register(typeVirtualMachine, extractVirtualMachineEdges)
	analyzer.Register(typeNetworkInterface, extractNetworkInterfaceEdges)
	analyzer.Register(typeStorageAccount, extractStorageAccountEdges)
	analyzer.Register(typeWebApp, extractWebAppEdges)
	analyzer.Register(typeSqlServer, extractSqlServerEdges)
	analyzer.Register(typeKeyVault, extractKeyVaultEdges)
	analyzer.Register(typeVirtualNetwork, extractVirtualNetworkEdges)

	return analyzer
}

// Register installs an extractor for the given resource type, replacing any
// previous registration.
func (a *Analyzer) Register(resourceType string, extractor ExtractorFunc) {
	a.extractors[strings.ToLower(resourceType)] = extractor
}

// Analyze runs the extractors over the resource set and returns the
// de-duplicated edge set. Re-running analysis on the same input yields the
// same edges.
func (a *Analyzer) Analyze(resources []*mirror.Resource) []*mirror.ResourceEdge {
	index := NewResourceIndex(resources)
	edges := []*mirror.ResourceEdge{}

	for _, resource := range resources {
		extractor, has := a.extractors[strings.ToLower(resource.Type)]
		if !has {
			extractor = extractGenericEdges
		}

		extracted := extractor(resource, index)
		if len(extracted) > 0 {
			a.logger.Debug("extracted dependency edges",
				"resource", resource.AzureId,
				"type", resource.Type,
				"edges", len(extracted))
		}

		edges = append(edges, extracted...)
	}

	return dedupeEdges(edges, index)
}

// dedupeEdges canonicalizes edges by their lowercased (source, target) pair,
// drops duplicates and self edges, and assigns ids. Configuration edges
// whose endpoints live in different resource groups become
// CrossResourceGroup edges.
func dedupeEdges(edges []*mirror.ResourceEdge, index *ResourceIndex) []*mirror.ResourceEdge {
	seen := map[string]struct{}{}
	result := []*mirror.ResourceEdge{}

	for _, edge := range edges {
		if edge == nil || edge.SourceId == "" || edge.TargetId == "" {
			continue
		}

		if strings.EqualFold(edge.SourceId, edge.TargetId) {
			continue
		}

		key := strings.ToLower(edge.SourceId) + "|" + strings.ToLower(edge.TargetId)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if edge.Id == "" {
			edge.Id = uuid.NewString()
		}

		if edge.Type == mirror.EdgeTypeConfiguration && crossesResourceGroups(edge, index) {
			edge.Type = mirror.EdgeTypeCrossResourceGroup
		}

		result = append(result, edge)
	}

	return result
}

func crossesResourceGroups(edge *mirror.ResourceEdge, index *ResourceIndex) bool {
	var source, target *mirror.Resource
	for _, resource := range index.All() {
		if resource.Id == edge.SourceId {
			source = resource
		}
		if resource.Id == edge.TargetId {
			target = resource
		}
	}

	if source == nil || target == nil {
		return false
	}

	return !strings.EqualFold(source.ResourceGroup, target.ResourceGroup)
}

// edgeTo builds an edge to the resource owning targetAzureId, or nil when the
// target is not part of the session.
func edgeTo(source *mirror.Resource, index *ResourceIndex, targetAzureId string, edgeType mirror.EdgeType) *mirror.ResourceEdge {
	if targetAzureId == "" {
		return nil
	}

	target := index.ByAzureId(targetAzureId)
	if target == nil || target.Id == source.Id {
		return nil
	}

	return &mirror.ResourceEdge{
		SourceId: source.Id,
		TargetId: target.Id,
		Type:     edgeType,
		Required: true,
	}
}

func edgeToResource(source *mirror.Resource, target *mirror.Resource, edgeType mirror.EdgeType) *mirror.ResourceEdge {
	if target == nil || target.Id == source.Id {
		return nil
	}

	return &mirror.ResourceEdge{
		SourceId: source.Id,
		TargetId: target.Id,
		Type:     edgeType,
		Required: true,
	}
}

func appendEdge(edges []*mirror.ResourceEdge, edge *mirror.ResourceEdge) []*mirror.ResourceEdge {
	if edge == nil {
		return edges
	}
	return append(edges, edge)
}

// resourceIdPattern matches embedded ARM resource ids inside raw property
// documents.
var resourceIdPattern = regexp.MustCompile(
	`/subscriptions/[^/]+/resourceGroups/[^/]+/providers/[^/]+/[^/]+/[^"'\s,}]+`)

// extractGenericEdges is the fallback for resource types without a specific
// extractor: any resource id referenced in the raw property document that
// belongs to the session becomes a Configuration edge.
func extractGenericEdges(resource *mirror.Resource, index *ResourceIndex) []*mirror.ResourceEdge {
	if len(resource.Properties) == 0 {
		return nil
	}

	edges := []*mirror.ResourceEdge{}
	for _, match := range resourceIdPattern.FindAllString(string(resource.Properties), -1) {
		edges = appendEdge(edges, edgeTo(resource, index, match, mirror.EdgeTypeConfiguration))
	}

	return edges
}
