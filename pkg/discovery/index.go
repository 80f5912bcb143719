// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package discovery

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/azure/azure-mirror/pkg/mirror"
)

// ResourceIndex provides the lookups the dependency extractors need: by
// Azure resource id (case-insensitive) and by data-plane endpoint host for
// key vault and storage URIs.
type ResourceIndex struct {
	resources []*mirror.Resource
	byAzureId map[string]*mirror.Resource
	props     map[string]map[string]any
}

func NewResourceIndex(resources []*mirror.Resource) *ResourceIndex {
	index := &ResourceIndex{
		resources: resources,
		byAzureId: make(map[string]*mirror.Resource, len(resources)),
		props:     map[string]map[string]any{},
	}

	for _, resource := range resources {
		index.byAzureId[strings.ToLower(resource.AzureId)] = resource
	}

	return index
}

func (ix *ResourceIndex) All() []*mirror.Resource {
	return ix.resources
}

// ByAzureId resolves a resource by its Azure id. Azure ids compare
// case-insensitively.
func (ix *ResourceIndex) ByAzureId(azureId string) *mirror.Resource {
	return ix.byAzureId[strings.ToLower(strings.TrimSuffix(azureId, "/"))]
}

// PropertiesOf returns the parsed property document of the resource. Parsing
// happens once per resource; a malformed document yields an empty map.
func (ix *ResourceIndex) PropertiesOf(resource *mirror.Resource) map[string]any {
	if cached, has := ix.props[resource.Id]; has {
		return cached
	}

	parsed := map[string]any{}
	if len(resource.Properties) > 0 {
		// Best effort: a malformed document must not abort analysis.
		_ = json.Unmarshal(resource.Properties, &parsed)
	}

	ix.props[resource.Id] = parsed
	return parsed
}

// KeyVaultByUri finds the key vault whose vault URI matches the given
// key vault or key URI, correlating by the host's name prefix.
func (ix *ResourceIndex) KeyVaultByUri(uri string) *mirror.Resource {
	return ix.byHostPrefix(uri, typeKeyVault)
}

// StorageAccountByUri finds the storage account backing a blob URI,
// correlating by the host's name prefix.
func (ix *ResourceIndex) StorageAccountByUri(uri string) *mirror.Resource {
	return ix.byHostPrefix(uri, typeStorageAccount)
}

func (ix *ResourceIndex) byHostPrefix(rawUri string, resourceType string) *mirror.Resource {
	parsed, err := url.Parse(rawUri)
	if err != nil || parsed.Host == "" {
		return nil
	}

	accountName, _, found := strings.Cut(parsed.Host, ".")
	if !found || accountName == "" {
		return nil
	}

	for _, resource := range ix.resources {
		if strings.EqualFold(resource.Type, resourceType) && strings.EqualFold(resource.Name, accountName) {
			return resource
		}
	}

	return nil
}

// Property path helpers. ARM property documents use camelCase but resource
// graph rows are not guaranteed to preserve casing, so key lookups fall back
// to a case-insensitive scan.

func nestedMap(doc map[string]any, path ...string) map[string]any {
	current := doc
	for _, key := range path {
		value, has := lookupKey(current, key)
		if !has {
			return nil
		}

		next, ok := value.(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}

	return current
}

func nestedString(doc map[string]any, path ...string) string {
	if len(path) == 0 {
		return ""
	}

	parent := doc
	if len(path) > 1 {
		parent = nestedMap(doc, path[:len(path)-1]...)
	}
	if parent == nil {
		return ""
	}

	value, has := lookupKey(parent, path[len(path)-1])
	if !has {
		return ""
	}

	str, _ := value.(string)
	return str
}

func nestedSlice(doc map[string]any, path ...string) []any {
	if len(path) == 0 {
		return nil
	}

	parent := doc
	if len(path) > 1 {
		parent = nestedMap(doc, path[:len(path)-1]...)
	}
	if parent == nil {
		return nil
	}

	value, has := lookupKey(parent, path[len(path)-1])
	if !has {
		return nil
	}

	slice, _ := value.([]any)
	return slice
}

func lookupKey(doc map[string]any, key string) (any, bool) {
	if value, has := doc[key]; has {
		return value, true
	}

	for candidate, value := range doc {
		if strings.EqualFold(candidate, key) {
			return value, true
		}
	}

	return nil, false
}

func itemMap(item any) map[string]any {
	value, _ := item.(map[string]any)
	return value
}
