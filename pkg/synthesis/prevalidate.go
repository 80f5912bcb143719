// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package synthesis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/azure/azure-mirror/pkg/azure"
)

// Pre-validation issue codes.
const (
	CodeMissingSchema          = "MissingSchema"
	CodeEmptyResources         = "EmptyResources"
	CodeMissingStorageSku      = "MissingStorageSku"
	CodeIncompatibleAccessTier = "IncompatibleAccessTier"
	CodeReadOnlyProperty       = "ReadOnlyProperty"
)

// Issue is one pre-validation finding, tied to the resource declaration that
// produced it when applicable.
type Issue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Resource string `json:"resource,omitempty"`
}

func (i Issue) String() string {
	if i.Resource == "" {
		return fmt.Sprintf("%s: %s", i.Code, i.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", i.Code, i.Message, i.Resource)
}

// PreValidate inspects a synthesized template before it is submitted to the
// cloud, catching the failure modes cloud validation reports slowly or
// opaquely. An empty result means the template may be submitted.
func PreValidate(rawTemplate json.RawMessage) []Issue {
	doc := map[string]any{}
	if err := json.Unmarshal(rawTemplate, &doc); err != nil {
		return []Issue{{Code: CodeMissingSchema, Message: fmt.Sprintf("template is not valid JSON: %v", err)}}
	}

	issues := []Issue{}

	schema, _ := doc["$schema"].(string)
	if schema == "" {
		issues = append(issues, Issue{Code: CodeMissingSchema, Message: "template has no $schema"})
	}

	resources, _ := doc["resources"].([]any)
	if len(resources) == 0 {
		issues = append(issues, Issue{Code: CodeEmptyResources, Message: "template declares no resources"})
		return issues
	}

	for _, item := range resources {
		declaration, ok := item.(map[string]any)
		if !ok {
			continue
		}

		issues = append(issues, validateDeclaration(declaration)...)
	}

	return issues
}

// PreValidateTemplate is PreValidate for an in-memory template.
func PreValidateTemplate(template *azure.ArmTemplate) ([]Issue, error) {
	raw, err := template.ToRaw()
	if err != nil {
		return nil, fmt.Errorf("marshaling template: %w", err)
	}

	return PreValidate(raw), nil
}

func validateDeclaration(declaration map[string]any) []Issue {
	issues := []Issue{}
	name, _ := declaration["name"].(string)
	resourceType, _ := declaration["type"].(string)
	properties, _ := declaration["properties"].(map[string]any)

	if strings.EqualFold(resourceType, "Microsoft.Storage/storageAccounts") {
		issues = append(issues, validateStorageDeclaration(declaration, name, properties)...)
	}

	for _, path := range readOnlyPaths(properties, "properties") {
		issues = append(issues, Issue{
			Code:     CodeReadOnlyProperty,
			Message:  fmt.Sprintf("read-only property '%s' must not be emitted", path),
			Resource: name,
		})
	}

	return issues
}

func validateStorageDeclaration(declaration map[string]any, name string, properties map[string]any) []Issue {
	issues := []Issue{}

	sku, _ := declaration["sku"].(map[string]any)
	skuName, _ := sku["name"].(string)
	if skuName == "" {
		issues = append(issues, Issue{
			Code:     CodeMissingStorageSku,
			Message:  "storage account declares no sku.name",
			Resource: name,
		})
	}

	kind, _ := declaration["kind"].(string)
	if _, hasTier := properties["accessTier"]; hasTier && !kindSupportsAccessTier(kind) {
		issues = append(issues, Issue{
			Code:     CodeIncompatibleAccessTier,
			Message:  fmt.Sprintf("accessTier is not supported for kind '%s'", kind),
			Resource: name,
		})
	}

	return issues
}

// readOnlyPaths walks the property document and returns the dotted paths of
// any read-only property occurrences.
func readOnlyPaths(doc map[string]any, prefix string) []string {
	paths := []string{}

	for key, value := range doc {
		path := prefix + "." + key
		if _, readOnly := readOnlyProperties[strings.ToLower(key)]; readOnly {
			paths = append(paths, path)
			continue
		}

		switch typed := value.(type) {
		case map[string]any:
			paths = append(paths, readOnlyPaths(typed, path)...)
		case []any:
			for i, item := range typed {
				if nested, ok := item.(map[string]any); ok {
					paths = append(paths, readOnlyPaths(nested, fmt.Sprintf("%s[%d]", path, i))...)
				}
			}
		}
	}

	return paths
}
