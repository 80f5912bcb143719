// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package synthesis

import (
	"fmt"
	"strings"

	"github.com/azure/azure-mirror/pkg/azure"
	"github.com/azure/azure-mirror/pkg/mirror"
)

const (
	typeStorageAccount   = "microsoft.storage/storageaccounts"
	typeVirtualNetwork   = "microsoft.network/virtualnetworks"
	typeSecurityGroup    = "microsoft.network/networksecuritygroups"
	typePublicIp         = "microsoft.network/publicipaddresses"
	typeNetworkInterface = "microsoft.network/networkinterfaces"
	typeVirtualMachine   = "microsoft.compute/virtualmachines"
	typeAppServicePlan   = "microsoft.web/serverfarms"
	typeWebApp           = "microsoft.web/sites"
	typeSqlServer        = "microsoft.sql/servers"
	typeCosmosAccount    = "microsoft.documentdb/databaseaccounts"
	typeServiceBus       = "microsoft.servicebus/namespaces"
	typeKeyVault         = "microsoft.keyvault/vaults"
)

// defaultApiVersion is the fallback for types outside the table when the
// discovery enrichment did not resolve a version either.
const defaultApiVersion = "2021-04-01"

var apiVersions = map[string]string{
	typeStorageAccount:   "2023-01-01",
	typeVirtualNetwork:   "2023-04-01",
	typeSecurityGroup:    "2023-04-01",
	typePublicIp:         "2023-04-01",
	typeNetworkInterface: "2023-04-01",
	typeVirtualMachine:   "2023-03-01",
	typeAppServicePlan:   "2022-09-01",
	typeWebApp:           "2022-09-01",
	typeSqlServer:        "2021-11-01",
	typeCosmosAccount:    "2023-04-15",
	typeServiceBus:       "2022-10-01-preview",
	typeKeyVault:         "2023-02-01",
}

// readOnlyProperties never survive into a declaration, at any nesting depth.
var readOnlyProperties = map[string]struct{}{
	"provisioningstate": {},
	"primarylocation":   {},
	"resourceguid":      {},
	"etag":              {},
}

type emitterFunc func(resource *mirror.Resource, scope *groupScope) *azure.ArmTemplateResource

var emitters = map[string]emitterFunc{
	typeStorageAccount:   emitStorageAccount,
	typeVirtualNetwork:   emitVirtualNetwork,
	typeSecurityGroup:    emitSecurityGroup,
	typePublicIp:         emitPublicIp,
	typeNetworkInterface: emitNetworkInterface,
	typeVirtualMachine:   emitVirtualMachine,
	typeAppServicePlan:   emitAppServicePlan,
	typeWebApp:           emitWebApp,
	typeSqlServer:        emitSqlServer,
	typeCosmosAccount:    emitCosmosAccount,
	typeServiceBus:       emitServiceBus,
	typeKeyVault:         emitKeyVault,
}

func emitterFor(resourceType string) emitterFunc {
	if emitter, has := emitters[strings.ToLower(resourceType)]; has {
		return emitter
	}
	return emitGeneric
}

// emitBase builds the declaration envelope every emitter starts from: name
// and location reference the per-resource parameters, and the optional
// sku/identity/plan blocks carry over only when present on the source.
func emitBase(resource *mirror.Resource, scope *groupScope) *azure.ArmTemplateResource {
	safeName := scope.safeNames[resource.Id]

	declaration := &azure.ArmTemplateResource{
		Type:       resource.Type,
		ApiVersion: apiVersionFor(resource),
		Name:       fmt.Sprintf("[parameters('%sName')]", safeName),
		Location:   fmt.Sprintf("[parameters('%sLocation')]", safeName),
		Kind:       resource.Kind,
		Tags:       parseDoc(resource.Tags),
	}

	if len(resource.Sku) > 0 {
		declaration.Sku = resource.Sku
	}
	if len(resource.Identity) > 0 {
		declaration.Identity = resource.Identity
	}
	if len(resource.Plan) > 0 {
		declaration.Plan = resource.Plan
	}

	return declaration
}

func apiVersionFor(resource *mirror.Resource) string {
	if resource.ApiVersion != "" {
		return resource.ApiVersion
	}
	if version, has := apiVersions[strings.ToLower(resource.Type)]; has {
		return version
	}
	return defaultApiVersion
}

func emitGeneric(resource *mirror.Resource, scope *groupScope) *azure.ArmTemplateResource {
	declaration := emitBase(resource, scope)
	declaration.Properties = sanitize(parseDoc(resource.Properties))
	return declaration
}

func emitStorageAccount(resource *mirror.Resource, scope *groupScope) *azure.ArmTemplateResource {
	declaration := emitBase(resource, scope)
	props := parseDoc(resource.Properties)

	declaration.Properties = pick(props,
		"supportsHttpsTrafficOnly", "minimumTlsVersion", "allowBlobPublicAccess")

	// accessTier only applies to StorageV2 and BlobStorage accounts.
	if kindSupportsAccessTier(resource.Kind) {
		if tier, has := props["accessTier"]; has {
			declaration.Properties["accessTier"] = tier
		}
	}

	return declaration
}

func kindSupportsAccessTier(kind string) bool {
	return strings.EqualFold(kind, "StorageV2") || strings.EqualFold(kind, "BlobStorage")
}

func emitVirtualNetwork(resource *mirror.Resource, scope *groupScope) *azure.ArmTemplateResource {
	declaration := emitBase(resource, scope)
	props := parseDoc(resource.Properties)
	declaration.Properties = sanitize(pick(props, "addressSpace", "subnets", "dhcpOptions"))
	return declaration
}

func emitSecurityGroup(resource *mirror.Resource, scope *groupScope) *azure.ArmTemplateResource {
	declaration := emitBase(resource, scope)
	props := parseDoc(resource.Properties)
	declaration.Properties = sanitize(pick(props, "securityRules"))
	return declaration
}

func emitPublicIp(resource *mirror.Resource, scope *groupScope) *azure.ArmTemplateResource {
	declaration := emitBase(resource, scope)
	props := parseDoc(resource.Properties)
	declaration.Properties = sanitize(pick(props,
		"publicIPAllocationMethod", "publicIPAddressVersion", "dnsSettings", "idleTimeoutInMinutes"))
	return declaration
}

func emitNetworkInterface(resource *mirror.Resource, scope *groupScope) *azure.ArmTemplateResource {
	declaration := emitBase(resource, scope)
	props := parseDoc(resource.Properties)
	declaration.Properties = sanitize(pick(props,
		"ipConfigurations", "enableAcceleratedNetworking", "enableIPForwarding", "dnsSettings"))
	return declaration
}

func emitVirtualMachine(resource *mirror.Resource, scope *groupScope) *azure.ArmTemplateResource {
	declaration := emitBase(resource, scope)
	props := parseDoc(resource.Properties)

	properties := sanitize(pick(props,
		"hardwareProfile", "storageProfile", "networkProfile", "osProfile", "diagnosticsProfile"))

	// A cloned VM cannot attach the source's concrete disk; the image
	// reference recreates it.
	if storageProfile, ok := properties["storageProfile"].(map[string]any); ok {
		if osDisk, ok := storageProfile["osDisk"].(map[string]any); ok {
			delete(osDisk, "managedDisk")
			delete(osDisk, "vhd")
			osDisk["createOption"] = "FromImage"
		}
	}

	declaration.Properties = properties
	return declaration
}

func emitAppServicePlan(resource *mirror.Resource, scope *groupScope) *azure.ArmTemplateResource {
	declaration := emitBase(resource, scope)
	props := parseDoc(resource.Properties)
	declaration.Properties = sanitize(pick(props, "reserved", "zoneRedundant", "perSiteScaling"))
	return declaration
}

func emitWebApp(resource *mirror.Resource, scope *groupScope) *azure.ArmTemplateResource {
	declaration := emitBase(resource, scope)
	props := parseDoc(resource.Properties)
	properties := sanitize(pick(props, "httpsOnly", "clientAffinityEnabled", "siteConfig"))

	if plan := scope.linkedPlan(resource); plan != nil {
		properties["serverFarmId"] = resourceIdExpression(plan.Type, scope.safeNames[plan.Id])
	} else {
		properties["serverFarmId"] = "[parameters('defaultAppServicePlan')]"
	}

	declaration.Properties = properties
	return declaration
}

func emitSqlServer(resource *mirror.Resource, scope *groupScope) *azure.ArmTemplateResource {
	declaration := emitBase(resource, scope)
	props := parseDoc(resource.Properties)

	login, _ := props["administratorLogin"].(string)
	if login == "" {
		login = "sqladmin"
	}

	properties := sanitize(pick(props, "version", "minimalTlsVersion", "publicNetworkAccess"))
	properties["administratorLogin"] = login
	properties["administratorLoginPassword"] = "[parameters('sqlAdminPassword')]"

	declaration.Properties = properties
	return declaration
}

func emitCosmosAccount(resource *mirror.Resource, scope *groupScope) *azure.ArmTemplateResource {
	declaration := emitBase(resource, scope)
	props := parseDoc(resource.Properties)

	properties := sanitize(pick(props,
		"databaseAccountOfferType", "consistencyPolicy", "capabilities", "enableAutomaticFailover"))
	if properties["databaseAccountOfferType"] == nil {
		properties["databaseAccountOfferType"] = "Standard"
	}
	properties["locations"] = []any{
		map[string]any{
			"locationName":     fmt.Sprintf("[parameters('%sLocation')]", scope.safeNames[resource.Id]),
			"failoverPriority": 0,
		},
	}

	declaration.Properties = properties
	return declaration
}

func emitServiceBus(resource *mirror.Resource, scope *groupScope) *azure.ArmTemplateResource {
	declaration := emitBase(resource, scope)
	props := parseDoc(resource.Properties)
	declaration.Properties = sanitize(pick(props, "zoneRedundant", "minimumTlsVersion"))
	return declaration
}

func emitKeyVault(resource *mirror.Resource, scope *groupScope) *azure.ArmTemplateResource {
	declaration := emitBase(resource, scope)
	props := parseDoc(resource.Properties)

	properties := sanitize(pick(props,
		"tenantId", "sku", "enabledForDeployment", "enabledForTemplateDeployment",
		"enabledForDiskEncryption", "enableRbacAuthorization", "enableSoftDelete"))

	// Source access policies reference principals of the source tenant.
	properties["accessPolicies"] = []any{}

	declaration.Properties = properties
	return declaration
}

// pick copies the named keys (case-insensitively) into a new document.
func pick(doc map[string]any, keys ...string) map[string]any {
	out := map[string]any{}
	for _, key := range keys {
		for candidate, value := range doc {
			if strings.EqualFold(candidate, key) {
				out[key] = value
				break
			}
		}
	}
	return out
}

// sanitize strips read-only properties at every nesting depth.
func sanitize(doc map[string]any) map[string]any {
	if doc == nil {
		return map[string]any{}
	}

	out := make(map[string]any, len(doc))
	for key, value := range doc {
		if _, readOnly := readOnlyProperties[strings.ToLower(key)]; readOnly {
			continue
		}
		out[key] = sanitizeValue(value)
	}

	return out
}

func sanitizeValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return sanitize(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return value
	}
}
