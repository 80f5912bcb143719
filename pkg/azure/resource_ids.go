// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package azure

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/azure/azure-mirror/pkg/convert"
)

// SubscriptionRID creates an Azure subscription resource ID.
func SubscriptionRID(subscriptionId string) string {
	return fmt.Sprintf("/subscriptions/%s", subscriptionId)
}

// ResourceGroupRID creates a resource ID for an Azure resource group.
func ResourceGroupRID(subscriptionId, resourceGroupName string) string {
	return fmt.Sprintf("%s/resourceGroups/%s", SubscriptionRID(subscriptionId), resourceGroupName)
}

// ResourceGroupDeploymentRID creates a resource group level deployment resource ID.
func ResourceGroupDeploymentRID(subscriptionId string, resourceGroupName string, deploymentName string) string {
	return fmt.Sprintf(
		"%s/providers/Microsoft.Resources/deployments/%s",
		ResourceGroupRID(subscriptionId, resourceGroupName),
		deploymentName,
	)
}

var resourceIdRegex = regexp.MustCompile("/.+/(?i)resourceGroups/(.+?)/.+")

// GetResourceGroupName finds the resource group name from the resource id.
func GetResourceGroupName(resourceId string) *string {
	matches := resourceIdRegex.FindSubmatch([]byte(resourceId))
	if matches == nil || len(matches) < 2 {
		return nil
	}

	return convert.RefOf(string(matches[1]))
}

// ResourceName returns the trailing name segment of a resource id.
func ResourceName(resourceId string) string {
	parts := strings.Split(strings.TrimSuffix(resourceId, "/"), "/")
	return parts[len(parts)-1]
}

// ResourceTypeOf returns the "namespace/type" portion of a resource id, or an
// empty string when the id does not contain a providers segment.
func ResourceTypeOf(resourceId string) string {
	parts := strings.Split(resourceId, "/")
	for idx, part := range parts {
		if strings.EqualFold(part, "providers") && idx+2 < len(parts) {
			return fmt.Sprintf("%s/%s", parts[idx+1], parts[idx+2])
		}
	}

	return ""
}

// EqualsId compares two Azure resource ids. Resource ids are case-insensitive.
func EqualsId(a string, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, "/"), strings.TrimSuffix(b, "/"))
}

// ParentOf truncates a child resource id to its ancestor at the given child
// segment. For example ParentOf(".../virtualNetworks/vnet/subnets/s0", "subnets")
// returns the id of the owning virtual network.
func ParentOf(resourceId string, childSegment string) string {
	idx := indexOfSegment(resourceId, childSegment)
	if idx < 0 {
		return resourceId
	}

	return strings.TrimSuffix(resourceId[:idx], "/")
}

func indexOfSegment(resourceId string, segment string) int {
	lower := strings.ToLower(resourceId)
	return strings.Index(lower, fmt.Sprintf("/%s/", strings.ToLower(segment)))
}
