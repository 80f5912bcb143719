// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package discovery

import (
	"github.com/azure/azure-mirror/pkg/azure"
	"github.com/azure/azure-mirror/pkg/mirror"
)

// extractVirtualMachineEdges links a VM to its network interfaces, managed
// and VHD-backed disks, and availability set.
func extractVirtualMachineEdges(resource *mirror.Resource, index *ResourceIndex) []*mirror.ResourceEdge {
	props := index.PropertiesOf(resource)
	edges := []*mirror.ResourceEdge{}

	for _, item := range nestedSlice(props, "networkProfile", "networkInterfaces") {
		nicId := nestedString(itemMap(item), "id")
		edges = appendEdge(edges, edgeTo(resource, index, nicId, mirror.EdgeTypeNetwork))
	}

	osDisk := nestedMap(props, "storageProfile", "osDisk")
	edges = append(edges, diskEdges(resource, index, osDisk)...)

	for _, item := range nestedSlice(props, "storageProfile", "dataDisks") {
		edges = append(edges, diskEdges(resource, index, itemMap(item))...)
	}

	availabilitySetId := nestedString(props, "availabilitySet", "id")
	edges = appendEdge(edges, edgeTo(resource, index, availabilitySetId, mirror.EdgeTypeConfiguration))

	return edges
}

func diskEdges(resource *mirror.Resource, index *ResourceIndex, disk map[string]any) []*mirror.ResourceEdge {
	if disk == nil {
		return nil
	}

	edges := []*mirror.ResourceEdge{}

	managedDiskId := nestedString(disk, "managedDisk", "id")
	edges = appendEdge(edges, edgeTo(resource, index, managedDiskId, mirror.EdgeTypeStorage))

	// Unmanaged disks reference the storage account only through the VHD
	// blob URI.
	if vhdUri := nestedString(disk, "vhd", "uri"); vhdUri != "" {
		account := index.StorageAccountByUri(vhdUri)
		edges = appendEdge(edges, edgeToResource(resource, account, mirror.EdgeTypeStorage))
	}

	return edges
}

// extractNetworkInterfaceEdges links a NIC to the VNet owning its subnets,
// its public IPs, the load balancers owning referenced backend pools, and
// its NSG.
func extractNetworkInterfaceEdges(resource *mirror.Resource, index *ResourceIndex) []*mirror.ResourceEdge {
	props := index.PropertiesOf(resource)
	edges := []*mirror.ResourceEdge{}

	for _, item := range nestedSlice(props, "ipConfigurations") {
		config := nestedMap(itemMap(item), "properties")
		if config == nil {
			continue
		}

		if subnetId := nestedString(config, "subnet", "id"); subnetId != "" {
			vnetId := azure.ParentOf(subnetId, "subnets")
			edges = appendEdge(edges, edgeTo(resource, index, vnetId, mirror.EdgeTypeNetwork))
		}

		publicIpId := nestedString(config, "publicIPAddress", "id")
		edges = appendEdge(edges, edgeTo(resource, index, publicIpId, mirror.EdgeTypeNetwork))

		for _, pool := range nestedSlice(config, "loadBalancerBackendAddressPools") {
			if poolId := nestedString(itemMap(pool), "id"); poolId != "" {
				lbId := azure.ParentOf(poolId, "backendAddressPools")
				edges = appendEdge(edges, edgeTo(resource, index, lbId, mirror.EdgeTypeNetwork))
			}
		}
	}

	nsgId := nestedString(props, "networkSecurityGroup", "id")
	edges = appendEdge(edges, edgeTo(resource, index, nsgId, mirror.EdgeTypeNetwork))

	return edges
}

// extractStorageAccountEdges links a storage account to the key vault behind
// customer-managed key encryption and to VNets referenced by network ACL
// rules.
func extractStorageAccountEdges(resource *mirror.Resource, index *ResourceIndex) []*mirror.ResourceEdge {
	props := index.PropertiesOf(resource)
	edges := []*mirror.ResourceEdge{}

	if vaultUri := nestedString(props, "encryption", "keyvaultproperties", "keyvaulturi"); vaultUri != "" {
		vault := index.KeyVaultByUri(vaultUri)
		edges = appendEdge(edges, edgeToResource(resource, vault, mirror.EdgeTypeIdentity))
	}

	edges = append(edges, virtualNetworkRuleEdges(resource, index, props)...)

	return edges
}

// extractWebAppEdges links a web app to its app service plan and its VNet
// integration subnet.
func extractWebAppEdges(resource *mirror.Resource, index *ResourceIndex) []*mirror.ResourceEdge {
	props := index.PropertiesOf(resource)
	edges := []*mirror.ResourceEdge{}

	serverFarmId := nestedString(props, "serverFarmId")
	edges = appendEdge(edges, edgeTo(resource, index, serverFarmId, mirror.EdgeTypeParentChild))

	if subnetId := nestedString(props, "virtualNetworkSubnetId"); subnetId != "" {
		vnetId := azure.ParentOf(subnetId, "subnets")
		edges = appendEdge(edges, edgeTo(resource, index, vnetId, mirror.EdgeTypeNetwork))
	}

	return edges
}

// extractSqlServerEdges links a SQL server to the key vault holding its TDE
// protector and to VNets referenced by its network rules.
func extractSqlServerEdges(resource *mirror.Resource, index *ResourceIndex) []*mirror.ResourceEdge {
	props := index.PropertiesOf(resource)
	edges := []*mirror.ResourceEdge{}

	if keyId := nestedString(props, "keyId"); keyId != "" {
		vault := index.KeyVaultByUri(keyId)
		edges = appendEdge(edges, edgeToResource(resource, vault, mirror.EdgeTypeIdentity))
	}

	for _, item := range nestedSlice(props, "virtualNetworkRules") {
		if subnetId := nestedString(itemMap(item), "virtualNetworkSubnetId"); subnetId != "" {
			vnetId := azure.ParentOf(subnetId, "subnets")
			edges = appendEdge(edges, edgeTo(resource, index, vnetId, mirror.EdgeTypeNetwork))
		}
	}

	return edges
}

// extractKeyVaultEdges links a key vault to VNets referenced by its network
// ACL rules.
func extractKeyVaultEdges(resource *mirror.Resource, index *ResourceIndex) []*mirror.ResourceEdge {
	props := index.PropertiesOf(resource)
	return virtualNetworkRuleEdges(resource, index, props)
}

// extractVirtualNetworkEdges links a VNet to the remote VNets it peers with.
func extractVirtualNetworkEdges(resource *mirror.Resource, index *ResourceIndex) []*mirror.ResourceEdge {
	props := index.PropertiesOf(resource)
	edges := []*mirror.ResourceEdge{}

	for _, item := range nestedSlice(props, "virtualNetworkPeerings") {
		peering := itemMap(item)
		remoteId := nestedString(peering, "properties", "remoteVirtualNetwork", "id")
		if remoteId == "" {
			remoteId = nestedString(peering, "remoteVirtualNetwork", "id")
		}
		edges = appendEdge(edges, edgeTo(resource, index, remoteId, mirror.EdgeTypeNetwork))
	}

	return edges
}

// virtualNetworkRuleEdges resolves properties.networkAcls.virtualNetworkRules
// subnet references to their owning VNets.
func virtualNetworkRuleEdges(
	resource *mirror.Resource,
	index *ResourceIndex,
	props map[string]any,
) []*mirror.ResourceEdge {
	edges := []*mirror.ResourceEdge{}

	for _, item := range nestedSlice(props, "networkAcls", "virtualNetworkRules") {
		if subnetId := nestedString(itemMap(item), "id"); subnetId != "" {
			vnetId := azure.ParentOf(subnetId, "subnets")
			edges = appendEdge(edges, edgeTo(resource, index, vnetId, mirror.EdgeTypeNetwork))
		}
	}

	return edges
}
