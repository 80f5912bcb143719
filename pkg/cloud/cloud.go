// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package cloud

import (
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
)

const (
	AzurePublicName       = "AzureCloud"
	AzureChinaCloudName   = "AzureChinaCloud"
	AzureUSGovernmentName = "AzureUSGovernment"
)

type Cloud struct {
	Configuration cloud.Configuration

	// The base URL for the cloud's portal (e.g. https://portal.azure.com for
	// Azure public cloud).
	PortalUrlBase string

	// The suffix for the cloud's storage endpoints (e.g. core.windows.net for
	// Azure public cloud).
	StorageEndpointSuffix string
}

func NewCloud(name string) (*Cloud, error) {
	switch name {
	case AzurePublicName, "":
		return AzurePublic(), nil
	case AzureChinaCloudName:
		return AzureChina(), nil
	case AzureUSGovernmentName:
		return AzureGovernment(), nil
	}

	return nil, fmt.Errorf(
		"cloud name '%s' not found. Supported names are: %s, %s, %s",
		name, AzurePublicName, AzureChinaCloudName, AzureUSGovernmentName)
}

func AzurePublic() *Cloud {
	return &Cloud{
		Configuration:         cloud.AzurePublic,
		PortalUrlBase:         "https://portal.azure.com",
		StorageEndpointSuffix: "core.windows.net",
	}
}

func AzureGovernment() *Cloud {
	return &Cloud{
		Configuration:         cloud.AzureGovernment,
		PortalUrlBase:         "https://portal.azure.us",
		StorageEndpointSuffix: "core.usgovcloudapi.net",
	}
}

func AzureChina() *Cloud {
	return &Cloud{
		Configuration:         cloud.AzureChina,
		PortalUrlBase:         "https://portal.azure.cn",
		StorageEndpointSuffix: "core.chinacloudapi.cn",
	}
}
