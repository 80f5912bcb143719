// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package azapi

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/azure/azure-mirror/pkg/account"
	"github.com/azure/azure-mirror/pkg/azsdk"
)

// ResourceService manages resource groups in the target subscription.
type ResourceService struct {
	credentialProvider account.SubscriptionCredentialProvider
	armClientOptions   *arm.ClientOptions
	guard              *azsdk.Guard
}

func NewResourceService(
	credentialProvider account.SubscriptionCredentialProvider,
	armClientOptions *arm.ClientOptions,
	guard *azsdk.Guard,
) *ResourceService {
	return &ResourceService{
		credentialProvider: credentialProvider,
		armClientOptions:   armClientOptions,
		guard:              guard,
	}
}

// EnsureResourceGroup creates the resource group if it does not exist. The
// underlying PUT is idempotent.
func (rs *ResourceService) EnsureResourceGroup(
	ctx context.Context,
	subscriptionId string,
	resourceGroupName string,
	location string,
	tags map[string]*string,
) error {
	client, err := rs.createResourceGroupClient(ctx, subscriptionId)
	if err != nil {
		return err
	}

	return rs.guard.Do(ctx, azsdk.ServiceArm, func() error {
		_, err := client.CreateOrUpdate(ctx, resourceGroupName, armresources.ResourceGroup{
			Location: &location,
			Tags:     tags,
		}, nil)

		return classifyError(fmt.Sprintf("creating resource group '%s'", resourceGroupName), err)
	})
}

func (rs *ResourceService) createResourceGroupClient(
	ctx context.Context,
	subscriptionId string,
) (*armresources.ResourceGroupsClient, error) {
	credential, err := rs.credentialProvider.CredentialForSubscription(ctx, subscriptionId)
	if err != nil {
		return nil, err
	}

	client, err := armresources.NewResourceGroupsClient(subscriptionId, credential, rs.armClientOptions)
	if err != nil {
		return nil, fmt.Errorf("creating ResourceGroup client: %w", err)
	}

	return client, nil
}
