// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package account

import (
	"context"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/azure/azure-mirror/pkg/cloud"
)

// SubscriptionCredentialProvider provides an [azcore.TokenCredential] configured
// to use the tenant id that corresponds to the tenant the given subscription
// is located in.
type SubscriptionCredentialProvider interface {
	CredentialForSubscription(ctx context.Context, subscriptionId string) (azcore.TokenCredential, error)
}

// ServicePrincipalDetails holds the client credential associated with a stored
// connection. Acquisition and storage of these values is owned by the caller.
type ServicePrincipalDetails struct {
	TenantId     string
	ClientId     string
	ClientSecret string
}

// servicePrincipalCredentialProvider maps subscriptions onto a fixed set of
// service principal credentials, creating and caching one token credential
// per tenant.
type servicePrincipalCredentialProvider struct {
	cloud   *cloud.Cloud
	lookup  func(ctx context.Context, subscriptionId string) (ServicePrincipalDetails, error)
	cached  sync.Map
	options *azidentity.ClientSecretCredentialOptions
}

// NewServicePrincipalCredentialProvider creates a credential provider that
// resolves the service principal for a subscription through lookup and
// exchanges it for a bearer token credential scoped to the cloud's ARM
// endpoint.
func NewServicePrincipalCredentialProvider(
	azCloud *cloud.Cloud,
	lookup func(ctx context.Context, subscriptionId string) (ServicePrincipalDetails, error),
) SubscriptionCredentialProvider {
	return &servicePrincipalCredentialProvider{
		cloud:  azCloud,
		lookup: lookup,
		options: &azidentity.ClientSecretCredentialOptions{
			ClientOptions: azcore.ClientOptions{
				Cloud: azCloud.Configuration,
			},
		},
	}
}

func (p *servicePrincipalCredentialProvider) CredentialForSubscription(
	ctx context.Context,
	subscriptionId string,
) (azcore.TokenCredential, error) {
	details, err := p.lookup(ctx, subscriptionId)
	if err != nil {
		return nil, fmt.Errorf("looking up credentials for subscription '%s': %w", subscriptionId, err)
	}

	if cached, ok := p.cached.Load(details.TenantId); ok {
		return cached.(azcore.TokenCredential), nil
	}

	credential, err := azidentity.NewClientSecretCredential(
		details.TenantId,
		details.ClientId,
		details.ClientSecret,
		p.options,
	)
	if err != nil {
		return nil, fmt.Errorf("creating credential for tenant '%s': %w", details.TenantId, err)
	}

	p.cached.Store(details.TenantId, credential)
	return credential, nil
}

// StaticCredentialProvider returns the same credential for every subscription.
// Used by tests and by callers that already hold a configured credential.
func StaticCredentialProvider(credential azcore.TokenCredential) SubscriptionCredentialProvider {
	return staticCredentialProvider{credential: credential}
}

type staticCredentialProvider struct {
	credential azcore.TokenCredential
}

func (p staticCredentialProvider) CredentialForSubscription(
	ctx context.Context,
	subscriptionId string,
) (azcore.TokenCredential, error) {
	return p.credential, nil
}
