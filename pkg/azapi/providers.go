// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package azapi

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/azure/azure-mirror/pkg/account"
	"github.com/azure/azure-mirror/pkg/azsdk"
	"github.com/azure/azure-mirror/pkg/convert"
)

// ProviderService resolves the API version to use for a resource type in a
// given region. Provider metadata is fetched once per provider namespace and
// cached; the cache is read-mostly and shared across discovery workers.
type ProviderService struct {
	credentialProvider account.SubscriptionCredentialProvider
	armClientOptions   *arm.ClientOptions
	guard              *azsdk.Guard

	mu    sync.RWMutex
	cache map[string]*armresources.Provider
}

func NewProviderService(
	credentialProvider account.SubscriptionCredentialProvider,
	armClientOptions *arm.ClientOptions,
	guard *azsdk.Guard,
) *ProviderService {
	return &ProviderService{
		credentialProvider: credentialProvider,
		armClientOptions:   armClientOptions,
		guard:              guard,
		cache:              map[string]*armresources.Provider{},
	}
}

// ApiVersionForType returns the first stable API version of the resource type
// that is available in the given location, or an empty string when the type
// is not supported in that region. Region gaps are not errors: discovery
// proceeds without an API version.
func (s *ProviderService) ApiVersionForType(
	ctx context.Context,
	subscriptionId string,
	providerNamespace string,
	resourceType string,
	location string,
) (string, error) {
	provider, err := s.getProvider(ctx, subscriptionId, providerNamespace)
	if err != nil {
		return "", err
	}

	return pickApiVersion(provider.ResourceTypes, resourceType, location), nil
}

func (s *ProviderService) getProvider(
	ctx context.Context,
	subscriptionId string,
	providerNamespace string,
) (*armresources.Provider, error) {
	cacheKey := fmt.Sprintf("%s/%s", subscriptionId, strings.ToLower(providerNamespace))

	s.mu.RLock()
	cached, has := s.cache[cacheKey]
	s.mu.RUnlock()
	if has {
		return cached, nil
	}

	credential, err := s.credentialProvider.CredentialForSubscription(ctx, subscriptionId)
	if err != nil {
		return nil, fmt.Errorf("getting credential for subscription: %w", err)
	}

	client, err := armresources.NewProvidersClient(subscriptionId, credential, s.armClientOptions)
	if err != nil {
		return nil, fmt.Errorf("creating providers client: %w", err)
	}

	var response armresources.ProvidersClientGetResponse
	err = s.guard.Do(ctx, azsdk.ServiceArm, func() error {
		var innerErr error
		response, innerErr = client.Get(ctx, providerNamespace, nil)
		return classifyError(fmt.Sprintf("getting provider '%s'", providerNamespace), innerErr)
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[cacheKey] = &response.Provider
	s.mu.Unlock()

	return &response.Provider, nil
}

// pickApiVersion chooses the first non-preview API version whose locations
// list contains the normalized location. Returns an empty string when the
// type is unknown or unsupported in the region.
func pickApiVersion(
	resourceTypes []*armresources.ProviderResourceType,
	resourceType string,
	location string,
) string {
	normalizedLocation := normalizeLocation(location)

	for _, candidate := range resourceTypes {
		if candidate == nil || !strings.EqualFold(convert.ToValueWithDefault(candidate.ResourceType, ""), resourceType) {
			continue
		}

		if !supportsLocation(candidate.Locations, normalizedLocation) {
			return ""
		}

		for _, version := range candidate.APIVersions {
			if version == nil || strings.Contains(*version, "-preview") {
				continue
			}
			return *version
		}

		return ""
	}

	return ""
}

func supportsLocation(locations []*string, normalizedLocation string) bool {
	// Global resource types report no locations.
	if len(locations) == 0 || normalizedLocation == "" || normalizedLocation == "global" {
		return true
	}

	for _, location := range locations {
		if location != nil && normalizeLocation(*location) == normalizedLocation {
			return true
		}
	}

	return false
}

// normalizeLocation lowercases a location display name and strips spaces so
// that "East US" and "eastus" compare equal.
func normalizeLocation(location string) string {
	return strings.ReplaceAll(strings.ToLower(location), " ", "")
}
