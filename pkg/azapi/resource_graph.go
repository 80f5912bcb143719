// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package azapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resourcegraph/armresourcegraph"
	"github.com/azure/azure-mirror/pkg/account"
	"github.com/azure/azure-mirror/pkg/azsdk"
	"github.com/azure/azure-mirror/pkg/convert"
	"github.com/azure/azure-mirror/pkg/mirror"
	"github.com/sethvargo/go-retry"
)

// resourceGraphPageSize is the maximum page size accepted by the resource
// graph query endpoint.
const resourceGraphPageSize = 1000

// GraphResource is one row of a resource graph query result.
type GraphResource struct {
	Id             string
	Name           string
	Type           string
	ResourceGroup  string
	SubscriptionId string
	Location       string
	Kind           string
	Sku            map[string]any
	Identity       map[string]any
	Plan           map[string]any
	Properties     map[string]any
	Tags           map[string]any
}

// ResourceGraphService pages through resource graph query results for a
// subscription.
type ResourceGraphService struct {
	credentialProvider account.SubscriptionCredentialProvider
	armClientOptions   *arm.ClientOptions
	guard              *azsdk.Guard
	retryAttempts      int
	retryDelay         time.Duration
}

func NewResourceGraphService(
	credentialProvider account.SubscriptionCredentialProvider,
	armClientOptions *arm.ClientOptions,
	guard *azsdk.Guard,
	options mirror.Options,
) *ResourceGraphService {
	options = options.WithDefaults()

	return &ResourceGraphService{
		credentialProvider: credentialProvider,
		armClientOptions:   armClientOptions,
		guard:              guard,
		retryAttempts:      options.RetryAttempts,
		retryDelay:         options.RetryDelay,
	}
}

// QueryResources runs one page of the discovery query against the resource
// graph endpoint. A non-nil skipToken resumes a prior query; the returned
// token is nil once the last page has been read.
func (s *ResourceGraphService) QueryResources(
	ctx context.Context,
	subscriptionId string,
	filters mirror.DiscoveryFilters,
	skipToken *string,
) ([]*GraphResource, *string, error) {
	credential, err := s.credentialProvider.CredentialForSubscription(ctx, subscriptionId)
	if err != nil {
		return nil, nil, fmt.Errorf("getting credential for subscription: %w", err)
	}

	client, err := armresourcegraph.NewClient(credential, s.armClientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("creating resource graph client: %w", err)
	}

	query := buildResourcesQuery(filters, resourceGraphPageSize)
	queryRequest := armresourcegraph.QueryRequest{
		Subscriptions: []*string{&subscriptionId},
		Query:         &query,
		Options: &armresourcegraph.QueryRequestOptions{
			Top:       convert.RefOf(int32(resourceGraphPageSize)),
			SkipToken: skipToken,
		},
	}

	var response armresourcegraph.ClientResourcesResponse
	backoff := retry.WithJitter(100*time.Millisecond,
		retry.WithMaxRetries(uint64(s.retryAttempts), retry.NewExponential(s.retryDelay)))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		queryErr := s.guard.Do(ctx, azsdk.ServiceResourceGraph, func() error {
			var innerErr error
			response, innerErr = client.Resources(ctx, queryRequest, nil)
			return classifyError("querying resource graph", innerErr)
		})

		// 429 and 5xx back off with jitter; auth errors fail fast.
		if IsTransient(queryErr) {
			return retry.RetryableError(queryErr)
		}

		return queryErr
	})
	if err != nil {
		return nil, nil, err
	}

	resources, err := parseGraphRows(response.Data)
	if err != nil {
		return nil, nil, err
	}

	var next *string
	if response.SkipToken != nil && *response.SkipToken != "" {
		next = response.SkipToken
	}

	return resources, next, nil
}

// buildResourcesQuery assembles the KQL query for discovery. Resource group
// filters support a trailing '*' wildcard matched as a prefix; type filters
// are exact.
func buildResourcesQuery(filters mirror.DiscoveryFilters, take int) string {
	var sb strings.Builder
	sb.WriteString("Resources")

	if predicate := resourceGroupPredicate(filters.ResourceGroups); predicate != "" {
		fmt.Fprintf(&sb, " | where %s", predicate)
	}

	if predicate := typePredicate(filters.ResourceTypes); predicate != "" {
		fmt.Fprintf(&sb, " | where %s", predicate)
	}

	sb.WriteString(
		" | project id, name, type, resourceGroup, subscriptionId, location, kind, sku, identity, plan, properties, tags")
	fmt.Fprintf(&sb, " | limit %d", take)

	return sb.String()
}

func resourceGroupPredicate(resourceGroups []string) string {
	clauses := []string{}
	for _, rg := range resourceGroups {
		rg = strings.TrimSpace(rg)
		if rg == "" {
			continue
		}

		if prefix, isWildcard := strings.CutSuffix(rg, "*"); isWildcard {
			clauses = append(clauses, fmt.Sprintf("resourceGroup startswith '%s'", escapeKqlString(prefix)))
		} else {
			clauses = append(clauses, fmt.Sprintf("resourceGroup =~ '%s'", escapeKqlString(rg)))
		}
	}

	return strings.Join(clauses, " or ")
}

func typePredicate(resourceTypes []string) string {
	clauses := []string{}
	for _, resourceType := range resourceTypes {
		resourceType = strings.TrimSpace(resourceType)
		if resourceType == "" {
			continue
		}

		clauses = append(clauses, fmt.Sprintf("type =~ '%s'", escapeKqlString(resourceType)))
	}

	return strings.Join(clauses, " or ")
}

func escapeKqlString(value string) string {
	return strings.ReplaceAll(value, "'", `\'`)
}

// parseGraphRows converts the untyped query response rows into GraphResource
// records. Rows that do not parse are skipped; discovery is best effort per
// resource.
func parseGraphRows(data any) ([]*GraphResource, error) {
	if data == nil {
		return []*GraphResource{}, nil
	}

	rows, ok := data.([]interface{})
	if !ok {
		return nil, errors.New("error converting resource graph data to list")
	}

	resources := make([]*GraphResource, 0, len(rows))
	for _, row := range rows {
		value, ok := row.(map[string]interface{})
		if !ok {
			continue
		}

		resource := &GraphResource{
			Id:             stringField(value, "id"),
			Name:           stringField(value, "name"),
			Type:           stringField(value, "type"),
			ResourceGroup:  stringField(value, "resourceGroup"),
			SubscriptionId: stringField(value, "subscriptionId"),
			Location:       stringField(value, "location"),
			Kind:           stringField(value, "kind"),
			Sku:            mapField(value, "sku"),
			Identity:       mapField(value, "identity"),
			Plan:           mapField(value, "plan"),
			Properties:     mapField(value, "properties"),
			Tags:           mapField(value, "tags"),
		}

		if resource.Id == "" {
			continue
		}

		resources = append(resources, resource)
	}

	return resources, nil
}

func stringField(row map[string]interface{}, key string) string {
	if value, ok := row[key].(string); ok {
		return value
	}
	return ""
}

func mapField(row map[string]interface{}, key string) map[string]any {
	if value, ok := row[key].(map[string]interface{}); ok {
		return value
	}
	return nil
}
