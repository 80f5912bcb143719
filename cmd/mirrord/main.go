// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

// mirrord is the background worker of the subscription mirroring engine. It
// drains the workflow queues: discovery requests, template validation and
// level-ordered template deployment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/azure/azure-mirror/pkg/account"
	"github.com/azure/azure-mirror/pkg/azapi"
	"github.com/azure/azure-mirror/pkg/azsdk"
	"github.com/azure/azure-mirror/pkg/cloud"
	"github.com/azure/azure-mirror/pkg/deployment"
	"github.com/azure/azure-mirror/pkg/discovery"
	"github.com/azure/azure-mirror/pkg/mirror"
	"github.com/azure/azure-mirror/pkg/store"
	"github.com/azure/azure-mirror/pkg/store/memory"
	"github.com/azure/azure-mirror/pkg/store/postgres"
	"github.com/azure/azure-mirror/pkg/synthesis"
	"github.com/azure/azure-mirror/pkg/workflow"
	"github.com/benbjohnson/clock"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var (
		dsn       string
		cloudName string
		workers   int
	)
	flag.StringVar(&dsn, "dsn", os.Getenv("MIRROR_DATABASE_URL"),
		"PostgreSQL connection string; empty runs with in-memory state")
	flag.StringVar(&cloudName, "cloud", cloud.AzurePublicName, "cloud environment name")
	flag.IntVar(&workers, "workers", 2, "broker workers per queue")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	azCloud, err := cloud.NewCloud(cloudName)
	if err != nil {
		return err
	}

	options := mirror.DefaultOptions()
	clk := clock.New()

	credentials := account.NewServicePrincipalCredentialProvider(azCloud, credentialsFromEnv)
	armOptions := azsdk.NewClientOptionsBuilder().WithCloud(azCloud).BuildArmClientOptions()
	guard := azsdk.NewGuard(options.ServiceRateLimits)

	graph := azapi.NewResourceGraphService(credentials, armOptions, guard, options)
	providers := azapi.NewProviderService(credentials, armOptions, guard)
	deployments := azapi.NewDeploymentService(credentials, armOptions, guard, clk)
	resourceGroups := azapi.NewResourceService(credentials, armOptions, guard)

	var entityStore store.Store
	var newQueue func(name string) workflow.Queue
	if dsn != "" {
		db, err := postgres.Connect(dsn)
		if err != nil {
			return err
		}
		defer db.Close()

		entityStore = postgres.NewStore(db)
		newQueue = func(name string) workflow.Queue { return postgres.NewQueue(db, name, clk) }
	} else {
		logger.Warn("no database configured, state will not survive restarts")
		entityStore = memory.New()
		newQueue = func(string) workflow.Queue { return workflow.NewMemoryQueue(clk) }
	}

	analyzer := discovery.NewAnalyzer(logger.With("component", "analyzer"))
	discoveryEngine := discovery.NewEngine(
		graph, providers, entityStore, analyzer, clk, options, logger.With("component", "discovery"))

	synthesizer := synthesis.NewSynthesizer(logger.With("component", "synthesis"))
	deploymentEngine := deployment.NewEngine(
		entityStore, deployments, resourceGroups, synthesizer, clk, options, logger.With("component", "deployment"))

	broker := workflow.NewBroker(workers, clk, logger.With("component", "broker"))
	handlers := workflow.NewHandlers(
		broker, discoveryEngine, deploymentEngine, entityStore, clk, logger.With("component", "workflow"))
	handlers.RegisterAll(newQueue)

	logger.Info("mirror worker started", "cloud", cloudName, "workers", workers)
	return broker.Run(ctx)
}

func credentialsFromEnv(ctx context.Context, subscriptionId string) (account.ServicePrincipalDetails, error) {
	details := account.ServicePrincipalDetails{
		TenantId:     os.Getenv("AZURE_TENANT_ID"),
		ClientId:     os.Getenv("AZURE_CLIENT_ID"),
		ClientSecret: os.Getenv("AZURE_CLIENT_SECRET"),
	}

	if details.TenantId == "" || details.ClientId == "" || details.ClientSecret == "" {
		return account.ServicePrincipalDetails{},
			errors.New("AZURE_TENANT_ID, AZURE_CLIENT_ID and AZURE_CLIENT_SECRET must be set")
	}

	return details, nil
}
