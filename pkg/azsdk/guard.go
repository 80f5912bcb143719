// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package azsdk

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ServiceName identifies a rate-limited Azure service family.
type ServiceName string

const (
	ServiceResourceGraph ServiceName = "ResourceGraph"
	ServiceArm           ServiceName = "ARM"
	ServiceStorage       ServiceName = "Storage"
)

const (
	defaultResourceGraphLimit = 100
	defaultArmLimit           = 200
	defaultStorageLimit       = 500

	breakerConsecutiveFailures = 5
	breakerOpenTimeout         = 30 * time.Second
)

// ServiceRateLimits carries per-service request budgets, in requests per second.
type ServiceRateLimits struct {
	ResourceGraph int
	Arm           int
	Storage       int
}

func DefaultServiceRateLimits() ServiceRateLimits {
	return ServiceRateLimits{
		ResourceGraph: defaultResourceGraphLimit,
		Arm:           defaultArmLimit,
		Storage:       defaultStorageLimit,
	}
}

// Guard combines a per-service token bucket with a circuit breaker. Every
// outbound cloud call funnels through Do so that request pacing and failure
// isolation apply uniformly across clients.
type Guard struct {
	limiters map[ServiceName]*rate.Limiter
	breakers map[ServiceName]*gobreaker.CircuitBreaker
}

func NewGuard(limits ServiceRateLimits) *Guard {
	if limits.ResourceGraph <= 0 {
		limits.ResourceGraph = defaultResourceGraphLimit
	}
	if limits.Arm <= 0 {
		limits.Arm = defaultArmLimit
	}
	if limits.Storage <= 0 {
		limits.Storage = defaultStorageLimit
	}

	guard := &Guard{
		limiters: map[ServiceName]*rate.Limiter{
			ServiceResourceGraph: rate.NewLimiter(rate.Limit(limits.ResourceGraph), limits.ResourceGraph),
			ServiceArm:           rate.NewLimiter(rate.Limit(limits.Arm), limits.Arm),
			ServiceStorage:       rate.NewLimiter(rate.Limit(limits.Storage), limits.Storage),
		},
		breakers: map[ServiceName]*gobreaker.CircuitBreaker{},
	}

	for _, name := range []ServiceName{ServiceResourceGraph, ServiceArm, ServiceStorage} {
		guard.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    string(name),
			Timeout: breakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerConsecutiveFailures
			},
		})
	}

	return guard
}

// Do waits for a rate-limit token for the service and then runs fn through
// the service's circuit breaker.
func (g *Guard) Do(ctx context.Context, service ServiceName, fn func() error) error {
	limiter, has := g.limiters[service]
	if !has {
		return fmt.Errorf("unknown service '%s'", service)
	}

	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := g.breakers[service].Execute(func() (any, error) {
		return nil, fn()
	})

	return err
}
