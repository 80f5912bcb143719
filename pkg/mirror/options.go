// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package mirror

import (
	"time"

	"github.com/azure/azure-mirror/pkg/azsdk"
)

const (
	defaultProcessingBatchSize     = 50
	defaultResourceGraphDelay      = 100 * time.Millisecond
	defaultMaxConcurrentOperations = 10
	defaultRetryAttempts           = 3
	defaultRetryDelay              = time.Second
	defaultPollInterval            = 30 * time.Second
	defaultMaxPollAttempts         = 60
)

// Options carries the tunables of the mirroring engines. Zero values are
// replaced with defaults by [Options.WithDefaults].
type Options struct {
	// Resources persisted per transaction during discovery.
	ProcessingBatchSize int
	// Sleep between resource graph pages.
	ResourceGraphDelay time.Duration
	// Parallelism cap for broker workers.
	MaxConcurrentOperations int
	// Max retries for transient cloud errors.
	RetryAttempts int
	// Base backoff between retries and between dependency levels.
	RetryDelay time.Duration
	// Interval between deployment status polls.
	PollInterval time.Duration
	// Polling budget before a deployment is considered timed out.
	MaxPollAttempts int
	// Per-service request rate caps.
	ServiceRateLimits azsdk.ServiceRateLimits
}

func DefaultOptions() Options {
	return Options{}.WithDefaults()
}

// WithDefaults returns a copy of the options with every unset field replaced
// by its default.
func (o Options) WithDefaults() Options {
	if o.ProcessingBatchSize <= 0 {
		o.ProcessingBatchSize = defaultProcessingBatchSize
	}
	if o.ResourceGraphDelay <= 0 {
		o.ResourceGraphDelay = defaultResourceGraphDelay
	}
	if o.MaxConcurrentOperations <= 0 {
		o.MaxConcurrentOperations = defaultMaxConcurrentOperations
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = defaultRetryAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.MaxPollAttempts <= 0 {
		o.MaxPollAttempts = defaultMaxPollAttempts
	}
	if o.ServiceRateLimits == (azsdk.ServiceRateLimits{}) {
		o.ServiceRateLimits = azsdk.DefaultServiceRateLimits()
	}

	return o
}
