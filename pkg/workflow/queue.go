// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

// Package workflow moves templates through the async deployment pipeline:
// created, validated, deployed, result. Queues deliver at least once;
// handlers complete messages on success and abandon on failure so the broker
// redelivers.
package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	// Visibility timeout applied to received messages before they become
	// eligible for redelivery.
	defaultVisibilityTimeout = 30 * time.Second

	// Messages abandoned more than maxDeliveryCount times are dead-lettered.
	defaultMaxDeliveryCount = 5
)

// QueuedMessage is one delivery of a queue message.
type QueuedMessage struct {
	Id            string
	LockToken     string
	Body          json.RawMessage
	DeliveryCount int
	EnqueuedAt    time.Time
}

// Queue is a durable at-least-once message queue. Receive locks a message for
// the visibility timeout; Complete removes it; Abandon releases the lock for
// redelivery.
type Queue interface {
	Send(ctx context.Context, body any) error
	// Receive returns the next visible message, or nil when the queue has
	// none.
	Receive(ctx context.Context) (*QueuedMessage, error)
	Complete(ctx context.Context, message *QueuedMessage) error
	Abandon(ctx context.Context, message *QueuedMessage) error
}

// MemoryQueue is an in-process Queue with visibility-timeout redelivery and a
// dead-letter list. It backs tests and single-process deployments; the
// Postgres-backed queue provides the same contract durably.
type MemoryQueue struct {
	clock             clock.Clock
	visibilityTimeout time.Duration
	maxDeliveryCount  int

	mu         sync.Mutex
	messages   []*memoryEntry
	deadLetter []*QueuedMessage
}

type memoryEntry struct {
	message   QueuedMessage
	visibleAt time.Time
	locked    bool
}

func NewMemoryQueue(clk clock.Clock) *MemoryQueue {
	return &MemoryQueue{
		clock:             clk,
		visibilityTimeout: defaultVisibilityTimeout,
		maxDeliveryCount:  defaultMaxDeliveryCount,
	}
}

var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) Send(ctx context.Context, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.messages = append(q.messages, &memoryEntry{
		message: QueuedMessage{
			Id:         uuid.NewString(),
			Body:       encoded,
			EnqueuedAt: q.clock.Now(),
		},
		visibleAt: q.clock.Now(),
	})

	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context) (*QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	for _, entry := range q.messages {
		if entry.locked && now.Before(entry.visibleAt) {
			continue
		}
		if !entry.locked && now.Before(entry.visibleAt) {
			continue
		}

		entry.locked = true
		entry.visibleAt = now.Add(q.visibilityTimeout)
		entry.message.DeliveryCount++
		entry.message.LockToken = uuid.NewString()

		delivery := entry.message
		return &delivery, nil
	}

	return nil, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, message *QueuedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for idx, entry := range q.messages {
		if entry.message.Id == message.Id {
			q.messages = append(q.messages[:idx], q.messages[idx+1:]...)
			return nil
		}
	}

	// Already completed; completing twice is a no-op.
	return nil
}

func (q *MemoryQueue) Abandon(ctx context.Context, message *QueuedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for idx, entry := range q.messages {
		if entry.message.Id != message.Id {
			continue
		}

		if entry.message.DeliveryCount >= q.maxDeliveryCount {
			q.messages = append(q.messages[:idx], q.messages[idx+1:]...)
			dead := entry.message
			q.deadLetter = append(q.deadLetter, &dead)
			return nil
		}

		entry.locked = false
		entry.visibleAt = q.clock.Now()
		return nil
	}

	return nil
}

// DeadLettered returns the messages that exhausted their delivery budget.
func (q *MemoryQueue) DeadLettered() []*QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	dead := make([]*QueuedMessage, len(q.deadLetter))
	copy(dead, q.deadLetter)
	return dead
}
