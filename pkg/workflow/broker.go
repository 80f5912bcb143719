// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

// idleReceiveDelay is how long a worker sleeps when its queue is empty.
const idleReceiveDelay = 250 * time.Millisecond

// HandlerFunc processes one delivery. Returning an error abandons the
// message so the broker redelivers it; handlers are required to be
// idempotent.
type HandlerFunc func(ctx context.Context, message *QueuedMessage) error

// Broker owns the workflow queues and dispatches messages to their handlers
// from a pool of background workers.
type Broker struct {
	queues   map[string]Queue
	handlers map[string]HandlerFunc
	workers  int
	clock    clock.Clock
	logger   *slog.Logger
}

func NewBroker(workers int, clk clock.Clock, logger *slog.Logger) *Broker {
	if workers <= 0 {
		workers = 1
	}

	return &Broker{
		queues:   map[string]Queue{},
		handlers: map[string]HandlerFunc{},
		workers:  workers,
		clock:    clk,
		logger:   logger,
	}
}

// Register attaches a queue and its handler to the broker.
func (b *Broker) Register(name string, queue Queue, handler HandlerFunc) {
	b.queues[name] = queue
	b.handlers[name] = handler
}

// Queue returns the registered queue by name.
func (b *Broker) Queue(name string) (Queue, error) {
	queue, has := b.queues[name]
	if !has {
		return nil, fmt.Errorf("queue '%s' is not registered", name)
	}

	return queue, nil
}

// Send publishes a message body to the named queue.
func (b *Broker) Send(ctx context.Context, queueName string, body any) error {
	queue, err := b.Queue(queueName)
	if err != nil {
		return err
	}

	return queue.Send(ctx, body)
}

// Run processes messages until the context is cancelled. Each queue is
// drained by the broker's worker pool; a handler error abandons the message
// for redelivery.
func (b *Broker) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	for name := range b.queues {
		queue := b.queues[name]
		handler := b.handlers[name]
		queueName := name

		for worker := 0; worker < b.workers; worker++ {
			group.Go(func() error {
				return b.work(ctx, queueName, queue, handler)
			})
		}
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (b *Broker) work(ctx context.Context, queueName string, queue Queue, handler HandlerFunc) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		message, err := queue.Receive(ctx)
		if err != nil {
			b.logger.Error("receiving message", "queue", queueName, "error", err)
			b.clock.Sleep(idleReceiveDelay)
			continue
		}

		if message == nil {
			b.clock.Sleep(idleReceiveDelay)
			continue
		}

		if err := b.dispatch(ctx, queueName, queue, handler, message); err != nil {
			b.logger.Error("abandoning message",
				"queue", queueName,
				"messageId", message.Id,
				"deliveryCount", message.DeliveryCount,
				"error", err)
		}
	}
}

func (b *Broker) dispatch(
	ctx context.Context,
	queueName string,
	queue Queue,
	handler HandlerFunc,
	message *QueuedMessage,
) error {
	if err := handler(ctx, message); err != nil {
		if abandonErr := queue.Abandon(ctx, message); abandonErr != nil {
			b.logger.Error("abandon failed", "queue", queueName, "messageId", message.Id, "error", abandonErr)
		}
		return err
	}

	return queue.Complete(ctx, message)
}
