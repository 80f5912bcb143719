// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/azure/azure-mirror/pkg/workflow"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	queueVisibilityTimeout = 30 * time.Second
	queueMaxDeliveryCount  = 5

	// deadLetterSuffix is appended to the queue name when a message exhausts
	// its delivery budget.
	deadLetterSuffix = "/deadletter"
)

// Queue is a durable at-least-once queue over the queue_messages table.
// Receivers compete with FOR UPDATE SKIP LOCKED, so multiple workers can
// drain the same queue.
type Queue struct {
	db    *sqlx.DB
	name  string
	clock clock.Clock
}

var _ workflow.Queue = (*Queue)(nil)

func NewQueue(db *sqlx.DB, name string, clk clock.Clock) *Queue {
	return &Queue{db: db, name: name, clock: clk}
}

func (q *Queue) Send(ctx context.Context, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	now := q.clock.Now()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (queue, body, visible_at, enqueued_at)
		VALUES ($1, $2, $3, $4)`,
		q.name, encoded, now, now)
	if err != nil {
		return fmt.Errorf("enqueueing message: %w", err)
	}

	return nil
}

func (q *Queue) Receive(ctx context.Context) (*workflow.QueuedMessage, error) {
	now := q.clock.Now()
	lockToken := uuid.NewString()

	row := q.db.QueryRowxContext(ctx, `
		UPDATE queue_messages SET
			lock_token = $1,
			delivery_count = delivery_count + 1,
			visible_at = $2
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE queue = $3 AND visible_at <= $4
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED)
		RETURNING id, body, delivery_count, enqueued_at`,
		lockToken, now.Add(queueVisibilityTimeout), q.name, now)

	var (
		id            int64
		body          []byte
		deliveryCount int
		enqueuedAt    time.Time
	)
	if err := row.Scan(&id, &body, &deliveryCount, &enqueuedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("receiving message: %w", err)
	}

	return &workflow.QueuedMessage{
		Id:            strconv.FormatInt(id, 10),
		LockToken:     lockToken,
		Body:          body,
		DeliveryCount: deliveryCount,
		EnqueuedAt:    enqueuedAt,
	}, nil
}

func (q *Queue) Complete(ctx context.Context, message *workflow.QueuedMessage) error {
	// Completing an already-completed message is a no-op; the lock token
	// guards against completing a redelivered copy held by another worker.
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE id = $1 AND lock_token = $2`,
		message.Id, message.LockToken)
	if err != nil {
		return fmt.Errorf("completing message: %w", err)
	}

	return nil
}

func (q *Queue) Abandon(ctx context.Context, message *workflow.QueuedMessage) error {
	if message.DeliveryCount >= queueMaxDeliveryCount {
		_, err := q.db.ExecContext(ctx, `
			UPDATE queue_messages SET queue = $1, lock_token = ''
			WHERE id = $2 AND lock_token = $3`,
			q.name+deadLetterSuffix, message.Id, message.LockToken)
		if err != nil {
			return fmt.Errorf("dead-lettering message: %w", err)
		}

		return nil
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages SET visible_at = $1, lock_token = ''
		WHERE id = $2 AND lock_token = $3`,
		q.clock.Now(), message.Id, message.LockToken)
	if err != nil {
		return fmt.Errorf("abandoning message: %w", err)
	}

	return nil
}
