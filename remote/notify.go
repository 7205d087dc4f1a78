// Copyright 2025 The chi-pins Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ChangeEvent is one change-feed notification. The payload convention is
// the affected table name; UI-layer listeners use it to know when to
// re-render. The sync core itself polls and does not depend on this feed.
type ChangeEvent struct {
	Table      string
	ReceivedAt time.Time
}

// Notifier delivers change events from the remote source via Postgres
// LISTEN/NOTIFY on a dedicated connection.
type Notifier struct {
	pool    *pgxpool.Pool
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a listener on the given notification channel.
func NewNotifier(pool *pgxpool.Pool, channel string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{pool: pool, channel: channel, logger: logger}
}

// Listen blocks until ctx is cancelled, invoking fn for every change
// event. Transient connection failures are retried with a fixed delay so
// a flaky network does not kill the feed.
func (n *Notifier) Listen(ctx context.Context, fn func(ChangeEvent)) error {
	for {
		if err := n.listenOnce(ctx, fn); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			n.logger.Warn("change feed interrupted, reconnecting", "channel", n.channel, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func (n *Notifier) listenOnce(ctx context.Context, fn func(ChangeEvent)) error {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+n.channel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.channel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		fn(ChangeEvent{Table: notification.Payload, ReceivedAt: time.Now()})
	}
}
