package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/port"
)

const maxUpdateAttempts = 5

// retryOnConflict reruns a read-modify-write while the store reports a stale version.
func retryOnConflict(ctx context.Context, entity, id string, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn()
		if !errors.Is(err, port.ErrOptimisticLock) {
			return err
		}
	}
	return domain.NewConflictError(entity, id, err)
}

// broadcaster fans a successful write out to live subscribers and the event bus.
// Neither path can fail the write that triggered it.
type broadcaster struct {
	feed   port.ChangeNotifier
	events port.EventPublisher
	log    *slog.Logger
}

func (b broadcaster) changed(ctx context.Context, collection, id string) {
	if b.feed == nil {
		return
	}
	if err := b.feed.NotifyChange(ctx, collection, id); err != nil {
		b.log.Warn("change_notify_failed", "collection", collection, "id", id, "err", err)
	}
}

func (b broadcaster) publish(ctx context.Context, evt domain.Event) {
	if b.events == nil {
		return
	}
	if err := b.events.Publish(ctx, evt); err != nil {
		b.log.Warn("event_publish_failed", "type", evt.Type, "key", evt.Key(), "err", err)
	}
}

func wrapStore(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}
