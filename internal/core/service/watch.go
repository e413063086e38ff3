package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rl1809/smart-order/internal/port"
)

var ErrNoChangeFeed = errors.New("live subscriptions are not configured")

// Subscription is the cancel handle of a live query.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Unsubscribe stops delivery and waits for the delivering goroutine to exit.
func (s *Subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}

// watch delivers the full result of load once immediately and again after
// every change in collection. Bursts of changes are coalesced into one reload,
// so receivers may see the same snapshot twice but never a partial one.
func watch[T any](ctx context.Context, log *slog.Logger, feed port.ChangeFeed, collection string, load func(context.Context) (T, error), onChange func(T)) (*Subscription, error) {
	if feed == nil {
		return nil, ErrNoChangeFeed
	}
	ctx, cancel := context.WithCancel(ctx)

	changes, stop, err := feed.Changes(ctx, collection)
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	deliver := func() {
		snapshot, err := load(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("live_query_failed", "collection", collection, "err", err)
			}
			return
		}
		onChange(snapshot)
	}

	go func() {
		defer close(sub.done)
		defer stop()

		deliver()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
			drain:
				for {
					select {
					case _, ok := <-changes:
						if !ok {
							break drain
						}
					default:
						break drain
					}
				}
				deliver()
			}
		}
	}()

	return sub, nil
}
