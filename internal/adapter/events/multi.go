package events

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/port"
)

// Multi publishes each event to every sink concurrently and reports all failures.
type Multi []port.EventPublisher

func (m Multi) Publish(ctx context.Context, event domain.Event) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, p := range m {
		p := p
		g.Go(func() error {
			if err := p.Publish(ctx, event); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

var _ port.EventPublisher = Multi(nil)
