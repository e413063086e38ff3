package port

import (
	"context"

	"github.com/rl1809/smart-order/internal/core/domain"
)

type EventPublisher interface {
	// Publish delivers an event to downstream consumers
	Publish(ctx context.Context, event domain.Event) error
}
