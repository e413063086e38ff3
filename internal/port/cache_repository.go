package port

import (
	"context"

	"github.com/rl1809/smart-order/internal/core/domain"
)

type CacheRepository interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency removes the key so a failed attempt can be retried
	ReleaseIdempotency(ctx context.Context, key string) error

	// NextOrderCode returns a unique numeric code for a gateway payment request
	NextOrderCode(ctx context.Context) (int64, error)

	// GetMenuItem returns a cached menu item, nil on miss
	GetMenuItem(ctx context.Context, id string) (*domain.MenuItem, error)

	// SetMenuItem caches a menu item
	SetMenuItem(ctx context.Context, item domain.MenuItem) error

	// AddMenuItem caches a menu item only when no entry exists, returns false if one did
	AddMenuItem(ctx context.Context, item domain.MenuItem) (bool, error)

	// DeleteMenuItem evicts a cached menu item
	DeleteMenuItem(ctx context.Context, id string) error
}
