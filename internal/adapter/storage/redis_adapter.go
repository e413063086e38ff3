package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/port"
)

const (
	menuKeyPrefix     = "menu:"
	changesPrefix     = "changes:"
	orderCodeKey      = "payment:order_code"
	idempotencyKeyTTL = 24 * time.Hour
	menuCacheTTL      = 10 * time.Minute
)

// nextOrderCodeScript seeds the counter from the caller's clock on first use
// so codes stay unique across a flushed cache.
var nextOrderCodeScript = redis.NewScript(`
local key = KEYS[1]
local seed = tonumber(ARGV[1])

if redis.call('EXISTS', key) == 0 then
	redis.call('SET', key, seed)
end

return redis.call('INCR', key)
`)

type RedisAdapter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client, now: time.Now}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisAdapter) NextOrderCode(ctx context.Context) (int64, error) {
	// PayOS order codes must fit in a JS safe integer
	seed := r.now().UnixMilli() % 1_000_000_000_000
	return nextOrderCodeScript.Run(ctx, r.client, []string{orderCodeKey}, seed).Int64()
}

func (r *RedisAdapter) GetMenuItem(ctx context.Context, id string) (*domain.MenuItem, error) {
	raw, err := r.client.Get(ctx, menuKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var item domain.MenuItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode cached menu item %s: %w", id, err)
	}
	return &item, nil
}

func (r *RedisAdapter) SetMenuItem(ctx context.Context, item domain.MenuItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode menu item %s: %w", item.ID, err)
	}
	return r.client.Set(ctx, menuKeyPrefix+item.ID, raw, menuCacheTTL).Err()
}

// AddMenuItem fills the cache from a read. It never replaces an entry, so a
// fill racing a write-through keeps the newer item.
func (r *RedisAdapter) AddMenuItem(ctx context.Context, item domain.MenuItem) (bool, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("encode menu item %s: %w", item.ID, err)
	}
	return r.client.SetNX(ctx, menuKeyPrefix+item.ID, raw, menuCacheTTL).Result()
}

func (r *RedisAdapter) DeleteMenuItem(ctx context.Context, id string) error {
	return r.client.Del(ctx, menuKeyPrefix+id).Err()
}

// NotifyChange publishes the written document id on the collection's channel.
func (r *RedisAdapter) NotifyChange(ctx context.Context, collection, id string) error {
	return r.client.Publish(ctx, changesPrefix+collection, id).Err()
}

// Changes subscribes to a collection's channel. The returned channel is
// closed once ctx is done or cancel is called.
func (r *RedisAdapter) Changes(ctx context.Context, collection string) (<-chan string, func(), error) {
	sub := r.client.Subscribe(ctx, changesPrefix+collection)
	// wait for the subscription so no write between here and the first receive is lost
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
					// subscriber is busy reloading; it will pick up the latest state anyway
				}
			}
		}
	}()

	return out, cancel, nil
}

var (
	_ port.CacheRepository = (*RedisAdapter)(nil)
	_ port.ChangeFeed      = (*RedisAdapter)(nil)
)
