package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/smart-order/internal/core/domain"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestSetIdempotency_Success(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	// Setup
	client.Del(ctx, "test-idem-key")

	// First call should succeed
	ok, err := adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected first call to succeed")
	}

	// Second call should fail (key exists)
	ok, err = adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second call to fail")
	}

	// Released key can be taken again
	if err := adapter.ReleaseIdempotency(ctx, "test-idem-key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, _ = adapter.SetIdempotency(ctx, "test-idem-key")
	if !ok {
		t.Error("expected call after release to succeed")
	}

	client.Del(ctx, "test-idem-key")
}

func TestSetIdempotency_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	key := "payment:confirm:concurrent-test"
	client.Del(ctx, key)
	defer client.Del(ctx, key)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.SetIdempotency(ctx, key)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners.Load())
	}
}

func TestNextOrderCode_Unique(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	adapter.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	client.Del(ctx, orderCodeKey)

	first, err := adapter.NextOrderCode(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != 700_000_000_001 {
		t.Errorf("expected seeded code 700000000001, got %d", first)
	}

	seen := sync.Map{}
	var wg sync.WaitGroup
	var dupes atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, err := adapter.NextOrderCode(ctx)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if _, loaded := seen.LoadOrStore(code, true); loaded {
				dupes.Add(1)
			}
		}()
	}
	wg.Wait()

	if dupes.Load() != 0 {
		t.Errorf("expected unique codes, got %d duplicates", dupes.Load())
	}
}

func TestMenuItemCache(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	client.Del(ctx, "menu:cache-test")

	miss, err := adapter.GetMenuItem(ctx, "cache-test")
	if err != nil || miss != nil {
		t.Fatalf("expected nil, nil on miss, got %v %v", miss, err)
	}

	item := domain.MenuItem{ID: "cache-test", Name: "Cà phê sữa", Price: 25000, Category: "nuoc-uong", Available: true}
	if err := adapter.SetMenuItem(ctx, item); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := adapter.GetMenuItem(ctx, "cache-test")
	if err != nil || got == nil {
		t.Fatalf("expected cached item, got %v %v", got, err)
	}
	if *got != item {
		t.Errorf("expected %+v, got %+v", item, *got)
	}

	ttl := client.TTL(ctx, "menu:cache-test").Val()
	if ttl <= 0 || ttl > menuCacheTTL {
		t.Errorf("unexpected ttl %v", ttl)
	}

	if err := adapter.DeleteMenuItem(ctx, "cache-test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gone, _ := adapter.GetMenuItem(ctx, "cache-test")
	if gone != nil {
		t.Error("expected item to be evicted")
	}
}

func TestAddMenuItem_KeepsExistingEntry(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	client.Del(ctx, "menu:fill-test")
	defer client.Del(ctx, "menu:fill-test")

	fresh := domain.MenuItem{ID: "fill-test", Name: "Bánh mì", Price: 30000, Available: true}
	stale := fresh
	stale.Price = 25000

	added, err := adapter.AddMenuItem(ctx, fresh)
	if err != nil || !added {
		t.Fatalf("expected first fill to be stored, got %v %v", added, err)
	}
	added, err = adapter.AddMenuItem(ctx, stale)
	if err != nil || added {
		t.Fatalf("expected second fill to be skipped, got %v %v", added, err)
	}

	got, _ := adapter.GetMenuItem(ctx, "fill-test")
	if got == nil || got.Price != 30000 {
		t.Errorf("expected cached price 30000, got %+v", got)
	}
	if ttl := client.TTL(ctx, "menu:fill-test").Val(); ttl <= 0 || ttl > menuCacheTTL {
		t.Errorf("unexpected ttl %v", ttl)
	}
}

func TestChanges_PubSub(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	changes, cancel, err := adapter.Changes(ctx, "tables-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := adapter.NotifyChange(ctx, "tables-test", "T1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case id := <-changes:
		if id != "T1" {
			t.Errorf("expected T1, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change received")
	}

	cancel()
	select {
	case _, ok := <-changes:
		if ok {
			// a late message may still be buffered; drain until close
			for range changes {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
