package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/port"
)

// MemoryStore keeps every collection in process. It backs single-node demo
// runs and tests and honours the same version checks as the SQL store.
type MemoryStore struct {
	mu         sync.RWMutex
	tables     map[string]domain.Table
	orders     map[string]domain.Order
	menu       map[string]domain.MenuItem
	categories map[string]domain.Category
	payments   map[string]domain.Payment
	keys       map[string]time.Time
	orderCode  int64

	subMu sync.Mutex
	subs  map[string]map[chan string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:     make(map[string]domain.Table),
		orders:     make(map[string]domain.Order),
		menu:       make(map[string]domain.MenuItem),
		categories: make(map[string]domain.Category),
		payments:   make(map[string]domain.Payment),
		keys:       make(map[string]time.Time),
		orderCode:  time.Now().UnixMilli() % 1_000_000_000_000,
		subs:       make(map[string]map[chan string]struct{}),
	}
}

func copyOrder(o domain.Order) domain.Order {
	o.Items = slices.Clone(o.Items)
	return o
}

// Tables

func (m *MemoryStore) CreateTable(_ context.Context, table domain.Table) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table.ID]; ok {
		return false, nil
	}
	m.tables[table.ID] = table
	return true, nil
}

func (m *MemoryStore) GetTable(_ context.Context, id string) (*domain.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *MemoryStore) ListTables(_ context.Context, areaID string) ([]domain.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Table
	for _, t := range m.tables {
		if areaID == "" || t.AreaID == areaID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) UpdateTable(_ context.Context, table *domain.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tables[table.ID]
	if !ok || cur.Version != table.Version {
		return port.ErrOptimisticLock
	}
	table.Version++
	m.tables[table.ID] = *table
	return nil
}

// Orders

func (m *MemoryStore) CreateOrder(_ context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = copyOrder(order)
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	o = copyOrder(o)
	return &o, nil
}

func (m *MemoryStore) UpdateOrder(_ context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[order.ID]
	if !ok || cur.Version != order.Version {
		return port.ErrOptimisticLock
	}
	order.Version++
	m.orders[order.ID] = copyOrder(*order)
	return nil
}

func (m *MemoryStore) filterOrders(keep func(domain.Order) bool, less func(a, b domain.Order) bool) []domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Order
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (m *MemoryStore) ListOrdersByTable(_ context.Context, tableID string) ([]domain.Order, error) {
	return m.filterOrders(
		func(o domain.Order) bool { return o.TableID == tableID },
		func(a, b domain.Order) bool { return a.CreatedAt.Before(b.CreatedAt) },
	), nil
}

func (m *MemoryStore) ListOrdersByStatus(_ context.Context, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	return m.filterOrders(
		func(o domain.Order) bool { return slices.Contains(statuses, o.Status) },
		func(a, b domain.Order) bool { return a.CreatedAt.After(b.CreatedAt) },
	), nil
}

func (m *MemoryStore) ListCompletedOrders(_ context.Context, from, to time.Time) ([]domain.Order, error) {
	return m.filterOrders(
		func(o domain.Order) bool {
			return o.Status == domain.OrderStatusCompleted && o.CompletedAt != nil &&
				!o.CompletedAt.Before(from) && !o.CompletedAt.After(to)
		},
		func(a, b domain.Order) bool { return a.CompletedAt.After(*b.CompletedAt) },
	), nil
}

// Menu

func (m *MemoryStore) GetMenuItem(_ context.Context, id string) (*domain.MenuItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.menu[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (m *MemoryStore) ListMenuItems(_ context.Context, category string) ([]domain.MenuItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.MenuItem
	for _, item := range m.menu {
		if category == "" || item.Category == category {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) UpsertMenuItem(_ context.Context, item domain.MenuItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.menu[item.ID] = item
	return nil
}

func (m *MemoryStore) RemoveMenuItem(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.menu[id]
	delete(m.menu, id)
	return ok, nil
}

func (m *MemoryStore) ListCategories(_ context.Context) ([]domain.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Category, 0, len(m.categories))
	for _, c := range m.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) UpsertCategory(_ context.Context, category domain.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[category.ID] = category
	return nil
}

func (m *MemoryStore) RemoveCategory(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.categories[id]
	delete(m.categories, id)
	return ok, nil
}

// Payments

func (m *MemoryStore) CreatePayment(_ context.Context, payment domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[payment.ID] = payment
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id string) (*domain.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryStore) findPayment(match func(domain.Payment) bool) *domain.Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if match(p) {
			return &p
		}
	}
	return nil
}

func (m *MemoryStore) GetPaymentByLinkID(_ context.Context, linkID string) (*domain.Payment, error) {
	if linkID == "" {
		return nil, nil
	}
	return m.findPayment(func(p domain.Payment) bool { return p.PaymentLinkID == linkID }), nil
}

func (m *MemoryStore) GetPaymentByOrderCode(_ context.Context, orderCode int64) (*domain.Payment, error) {
	return m.findPayment(func(p domain.Payment) bool { return p.OrderCode == orderCode }), nil
}

func (m *MemoryStore) ListPaymentsByRef(_ context.Context, ref domain.PaymentRef) ([]domain.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Payment
	for _, p := range m.payments {
		if p.Ref == ref {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdatePayment(_ context.Context, payment *domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.payments[payment.ID]
	if !ok || cur.Version != payment.Version {
		return port.ErrOptimisticLock
	}
	payment.Version++
	m.payments[payment.ID] = *payment
	return nil
}

// Cache

func (m *MemoryStore) SetIdempotency(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.keys[key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	m.keys[key] = time.Now().Add(idempotencyKeyTTL)
	return true, nil
}

func (m *MemoryStore) ReleaseIdempotency(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func (m *MemoryStore) NextOrderCode(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderCode++
	return m.orderCode, nil
}

// The menu collection already lives in memory: cache reads go straight to
// it through GetMenuItem and cache writes are no-ops.
func (m *MemoryStore) SetMenuItem(context.Context, domain.MenuItem) error { return nil }
func (m *MemoryStore) DeleteMenuItem(context.Context, string) error       { return nil }

func (m *MemoryStore) AddMenuItem(context.Context, domain.MenuItem) (bool, error) {
	return false, nil
}

// Change feed

func (m *MemoryStore) NotifyChange(_ context.Context, collection, id string) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs[collection] {
		select {
		case ch <- id:
		default:
		}
	}
	return nil
}

func (m *MemoryStore) Changes(ctx context.Context, collection string) (<-chan string, func(), error) {
	ch := make(chan string, 64)
	m.subMu.Lock()
	if m.subs[collection] == nil {
		m.subs[collection] = make(map[chan string]struct{})
	}
	m.subs[collection][ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs[collection], ch)
			m.subMu.Unlock()
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel, nil
}

var (
	_ port.DocumentStore   = (*MemoryStore)(nil)
	_ port.ChangeFeed      = (*MemoryStore)(nil)
	_ port.CacheRepository = (*MemoryStore)(nil)
)
