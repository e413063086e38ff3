package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/port"
)

// Mock DocumentStore
type mockStore struct {
	mu         sync.Mutex
	tables     map[string]domain.Table
	orders     map[string]domain.Order
	menu       map[string]domain.MenuItem
	categories map[string]domain.Category
	payments   map[string]domain.Payment

	// staleOrderWrites makes the next n UpdateOrder calls fail with a lock conflict
	staleOrderWrites int
	failTableWrites  error
}

func newMockStore() *mockStore {
	return &mockStore{
		tables:     make(map[string]domain.Table),
		orders:     make(map[string]domain.Order),
		menu:       make(map[string]domain.MenuItem),
		categories: make(map[string]domain.Category),
		payments:   make(map[string]domain.Payment),
	}
}

func copyOrder(o domain.Order) domain.Order {
	o.Items = append([]domain.OrderLineItem{}, o.Items...)
	return o
}

func (m *mockStore) CreateTable(ctx context.Context, t domain.Table) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[t.ID]; ok {
		return false, nil
	}
	m.tables[t.ID] = t
	return true, nil
}

func (m *mockStore) GetTable(ctx context.Context, id string) (*domain.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *mockStore) ListTables(ctx context.Context, areaID string) ([]domain.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Table
	for _, t := range m.tables {
		if areaID == "" || t.AreaID == areaID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *mockStore) UpdateTable(ctx context.Context, t *domain.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTableWrites != nil {
		return m.failTableWrites
	}
	cur, ok := m.tables[t.ID]
	if !ok || cur.Version != t.Version {
		return port.ErrOptimisticLock
	}
	t.Version++
	m.tables[t.ID] = *t
	return nil
}

func (m *mockStore) CreateOrder(ctx context.Context, o domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return errors.New("duplicate order")
	}
	m.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *mockStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	o = copyOrder(o)
	return &o, nil
}

func (m *mockStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staleOrderWrites > 0 {
		m.staleOrderWrites--
		return port.ErrOptimisticLock
	}
	cur, ok := m.orders[o.ID]
	if !ok || cur.Version != o.Version {
		return port.ErrOptimisticLock
	}
	o.Version++
	m.orders[o.ID] = copyOrder(*o)
	return nil
}

func (m *mockStore) sortedOrders(keep func(domain.Order) bool) []domain.Order {
	var out []domain.Order
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *mockStore) ListOrdersByTable(ctx context.Context, tableID string) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedOrders(func(o domain.Order) bool { return o.TableID == tableID }), nil
}

func (m *mockStore) ListOrdersByStatus(ctx context.Context, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sortedOrders(func(o domain.Order) bool {
		for _, s := range statuses {
			if o.Status == s {
				return true
			}
		}
		return len(statuses) == 0
	})
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *mockStore) ListCompletedOrders(ctx context.Context, from, to time.Time) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedOrders(func(o domain.Order) bool {
		return o.Status == domain.OrderStatusCompleted && o.CompletedAt != nil &&
			!o.CompletedAt.Before(from) && !o.CompletedAt.After(to)
	}), nil
}

func (m *mockStore) GetMenuItem(ctx context.Context, id string) (*domain.MenuItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.menu[id]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

func (m *mockStore) ListMenuItems(ctx context.Context, category string) ([]domain.MenuItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MenuItem
	for _, it := range m.menu {
		if category == "" || it.Category == category {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) UpsertMenuItem(ctx context.Context, item domain.MenuItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.menu[item.ID] = item
	return nil
}

func (m *mockStore) RemoveMenuItem(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.menu[id]
	delete(m.menu, id)
	return ok, nil
}

func (m *mockStore) ListCategories(ctx context.Context) ([]domain.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Category
	for _, c := range m.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (m *mockStore) UpsertCategory(ctx context.Context, c domain.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[c.ID] = c
	return nil
}

func (m *mockStore) RemoveCategory(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.categories[id]
	delete(m.categories, id)
	return ok, nil
}

func (m *mockStore) CreatePayment(ctx context.Context, p domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = p
	return nil
}

func (m *mockStore) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *mockStore) findPayment(match func(domain.Payment) bool) *domain.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if match(p) {
			return &p
		}
	}
	return nil
}

func (m *mockStore) GetPaymentByLinkID(ctx context.Context, linkID string) (*domain.Payment, error) {
	return m.findPayment(func(p domain.Payment) bool { return p.PaymentLinkID == linkID }), nil
}

func (m *mockStore) GetPaymentByOrderCode(ctx context.Context, code int64) (*domain.Payment, error) {
	return m.findPayment(func(p domain.Payment) bool { return p.OrderCode == code }), nil
}

func (m *mockStore) ListPaymentsByRef(ctx context.Context, ref domain.PaymentRef) ([]domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Payment
	for _, p := range m.payments {
		if p.Ref == ref {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.payments[p.ID]
	if !ok || cur.Version != p.Version {
		return port.ErrOptimisticLock
	}
	p.Version++
	m.payments[p.ID] = *p
	return nil
}

// Mock CacheRepository
type mockCacheRepo struct {
	mu             sync.Mutex
	idempotencySet map[string]bool
	menu           map[string]domain.MenuItem
	nextCode       int64
	menuHits       int
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{
		idempotencySet: make(map[string]bool),
		menu:           make(map[string]domain.MenuItem),
		nextCode:       100000,
	}
}

func (m *mockCacheRepo) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.idempotencySet[key] {
		return false, nil
	}
	m.idempotencySet[key] = true
	return true, nil
}

func (m *mockCacheRepo) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotencySet, key)
	return nil
}

func (m *mockCacheRepo) NextOrderCode(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCode++
	return m.nextCode, nil
}

func (m *mockCacheRepo) GetMenuItem(ctx context.Context, id string) (*domain.MenuItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.menu[id]
	if !ok {
		return nil, nil
	}
	m.menuHits++
	return &it, nil
}

func (m *mockCacheRepo) SetMenuItem(ctx context.Context, item domain.MenuItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.menu[item.ID] = item
	return nil
}

func (m *mockCacheRepo) AddMenuItem(ctx context.Context, item domain.MenuItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.menu[item.ID]; ok {
		return false, nil
	}
	m.menu[item.ID] = item
	return true, nil
}

func (m *mockCacheRepo) DeleteMenuItem(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.menu, id)
	return nil
}

// Mock PaymentGateway
type mockGateway struct {
	mu        sync.Mutex
	created   []port.PaymentLinkRequest
	cancelled []string
	status    map[string]string
	createErr error
	webhook   *port.WebhookData
}

func newMockGateway() *mockGateway {
	return &mockGateway{status: make(map[string]string)}
}

func (g *mockGateway) linkID(code int64) string {
	return fmt.Sprintf("link-%d", code)
}

func (g *mockGateway) CreatePaymentLink(ctx context.Context, req port.PaymentLinkRequest) (*port.PaymentLink, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.created = append(g.created, req)
	id := g.linkID(req.OrderCode)
	g.status[id] = "PENDING"
	return &port.PaymentLink{
		PaymentLinkID: id,
		OrderCode:     req.OrderCode,
		Amount:        req.Amount,
		CheckoutURL:   "https://pay.example/web/" + id,
		QRCode:        "qr-" + id,
		Status:        "PENDING",
	}, nil
}

func (g *mockGateway) GetPaymentLink(ctx context.Context, ref string) (*port.PaymentLink, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.status[ref]
	if !ok {
		return nil, errors.New("unknown payment link")
	}
	return &port.PaymentLink{PaymentLinkID: ref, Status: st}, nil
}

func (g *mockGateway) CancelPaymentLink(ctx context.Context, ref, reason string) (*port.PaymentLink, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, ref)
	g.status[ref] = "CANCELLED"
	return &port.PaymentLink{PaymentLinkID: ref, Status: "CANCELLED"}, nil
}

func (g *mockGateway) VerifyWebhook(body []byte) (*port.WebhookData, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.webhook == nil {
		return nil, errors.New("invalid signature")
	}
	return g.webhook, nil
}

func (g *mockGateway) setStatus(linkID, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status[linkID] = status
}

// Mock ChangeFeed
type mockFeed struct {
	mu   sync.Mutex
	subs map[string][]chan string
	sent int
}

func newMockFeed() *mockFeed {
	return &mockFeed{subs: make(map[string][]chan string)}
}

func (f *mockFeed) NotifyChange(ctx context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	for _, ch := range f.subs[collection] {
		select {
		case ch <- id:
		default:
		}
	}
	return nil
}

func (f *mockFeed) Changes(ctx context.Context, collection string) (<-chan string, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan string, 16)
	f.subs[collection] = append(f.subs[collection], ch)
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		subs := f.subs[collection]
		for i, c := range subs {
			if c == ch {
				f.subs[collection] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}, nil
}

// Mock EventPublisher
type mockPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (p *mockPublisher) Publish(ctx context.Context, evt domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *mockPublisher) count(t domain.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type testEnv struct {
	store    *mockStore
	cache    *mockCacheRepo
	gateway  *mockGateway
	feed     *mockFeed
	events   *mockPublisher
	clock    *testClock
	menu     *MenuService
	tables   *TableService
	orders   *OrderService
	payments *PaymentService
	reports  *ReportService
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestEnv() *testEnv {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		store:   newMockStore(),
		cache:   newMockCacheRepo(),
		gateway: newMockGateway(),
		feed:    newMockFeed(),
		events:  &mockPublisher{},
		clock:   &testClock{now: time.Date(2025, 3, 14, 11, 0, 0, 0, time.UTC)},
	}
	env.menu = NewMenuService(env.store, env.cache, env.feed, log)
	env.tables = NewTableService(env.store, env.store, env.feed, env.events, log)
	env.orders = NewOrderService(env.store, env.tables, env.menu, env.feed, env.events, log)
	env.payments = NewPaymentService(env.store, env.orders, env.tables, env.gateway, env.cache, env.feed, env.events, log)
	env.reports = NewReportService(env.store)

	env.tables.now = env.clock.Now
	env.orders.now = env.clock.Now
	env.payments.now = env.clock.Now
	env.reports.now = env.clock.Now

	ctx := context.Background()
	env.store.CreateTable(ctx, domain.Table{ID: "T1", AreaID: "tang1", Number: 1, Capacity: 6, Status: domain.TableStatusVacant})
	env.store.CreateTable(ctx, domain.Table{ID: "T2", AreaID: "tang1", Number: 2, Capacity: 4, Status: domain.TableStatusVacant})
	env.store.UpsertMenuItem(ctx, domain.MenuItem{ID: "pho-bo", Name: "Phở bò", Price: 70000, Category: "mon-chinh", Available: true})
	env.store.UpsertMenuItem(ctx, domain.MenuItem{ID: "tra-da", Name: "Trà đá", Price: 10000, Category: "nuoc-uong", Available: true})
	env.store.UpsertMenuItem(ctx, domain.MenuItem{ID: "bun-cha", Name: "Bún chả", Price: 50000, Category: "mon-chinh", Available: true})
	env.store.UpsertMenuItem(ctx, domain.MenuItem{ID: "nem-ran", Name: "Nem rán", Price: 30000, Category: "khai-vi", Available: true})
	env.store.UpsertMenuItem(ctx, domain.MenuItem{ID: "het-mon", Name: "Hết món", Price: 1000, Available: false})
	return env
}

func (e *testEnv) table(id string) domain.Table {
	t, _ := e.store.GetTable(context.Background(), id)
	return *t
}

func (e *testEnv) order(id string) domain.Order {
	o, _ := e.store.GetOrder(context.Background(), id)
	return *o
}
