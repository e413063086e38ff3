package service_test

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/smart-order/internal/adapter/storage"
	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/core/service"
	"github.com/rl1809/smart-order/internal/port"
)

type stubGateway struct {
	mu    sync.Mutex
	calls int
}

func (g *stubGateway) CreatePaymentLink(_ context.Context, req port.PaymentLinkRequest) (*port.PaymentLink, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return &port.PaymentLink{PaymentLinkID: fmt.Sprintf("link-%d", req.OrderCode), OrderCode: req.OrderCode, Amount: req.Amount, Status: "PENDING"}, nil
}

func (g *stubGateway) GetPaymentLink(_ context.Context, ref string) (*port.PaymentLink, error) {
	return &port.PaymentLink{PaymentLinkID: ref, Status: "PAID"}, nil
}

func (g *stubGateway) CancelPaymentLink(_ context.Context, ref, _ string) (*port.PaymentLink, error) {
	return &port.PaymentLink{PaymentLinkID: ref, Status: "CANCELLED"}, nil
}

func (g *stubGateway) VerifyWebhook([]byte) (*port.WebhookData, error) {
	return nil, fmt.Errorf("not used")
}

type integrationEnv struct {
	tables   *service.TableService
	orders   *service.OrderService
	payments *service.PaymentService
	areaID   string
	cleanup  func()
}

func setupIntegrationEnv(t *testing.T) *integrationEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/smartorder?parseTime=true&loc=UTC"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	ctx := context.Background()
	store, err := storage.NewSQLAdapter(db, "mysql")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cache := storage.NewRedisAdapter(rdb)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	tables := service.NewTableService(store, store, cache, nil, log)
	menu := service.NewMenuService(store, cache, cache, log)
	orders := service.NewOrderService(store, tables, menu, cache, nil, log)
	payments := service.NewPaymentService(store, orders, tables, &stubGateway{}, cache, cache, nil, log)

	// each run gets its own area so leftovers never collide
	areaID := "it" + uuid.NewString()[:8]
	if _, err := tables.SetupTables(ctx, []domain.Area{{ID: areaID, Name: "Integration", TableCount: 2}}); err != nil {
		t.Fatalf("setup tables: %v", err)
	}
	if err := menu.Seed(ctx, nil, []domain.MenuItem{
		{ID: "it-pho-bo", Name: "Phở bò", Price: 70000, Category: "mon-chinh", Available: true},
		{ID: "it-tra-da", Name: "Trà đá", Price: 10000, Category: "nuoc-uong", Available: true},
	}); err != nil {
		t.Fatalf("seed menu: %v", err)
	}

	return &integrationEnv{
		tables:   tables,
		orders:   orders,
		payments: payments,
		areaID:   areaID,
		cleanup: func() {
			rdb.Close()
			db.Close()
		},
	}
}

func TestIntegration_ConcurrentItemsKeepBillExact(t *testing.T) {
	env := setupIntegrationEnv(t)
	defer env.cleanup()
	ctx := context.Background()
	tableID := domain.TableID(env.areaID, 1)

	first, err := env.orders.CreateOrder(ctx, tableID, 2)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	second, err := env.orders.CreateOrder(ctx, tableID, 0)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	// writers race on the same two orders; a write that loses every retry
	// surfaces as a conflict and must leave no trace in the bill
	var wg sync.WaitGroup
	var phoAdded, traAdded atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orderID, item, counter := first.ID, "it-pho-bo", &phoAdded
			if i%2 == 1 {
				orderID, item, counter = second.ID, "it-tra-da", &traAdded
			}
			if _, err := env.orders.AddItem(ctx, orderID, item, 1, ""); err == nil {
				counter.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if phoAdded.Load() == 0 || traAdded.Load() == 0 {
		t.Fatalf("expected some adds to succeed, got %d and %d", phoAdded.Load(), traAdded.Load())
	}

	table, err := env.tables.Reconcile(ctx, tableID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	want := phoAdded.Load()*70000 + traAdded.Load()*10000
	if table.BillTotal != want {
		t.Errorf("expected bill %d, got %d", want, table.BillTotal)
	}
}

func TestIntegration_ConcurrentConfirmationSettlesOnce(t *testing.T) {
	env := setupIntegrationEnv(t)
	defer env.cleanup()
	ctx := context.Background()
	tableID := domain.TableID(env.areaID, 2)

	order, err := env.orders.CreateOrder(ctx, tableID, 2)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := env.orders.AddItem(ctx, order.ID, "it-pho-bo", 2, ""); err != nil {
		t.Fatalf("add item: %v", err)
	}

	payment, err := env.payments.RequestPayment(ctx, domain.TableRef(tableID), 140000)
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.payments.OnPaymentConfirmed(ctx, payment.ID)
		}()
	}
	wg.Wait()

	status, err := env.payments.PollStatus(ctx, payment.PaymentLinkID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if status != domain.PaymentStatusPaid {
		t.Errorf("expected PAID, got %s", status)
	}

	table, err := env.tables.GetTable(ctx, tableID)
	if err != nil {
		t.Fatalf("get table: %v", err)
	}
	if !table.IsVacant() || table.BillTotal != 0 {
		t.Errorf("expected vacant table with zero bill, got %s / %d", table.Status, table.BillTotal)
	}
}
