package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/smart-order/internal/adapter/storage"
	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/core/service"
	"github.com/rl1809/smart-order/internal/port"
)

const (
	itemPrice       = 35000
	ordersPerTable  = 5
	totalRequests   = 200
	confirmRequests = 50
)

// stubGateway accepts every checkout and reports it paid.
type stubGateway struct{}

func (stubGateway) CreatePaymentLink(_ context.Context, req port.PaymentLinkRequest) (*port.PaymentLink, error) {
	return &port.PaymentLink{PaymentLinkID: fmt.Sprintf("stress-%d", req.OrderCode), OrderCode: req.OrderCode, Amount: req.Amount, Status: "PENDING"}, nil
}

func (stubGateway) GetPaymentLink(_ context.Context, ref string) (*port.PaymentLink, error) {
	return &port.PaymentLink{PaymentLinkID: ref, Status: "PAID"}, nil
}

func (stubGateway) CancelPaymentLink(_ context.Context, ref, _ string) (*port.PaymentLink, error) {
	return &port.PaymentLink{PaymentLinkID: ref, Status: "CANCELLED"}, nil
}

func (stubGateway) VerifyWebhook([]byte) (*port.WebhookData, error) {
	return nil, errors.New("webhooks are not exercised")
}

// paidCounter counts payment.paid events to prove a single settlement.
type paidCounter struct{ n atomic.Int32 }

func (c *paidCounter) Publish(_ context.Context, e domain.Event) error {
	if e.Type == domain.EventPaymentPaid {
		c.n.Add(1)
	}
	return nil
}

func main() {
	driver := flag.String("driver", "memory", "document store: memory, mysql or pgx")
	dsn := flag.String("dsn", "root:root@tcp(localhost:3306)/smartorder?parseTime=true&loc=UTC", "database DSN for mysql or pgx")
	redisAddr := flag.String("redis", "", "redis address; empty keeps cache and feed in memory")
	flag.Parse()

	ctx := context.Background()
	memory := storage.NewMemoryStore()

	// Initialize store
	var store port.DocumentStore = memory
	if *driver != "memory" {
		db, err := sql.Open(*driver, *dsn)
		if err != nil {
			log.Fatalf("failed to open %s: %v", *driver, err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("failed to connect %s: %v", *driver, err)
		}
		sqlAdapter, err := storage.NewSQLAdapter(db, *driver)
		if err != nil {
			log.Fatalf("failed to create store: %v", err)
		}
		if err := sqlAdapter.Migrate(ctx); err != nil {
			log.Fatalf("failed to migrate: %v", err)
		}
		store = sqlAdapter
	}

	// Initialize Redis
	var (
		cache port.CacheRepository = memory
		feed  port.ChangeFeed      = memory
	)
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		defer rdb.Close()
		adapter := storage.NewRedisAdapter(rdb)
		cache, feed = adapter, adapter
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	paid := &paidCounter{}
	tables := service.NewTableService(store, store, feed, paid, quiet)
	menu := service.NewMenuService(store, cache, feed, quiet)
	orders := service.NewOrderService(store, tables, menu, feed, paid, quiet)
	payments := service.NewPaymentService(store, orders, tables, stubGateway{}, cache, feed, paid, quiet)

	// Fresh area and item per run
	runID := uuid.NewString()[:8]
	areaID := "stress" + runID
	itemID := "stress-item-" + runID
	tableID := domain.TableID(areaID, 1)
	if _, err := tables.SetupTables(ctx, []domain.Area{{ID: areaID, Name: "Stress", TableCount: 1}}); err != nil {
		log.Fatalf("failed to set up table: %v", err)
	}
	if err := menu.SaveMenuItem(ctx, domain.MenuItem{ID: itemID, Name: "Gỏi cuốn", Price: itemPrice, Category: "khai-vi", Available: true}); err != nil {
		log.Fatalf("failed to save menu item: %v", err)
	}

	orderIDs := make([]string, ordersPerTable)
	for i := range orderIDs {
		o, err := orders.CreateOrder(ctx, tableID, 0)
		if err != nil {
			log.Fatalf("failed to create order: %v", err)
		}
		orderIDs[i] = o.ID
	}

	// Counters
	var successCount, conflictCount, failCount atomic.Int32

	// Spawn concurrent item additions
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			_, err := orders.AddItem(ctx, orderIDs[n%ordersPerTable], itemID, 1, "")
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrConflict):
				conflictCount.Add(1)
			default:
				failCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	expectedBill := int64(success) * itemPrice

	var orderSum int64
	for _, id := range orderIDs {
		o, err := orders.GetOrder(ctx, id)
		if err != nil {
			log.Fatalf("failed to load order: %v", err)
		}
		orderSum += o.TotalAmount
	}
	table, err := tables.GetTable(ctx, tableID)
	if err != nil {
		log.Fatalf("failed to load table: %v", err)
	}
	driftedBill := table.BillTotal
	reconciled, err := tables.Reconcile(ctx, tableID)
	if err != nil {
		log.Fatalf("failed to reconcile: %v", err)
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Store:            %s\n", *driver)
	fmt.Printf("Orders:           %d\n", ordersPerTable)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Conflicts:        %d\n", conflictCount.Load())
	fmt.Printf("Failed:           %d\n", failCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if failCount.Load() == 0 && success+conflictCount.Load() == totalRequests {
		fmt.Println("PASS: Every request either succeeded or reported a conflict")
	} else {
		fmt.Printf("FAIL: %d requests failed with unexpected errors\n", failCount.Load())
	}

	if orderSum == expectedBill {
		fmt.Printf("PASS: Order totals match successful additions (%d)\n", orderSum)
	} else {
		fmt.Printf("FAIL: Expected order totals %d, got %d\n", expectedBill, orderSum)
	}

	fmt.Printf("Live Bill Total:  %d\n", driftedBill)
	if reconciled.BillTotal == expectedBill {
		fmt.Printf("PASS: Reconciled bill equals order totals (%d)\n", reconciled.BillTotal)
	} else {
		fmt.Printf("FAIL: Expected reconciled bill %d, got %d\n", expectedBill, reconciled.BillTotal)
	}

	// Concurrent confirmations of one payment
	payment, err := payments.RequestPayment(ctx, domain.TableRef(tableID), reconciled.BillTotal)
	if err != nil {
		log.Fatalf("failed to request payment: %v", err)
	}

	start = time.Now()
	for i := 0; i < confirmRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = payments.OnPaymentConfirmed(ctx, payment.ID)
		}()
	}
	wg.Wait()

	final, err := payments.GetPayment(ctx, payment.ID)
	if err != nil {
		log.Fatalf("failed to load payment: %v", err)
	}
	closed, err := tables.GetTable(ctx, tableID)
	if err != nil {
		log.Fatalf("failed to load table: %v", err)
	}

	fmt.Println("========== CONFIRMATION RESULTS ==========")
	fmt.Printf("Confirmations:    %d\n", confirmRequests)
	fmt.Printf("Payment Status:   %s\n", final.Status)
	fmt.Printf("Paid Events:      %d\n", paid.n.Load())
	fmt.Printf("Duration:         %v\n", time.Since(start))
	fmt.Println("==========================================")

	if final.Status == domain.PaymentStatusPaid && paid.n.Load() == 1 {
		fmt.Println("PASS: Payment settled exactly once")
	} else {
		fmt.Printf("FAIL: Expected one PAID settlement, got status %s with %d paid events\n", final.Status, paid.n.Load())
	}

	if closed.IsVacant() && closed.BillTotal == 0 {
		fmt.Println("PASS: Table closed after settlement")
	} else {
		fmt.Printf("FAIL: Expected vacant table, got %s with bill %d\n", closed.Status, closed.BillTotal)
	}
}
