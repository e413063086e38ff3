package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/port"
)

var errUnchanged = errors.New("unchanged")

// TableService is the only writer of table status, guest count and bill total.
type TableService struct {
	tables port.TableRepository
	orders port.OrderRepository
	feed   port.ChangeFeed
	bc     broadcaster
	log    *slog.Logger
	now    func() time.Time
}

func NewTableService(tables port.TableRepository, orders port.OrderRepository, feed port.ChangeFeed, events port.EventPublisher, log *slog.Logger) *TableService {
	return &TableService{
		tables: tables,
		orders: orders,
		feed:   feed,
		bc:     broadcaster{feed: feed, events: events, log: log},
		log:    log,
		now:    time.Now,
	}
}

func (s *TableService) GetTable(ctx context.Context, id string) (*domain.Table, error) {
	t, err := s.tables.GetTable(ctx, id)
	if err != nil {
		return nil, wrapStore("get table", err)
	}
	if t == nil {
		return nil, domain.NewNotFoundError("table", id)
	}
	return t, nil
}

func (s *TableService) ListTables(ctx context.Context, areaID string) ([]domain.Table, error) {
	tables, err := s.tables.ListTables(ctx, areaID)
	if err != nil {
		return nil, wrapStore("list tables", err)
	}
	return tables, nil
}

func (s *TableService) Stats(ctx context.Context) (domain.TableStats, error) {
	tables, err := s.ListTables(ctx, "")
	if err != nil {
		return domain.TableStats{}, err
	}
	return domain.ComputeTableStats(tables), nil
}

// SetupTables creates the fixed table inventory. Existing tables are left untouched.
func (s *TableService) SetupTables(ctx context.Context, areas []domain.Area) (int, error) {
	created := 0
	for _, t := range domain.LayoutTables(areas, s.now()) {
		ok, err := s.tables.CreateTable(ctx, t)
		if err != nil {
			return created, wrapStore("create table "+t.ID, err)
		}
		if ok {
			created++
			s.bc.changed(ctx, domain.CollectionTables, t.ID)
		}
	}
	s.log.Info("tables_setup", "areas", len(areas), "created", created)
	return created, nil
}

// openTable starts a seating. Only the order engine calls it, when the first order is created.
func (s *TableService) openTable(ctx context.Context, tableID string, guestCount int) (*domain.Table, error) {
	t, err := s.update(ctx, tableID, func(t *domain.Table) error {
		return t.Open(guestCount, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("table_opened", "table_id", tableID, "guest_count", guestCount)
	s.bc.publish(ctx, domain.Event{Type: domain.EventTableOpened, TableID: tableID, Status: string(t.Status), OccurredAt: s.now()})
	return t, nil
}

// OnOrderTotalChanged recomputes the bill from the table's active orders.
// newOrderTotal stands in for orderID when the query does not return it yet.
func (s *TableService) OnOrderTotalChanged(ctx context.Context, tableID, orderID string, newOrderTotal int64) (*domain.Table, error) {
	return s.update(ctx, tableID, func(t *domain.Table) error {
		if t.IsVacant() {
			return errUnchanged
		}
		orders, err := s.orders.ListOrdersByTable(ctx, tableID)
		if err != nil {
			return wrapStore("list table orders", err)
		}

		var total int64
		seen := false
		for _, o := range orders {
			if o.ID == orderID {
				seen = true
			}
			if o.Status.IsActive() {
				total += o.TotalAmount
			}
		}
		if !seen && orderID != "" {
			total += newOrderTotal
		}

		if t.BillTotal == total {
			return errUnchanged
		}
		t.BillTotal = total
		t.UpdatedAt = s.now()
		return nil
	})
}

// SyncStatus derives the table status from its active orders. It never opens
// or closes a table; a table with no active orders keeps its status until closed.
func (s *TableService) SyncStatus(ctx context.Context, tableID string) (*domain.Table, error) {
	return s.update(ctx, tableID, func(t *domain.Table) error {
		if t.IsVacant() {
			return errUnchanged
		}
		orders, err := s.orders.ListOrdersByTable(ctx, tableID)
		if err != nil {
			return wrapStore("list table orders", err)
		}
		status := domain.DeriveTableStatus(orders)
		if status == domain.TableStatusVacant || status == t.Status {
			return errUnchanged
		}
		t.Status = status
		t.UpdatedAt = s.now()
		return nil
	})
}

// CloseTable ends the seating once every order is completed or cancelled.
// Closing a vacant table is a no-op.
func (s *TableService) CloseTable(ctx context.Context, tableID string) (*domain.Table, error) {
	closed := false
	t, err := s.update(ctx, tableID, func(t *domain.Table) error {
		if t.IsVacant() {
			return errUnchanged
		}
		orders, err := s.orders.ListOrdersByTable(ctx, tableID)
		if err != nil {
			return wrapStore("list table orders", err)
		}
		if active := domain.ActiveOrders(orders); len(active) > 0 {
			return domain.NewInvalidStateError("table", tableID, string(t.Status),
				fmt.Sprintf("%d order(s) still open", len(active)))
		}
		t.Close(s.now())
		closed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if closed {
		s.log.Info("table_closed", "table_id", tableID)
		s.bc.publish(ctx, domain.Event{Type: domain.EventTableClosed, TableID: tableID, Status: string(t.Status), OccurredAt: s.now()})
	}
	return t, nil
}

// Reconcile recomputes everything derived from orders and writes it back
// when the stored table has drifted.
func (s *TableService) Reconcile(ctx context.Context, tableID string) (*domain.Table, error) {
	return s.update(ctx, tableID, func(t *domain.Table) error {
		orders, err := s.orders.ListOrdersByTable(ctx, tableID)
		if err != nil {
			return wrapStore("list table orders", err)
		}
		active := domain.ActiveOrders(orders)
		wantBill := domain.BillTotal(active)
		wantStatus := domain.DeriveTableStatus(active)

		if t.Status == wantStatus && t.BillTotal == wantBill && t.Consistent() {
			return errUnchanged
		}
		s.log.Warn("consistency_warning",
			"table_id", tableID,
			"stored_status", t.Status,
			"derived_status", wantStatus,
			"stored_bill", t.BillTotal,
			"derived_bill", wantBill,
			"active_orders", len(active),
		)

		now := s.now()
		if len(active) == 0 {
			t.Close(now)
			return nil
		}
		if t.OpenedAt == nil {
			opened := active[0].CreatedAt
			t.OpenedAt = &opened
		}
		if t.GuestCount == 0 {
			t.GuestCount = active[0].GuestCount
		}
		t.Status = wantStatus
		t.BillTotal = wantBill
		t.UpdatedAt = now
		return nil
	})
}

// ReconcileAll runs Reconcile over every table and returns how many were checked.
func (s *TableService) ReconcileAll(ctx context.Context) (int, error) {
	tables, err := s.ListTables(ctx, "")
	if err != nil {
		return 0, err
	}
	for _, t := range tables {
		if _, err := s.Reconcile(ctx, t.ID); err != nil {
			return 0, fmt.Errorf("reconcile %s: %w", t.ID, err)
		}
	}
	return len(tables), nil
}

func (s *TableService) WatchTables(ctx context.Context, areaID string, onChange func([]domain.Table)) (*Subscription, error) {
	return watch(ctx, s.log, s.feed, domain.CollectionTables, func(ctx context.Context) ([]domain.Table, error) {
		return s.ListTables(ctx, areaID)
	}, onChange)
}

// update runs a read-modify-write on one table. fn returning errUnchanged skips the write.
func (s *TableService) update(ctx context.Context, tableID string, fn func(t *domain.Table) error) (*domain.Table, error) {
	var out *domain.Table
	err := retryOnConflict(ctx, "table", tableID, func() error {
		t, err := s.GetTable(ctx, tableID)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			if errors.Is(err, errUnchanged) {
				out = t
				return nil
			}
			return err
		}
		if err := s.tables.UpdateTable(ctx, t); err != nil {
			return wrapStore("update table", err)
		}
		out = t
		s.bc.changed(ctx, domain.CollectionTables, tableID)
		return nil
	})
	return out, err
}
