package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/port"
)

// OrderService is the only writer of order items and status.
type OrderService struct {
	orders port.OrderRepository
	tables *TableService
	menu   *MenuService
	feed   port.ChangeFeed
	bc     broadcaster
	log    *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewOrderService(orders port.OrderRepository, tables *TableService, menu *MenuService, feed port.ChangeFeed, events port.EventPublisher, log *slog.Logger) *OrderService {
	return &OrderService{
		orders: orders,
		tables: tables,
		menu:   menu,
		feed:   feed,
		bc:     broadcaster{feed: feed, events: events, log: log},
		log:    log,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// CreateOrder opens the table if it is vacant, otherwise adds another order to the seating.
func (s *OrderService) CreateOrder(ctx context.Context, tableID string, guestCount int) (*domain.Order, error) {
	if strings.TrimSpace(tableID) == "" {
		return nil, domain.NewValidationError("order", "", "table id is required")
	}
	if guestCount < 0 {
		return nil, domain.NewValidationError("order", "", "guest count must not be negative")
	}

	table, err := s.tables.GetTable(ctx, tableID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewValidationError("order", "", "unknown table "+tableID)
	}
	if err != nil {
		return nil, err
	}

	if table.IsVacant() {
		table, err = s.tables.openTable(ctx, tableID, guestCount)
		if errors.Is(err, domain.ErrInvalidState) {
			// another client opened it first
			table, err = s.tables.GetTable(ctx, tableID)
		}
		if err != nil {
			return nil, err
		}
	}

	order := domain.NewOrder(s.newID(), *table, guestCount, s.now())
	if err := s.orders.CreateOrder(ctx, order); err != nil {
		return nil, wrapStore("create order", err)
	}

	s.syncTable(ctx, order)
	s.log.Info("order_created", "order_id", order.ID, "table_id", tableID, "guest_count", guestCount)
	s.bc.changed(ctx, domain.CollectionOrders, order.ID)
	s.bc.publish(ctx, domain.Event{Type: domain.EventOrderCreated, TableID: tableID, OrderID: order.ID, Status: string(order.Status), OccurredAt: order.CreatedAt})
	return &order, nil
}

func (s *OrderService) AddItem(ctx context.Context, orderID, menuItemID string, quantity int, note string) (*domain.Order, error) {
	if quantity <= 0 {
		return nil, domain.NewValidationError("order", orderID, "quantity must be positive")
	}
	item, err := s.menu.GetMenuItem(ctx, menuItemID)
	if err != nil {
		return nil, err
	}
	if !item.Available {
		return nil, domain.NewValidationError("menu_item", item.ID, "item is not available")
	}

	order, err := s.mutate(ctx, orderID, func(o *domain.Order) error {
		return o.AddItem(*item, quantity, note)
	})
	if err != nil {
		return nil, err
	}
	s.itemsChanged(ctx, order)
	return order, nil
}

// UpdateItemQuantity sets a line's quantity; zero or less removes the line.
func (s *OrderService) UpdateItemQuantity(ctx context.Context, orderID, menuItemID string, quantity int) (*domain.Order, error) {
	order, err := s.mutate(ctx, orderID, func(o *domain.Order) error {
		return o.SetItemQuantity(menuItemID, quantity)
	})
	if err != nil {
		return nil, err
	}
	s.itemsChanged(ctx, order)
	return order, nil
}

func (s *OrderService) RemoveItem(ctx context.Context, orderID, menuItemID string) (*domain.Order, error) {
	return s.UpdateItemQuantity(ctx, orderID, menuItemID, 0)
}

func (s *OrderService) SetItemServedStatus(ctx context.Context, orderID, menuItemID string, status domain.LineItemStatus) (*domain.Order, error) {
	order, err := s.mutate(ctx, orderID, func(o *domain.Order) error {
		return o.SetItemStatus(menuItemID, status)
	})
	if err != nil {
		return nil, err
	}
	s.bc.changed(ctx, domain.CollectionOrders, order.ID)
	return order, nil
}

// AdvanceStatus moves an order one step. Completing the last active order closes the table.
func (s *OrderService) AdvanceStatus(ctx context.Context, orderID string, target domain.OrderStatus) (*domain.Order, error) {
	if target == domain.OrderStatusCancelled {
		return s.CancelOrder(ctx, orderID)
	}
	order, err := s.mutate(ctx, orderID, func(o *domain.Order) error {
		return o.Advance(target, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.statusChanged(ctx, order)
	return order, nil
}

func (s *OrderService) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.mutate(ctx, orderID, func(o *domain.Order) error {
		return o.Cancel(s.now())
	})
	if err != nil {
		return nil, err
	}
	s.statusChanged(ctx, order)
	return order, nil
}

// SettleOrder completes an order from any active status. Already completed is a no-op.
func (s *OrderService) SettleOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	settled := false
	order, err := s.mutate(ctx, orderID, func(o *domain.Order) error {
		if o.Status == domain.OrderStatusCompleted {
			return errUnchanged
		}
		settled = true
		return o.Settle(s.now())
	})
	if err != nil {
		return nil, err
	}
	if settled {
		s.statusChanged(ctx, order)
	}
	return order, nil
}

// SettleTableOrders completes every active order of a table and closes it.
func (s *OrderService) SettleTableOrders(ctx context.Context, tableID string) ([]domain.Order, error) {
	orders, err := s.ListTableOrders(ctx, tableID)
	if err != nil {
		return nil, err
	}

	var settled []domain.Order
	now := s.now()
	for _, o := range domain.ActiveOrders(orders) {
		order, err := s.mutate(ctx, o.ID, func(o *domain.Order) error {
			if !o.Status.IsActive() {
				return errUnchanged
			}
			return o.Settle(now)
		})
		if err != nil {
			return settled, err
		}
		if order.Status == domain.OrderStatusCompleted {
			settled = append(settled, *order)
			s.publishStatus(ctx, order)
		}
	}

	if _, err := s.tables.OnOrderTotalChanged(ctx, tableID, "", 0); err != nil {
		return settled, err
	}
	if _, err := s.tables.CloseTable(ctx, tableID); err != nil {
		return settled, err
	}
	return settled, nil
}

func (s *OrderService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, err := s.orders.GetOrder(ctx, id)
	if err != nil {
		return nil, wrapStore("get order", err)
	}
	if o == nil {
		return nil, domain.NewNotFoundError("order", id)
	}
	return o, nil
}

func (s *OrderService) ListTableOrders(ctx context.Context, tableID string) ([]domain.Order, error) {
	orders, err := s.orders.ListOrdersByTable(ctx, tableID)
	if err != nil {
		return nil, wrapStore("list table orders", err)
	}
	return orders, nil
}

// ActiveOrderForTable returns the newest order still open on a table.
func (s *OrderService) ActiveOrderForTable(ctx context.Context, tableID string) (*domain.Order, error) {
	orders, err := s.ListTableOrders(ctx, tableID)
	if err != nil {
		return nil, err
	}
	active := domain.ActiveOrders(orders)
	if len(active) == 0 {
		return nil, domain.NewNotFoundError("active_order", tableID)
	}
	return &active[len(active)-1], nil
}

// ListActiveOrders feeds the kitchen view, newest first.
func (s *OrderService) ListActiveOrders(ctx context.Context) ([]domain.Order, error) {
	return s.ListOrders(ctx, domain.OrderStatusPending, domain.OrderStatusPreparing, domain.OrderStatusServed)
}

func (s *OrderService) ListOrders(ctx context.Context, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	for _, st := range statuses {
		if !st.Valid() {
			return nil, domain.NewValidationError("order", "", "unknown status "+string(st))
		}
	}
	orders, err := s.orders.ListOrdersByStatus(ctx, statuses...)
	if err != nil {
		return nil, wrapStore("list orders", err)
	}
	return orders, nil
}

func (s *OrderService) WatchOrder(ctx context.Context, orderID string, onChange func(*domain.Order)) (*Subscription, error) {
	return watch(ctx, s.log, s.feed, domain.CollectionOrders, func(ctx context.Context) (*domain.Order, error) {
		return s.GetOrder(ctx, orderID)
	}, onChange)
}

func (s *OrderService) WatchTableOrders(ctx context.Context, tableID string, onChange func([]domain.Order)) (*Subscription, error) {
	return watch(ctx, s.log, s.feed, domain.CollectionOrders, func(ctx context.Context) ([]domain.Order, error) {
		return s.ListTableOrders(ctx, tableID)
	}, onChange)
}

func (s *OrderService) WatchActiveOrders(ctx context.Context, onChange func([]domain.Order)) (*Subscription, error) {
	return watch(ctx, s.log, s.feed, domain.CollectionOrders, s.ListActiveOrders, onChange)
}

// mutate runs a read-modify-write on one order. fn returning errUnchanged skips the write.
func (s *OrderService) mutate(ctx context.Context, orderID string, fn func(o *domain.Order) error) (*domain.Order, error) {
	var out *domain.Order
	err := retryOnConflict(ctx, "order", orderID, func() error {
		o, err := s.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := fn(o); err != nil {
			if errors.Is(err, errUnchanged) {
				out = o
				return nil
			}
			return err
		}
		o.UpdatedAt = s.now()
		if err := s.orders.UpdateOrder(ctx, o); err != nil {
			return wrapStore("update order", err)
		}
		out = o
		s.bc.changed(ctx, domain.CollectionOrders, o.ID)
		return nil
	})
	return out, err
}

// itemsChanged pushes the new order total to the table. The order write has
// already succeeded, so a failure here is only logged; Reconcile repairs it.
func (s *OrderService) itemsChanged(ctx context.Context, order *domain.Order) {
	if _, err := s.tables.OnOrderTotalChanged(ctx, order.TableID, order.ID, order.TotalAmount); err != nil {
		s.log.Warn("consistency_warning", "table_id", order.TableID, "order_id", order.ID, "step", "bill_total", "err", err)
	}
	s.bc.publish(ctx, domain.Event{Type: domain.EventOrderItemsChanged, TableID: order.TableID, OrderID: order.ID, Amount: order.TotalAmount, OccurredAt: s.now()})
}

func (s *OrderService) statusChanged(ctx context.Context, order *domain.Order) {
	if order.Status.IsTerminal() {
		s.releaseFromTable(ctx, order)
	} else {
		s.syncTable(ctx, *order)
	}
	s.log.Info("order_status_changed", "order_id", order.ID, "table_id", order.TableID, "status", order.Status)
	s.publishStatus(ctx, order)
}

func (s *OrderService) publishStatus(ctx context.Context, order *domain.Order) {
	s.bc.publish(ctx, domain.Event{
		Type:       domain.EventOrderStatusChanged,
		TableID:    order.TableID,
		OrderID:    order.ID,
		Status:     string(order.Status),
		Amount:     order.TotalAmount,
		OccurredAt: s.now(),
	})
}

func (s *OrderService) syncTable(ctx context.Context, order domain.Order) {
	if _, err := s.tables.SyncStatus(ctx, order.TableID); err != nil {
		s.log.Warn("consistency_warning", "table_id", order.TableID, "order_id", order.ID, "step", "table_status", "err", err)
	}
}

// releaseFromTable drops a finished order from the bill and closes the table
// when nothing else is open on it.
func (s *OrderService) releaseFromTable(ctx context.Context, order *domain.Order) {
	if _, err := s.tables.OnOrderTotalChanged(ctx, order.TableID, order.ID, 0); err != nil {
		s.log.Warn("consistency_warning", "table_id", order.TableID, "order_id", order.ID, "step", "bill_total", "err", err)
		return
	}
	_, err := s.tables.CloseTable(ctx, order.TableID)
	if errors.Is(err, domain.ErrInvalidState) {
		_, err = s.tables.SyncStatus(ctx, order.TableID)
	}
	if err != nil {
		s.log.Warn("consistency_warning", "table_id", order.TableID, "order_id", order.ID, "step", "close_table", "err", err)
	}
}
