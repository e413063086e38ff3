package domain

import (
	"strings"
	"time"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPreparing OrderStatus = "PREPARING"
	OrderStatusServed    OrderStatus = "SERVED"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPreparing, OrderStatusServed, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether an order with this status still contributes to its table's bill.
func (s OrderStatus) IsActive() bool {
	return s == OrderStatusPending || s == OrderStatusPreparing || s == OrderStatusServed
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Items may only change while the kitchen has not finished the ticket.
func (s OrderStatus) AcceptsItemChanges() bool {
	return s == OrderStatusPending || s == OrderStatusPreparing
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusPreparing, OrderStatusCancelled},
	OrderStatusPreparing: {OrderStatusServed, OrderStatusCancelled},
	OrderStatusServed:    {OrderStatusCompleted},
}

func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

type LineItemStatus string

const (
	LineItemInProgress LineItemStatus = "IN_PROGRESS"
	LineItemServed     LineItemStatus = "SERVED"
)

func (s LineItemStatus) Valid() bool {
	return s == LineItemInProgress || s == LineItemServed
}

// OrderLineItem snapshots name and price at the time it was added.
type OrderLineItem struct {
	MenuItemID string         `json:"menu_item_id"`
	Name       string         `json:"name"`
	UnitPrice  int64          `json:"unit_price"`
	Quantity   int            `json:"quantity"`
	Note       string         `json:"note,omitempty"`
	Status     LineItemStatus `json:"status"`
}

func (l OrderLineItem) Subtotal() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

type Order struct {
	ID          string          `json:"id"`
	TableID     string          `json:"table_id"`
	TableNumber int             `json:"table_number"`
	GuestCount  int             `json:"guest_count"`
	Items       []OrderLineItem `json:"items"`
	Status      OrderStatus     `json:"status"`
	TotalAmount int64           `json:"total_amount"`
	Version     int             `json:"version"` // optimistic locking
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty"`
	ServedAt    *time.Time      `json:"served_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
}

func NewOrder(id string, table Table, guestCount int, now time.Time) Order {
	return Order{
		ID:          id,
		TableID:     table.ID,
		TableNumber: table.Number,
		GuestCount:  guestCount,
		Items:       []OrderLineItem{},
		Status:      OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func CalculateTotal(items []OrderLineItem) int64 {
	var total int64
	for _, it := range items {
		total += it.Subtotal()
	}
	return total
}

func (o *Order) Recalculate() {
	o.TotalAmount = CalculateTotal(o.Items)
}

func (o *Order) ensureMutable() error {
	if !o.Status.AcceptsItemChanges() {
		return NewInvalidStateError("order", o.ID, string(o.Status), "items can only change while pending or preparing")
	}
	return nil
}

// AddItem merges into the in-progress line for the same menu item, or appends
// a new line with a price snapshot.
func (o *Order) AddItem(item MenuItem, quantity int, note string) error {
	if quantity <= 0 {
		return NewValidationError("order", o.ID, "quantity must be positive")
	}
	if err := o.ensureMutable(); err != nil {
		return err
	}
	note = strings.TrimSpace(note)

	for i := range o.Items {
		line := &o.Items[i]
		if line.MenuItemID == item.ID && line.Status == LineItemInProgress {
			line.Quantity += quantity
			if note != "" {
				line.Note = note
			}
			o.Recalculate()
			return nil
		}
	}

	o.Items = append(o.Items, OrderLineItem{
		MenuItemID: item.ID,
		Name:       item.Name,
		UnitPrice:  item.Price,
		Quantity:   quantity,
		Note:       note,
		Status:     LineItemInProgress,
	})
	o.Recalculate()
	return nil
}

// SetItemQuantity removes the line when quantity <= 0.
func (o *Order) SetItemQuantity(menuItemID string, quantity int) error {
	if err := o.ensureMutable(); err != nil {
		return err
	}
	idx := o.lineIndex(menuItemID)
	if idx < 0 {
		return NewNotFoundError("order_item", menuItemID)
	}

	if quantity <= 0 {
		o.Items = append(o.Items[:idx], o.Items[idx+1:]...)
	} else {
		o.Items[idx].Quantity = quantity
	}
	o.Recalculate()
	return nil
}

func (o *Order) SetItemStatus(menuItemID string, status LineItemStatus) error {
	if !status.Valid() {
		return NewValidationError("order_item", menuItemID, "unknown item status "+string(status))
	}
	if o.Status.IsTerminal() {
		return NewInvalidStateError("order", o.ID, string(o.Status), "order is closed")
	}
	idx := o.lineIndex(menuItemID)
	if idx < 0 {
		return NewNotFoundError("order_item", menuItemID)
	}
	o.Items[idx].Status = status
	return nil
}

// lineIndex prefers the in-progress line for a menu item, then the last one.
func (o *Order) lineIndex(menuItemID string) int {
	last := -1
	for i, line := range o.Items {
		if line.MenuItemID != menuItemID {
			continue
		}
		if line.Status == LineItemInProgress {
			return i
		}
		last = i
	}
	return last
}

// Advance moves the order exactly one step along the status machine.
func (o *Order) Advance(target OrderStatus, now time.Time) error {
	if !target.Valid() {
		return NewValidationError("order", o.ID, "unknown status "+string(target))
	}
	if !o.Status.CanTransitionTo(target) {
		return NewInvalidTransitionError("order", o.ID, string(o.Status), string(target))
	}
	o.setStatus(target, now)
	return nil
}

func (o *Order) Cancel(now time.Time) error {
	if !o.Status.CanTransitionTo(OrderStatusCancelled) {
		return NewInvalidTransitionError("order", o.ID, string(o.Status), string(OrderStatusCancelled))
	}
	o.setStatus(OrderStatusCancelled, now)
	return nil
}

// Settle completes an active order directly, as cash or a confirmed payment does.
func (o *Order) Settle(now time.Time) error {
	if !o.Status.IsActive() {
		return NewInvalidTransitionError("order", o.ID, string(o.Status), string(OrderStatusCompleted))
	}
	o.setStatus(OrderStatusCompleted, now)
	return nil
}

func (o *Order) setStatus(target OrderStatus, now time.Time) {
	t := now
	switch target {
	case OrderStatusPreparing:
		o.ConfirmedAt = &t
	case OrderStatusServed:
		o.ServedAt = &t
	case OrderStatusCompleted:
		o.CompletedAt = &t
	case OrderStatusCancelled:
		o.CancelledAt = &t
	}
	o.Status = target
	o.UpdatedAt = now
}
