package domain

import "time"

type EventType string

const (
	EventOrderCreated       EventType = "order.created"
	EventOrderItemsChanged  EventType = "order.items_changed"
	EventOrderStatusChanged EventType = "order.status_changed"
	EventTableOpened        EventType = "table.opened"
	EventTableClosed        EventType = "table.closed"
	EventPaymentRequested   EventType = "payment.requested"
	EventPaymentPaid        EventType = "payment.paid"
)

// Event is a notification for downstream consumers (kitchen screens, staff chat).
// It is never used to rebuild state.
type Event struct {
	Type       EventType `json:"type"`
	TableID    string    `json:"table_id,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	PaymentID  string    `json:"payment_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Key is used for partitioning so a table's events stay ordered.
func (e Event) Key() string {
	if e.TableID != "" {
		return e.TableID
	}
	return e.OrderID
}

// Collections that live subscriptions can watch.
const (
	CollectionTables     = "tables"
	CollectionOrders     = "orders"
	CollectionPayments   = "payments"
	CollectionMenu       = "menu"
	CollectionCategories = "categories"
)
