package port

import (
	"context"
	"errors"
	"time"

	"github.com/rl1809/smart-order/internal/core/domain"
)

// ErrOptimisticLock is returned by Update* when the stored version moved on.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

// Get* methods return nil, nil when the document does not exist.

type TableRepository interface {
	// CreateTable inserts a table, returning false if the id is already taken
	CreateTable(ctx context.Context, table domain.Table) (bool, error)

	// GetTable retrieves a table by ID
	GetTable(ctx context.Context, id string) (*domain.Table, error)

	// ListTables returns tables ordered by number; empty areaID means all areas
	ListTables(ctx context.Context, areaID string) ([]domain.Table, error)

	// UpdateTable writes the table with a version check and bumps table.Version
	UpdateTable(ctx context.Context, table *domain.Table) error
}

type OrderRepository interface {
	// CreateOrder persists a new order
	CreateOrder(ctx context.Context, order domain.Order) error

	// GetOrder retrieves an order by ID
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// UpdateOrder writes the order with a version check and bumps order.Version
	UpdateOrder(ctx context.Context, order *domain.Order) error

	// ListOrdersByTable returns every order placed against a table, oldest first
	ListOrdersByTable(ctx context.Context, tableID string) ([]domain.Order, error)

	// ListOrdersByStatus returns orders in any of the given statuses, newest first
	ListOrdersByStatus(ctx context.Context, statuses ...domain.OrderStatus) ([]domain.Order, error)

	// ListCompletedOrders returns orders completed within [from, to], newest first
	ListCompletedOrders(ctx context.Context, from, to time.Time) ([]domain.Order, error)
}

type MenuRepository interface {
	// GetMenuItem retrieves a menu item by ID
	GetMenuItem(ctx context.Context, id string) (*domain.MenuItem, error)

	// ListMenuItems returns menu items; empty category means all
	ListMenuItems(ctx context.Context, category string) ([]domain.MenuItem, error)

	// UpsertMenuItem creates or replaces a menu item
	UpsertMenuItem(ctx context.Context, item domain.MenuItem) error

	// RemoveMenuItem deletes a menu item, reporting whether it existed
	RemoveMenuItem(ctx context.Context, id string) (bool, error)

	// ListCategories returns categories ordered by sort order
	ListCategories(ctx context.Context) ([]domain.Category, error)

	// UpsertCategory creates or replaces a category
	UpsertCategory(ctx context.Context, category domain.Category) error

	// RemoveCategory deletes a category, reporting whether it existed
	RemoveCategory(ctx context.Context, id string) (bool, error)
}

type PaymentRepository interface {
	// CreatePayment persists a new payment
	CreatePayment(ctx context.Context, payment domain.Payment) error

	// GetPayment retrieves a payment by ID
	GetPayment(ctx context.Context, id string) (*domain.Payment, error)

	// GetPaymentByLinkID retrieves a payment by the gateway's payment link ID
	GetPaymentByLinkID(ctx context.Context, linkID string) (*domain.Payment, error)

	// GetPaymentByOrderCode retrieves a payment by its numeric gateway order code
	GetPaymentByOrderCode(ctx context.Context, orderCode int64) (*domain.Payment, error)

	// ListPaymentsByRef returns the payments for a settling unit, oldest first
	ListPaymentsByRef(ctx context.Context, ref domain.PaymentRef) ([]domain.Payment, error)

	// UpdatePayment writes the payment with a version check and bumps payment.Version
	UpdatePayment(ctx context.Context, payment *domain.Payment) error
}

// DocumentStore bundles the collections the engines read and write.
type DocumentStore interface {
	TableRepository
	OrderRepository
	MenuRepository
	PaymentRepository
}
