package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/port"
)

type dialect struct {
	migrations string
	numbered   bool // $1, $2 ... placeholders
}

var dialects = map[string]dialect{
	"mysql":    {migrations: "mysql"},
	"pgx":      {migrations: "postgres", numbered: true},
	"postgres": {migrations: "postgres", numbered: true},
}

// rebind rewrites ? placeholders for drivers that number their arguments.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) insertIgnore(table string, cols []string) string {
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders(len(cols)))
	if d.numbered {
		return insert + " ON CONFLICT (id) DO NOTHING"
	}
	return strings.Replace(insert, "INSERT", "INSERT IGNORE", 1)
}

func (d dialect) upsert(table string, cols []string) string {
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders(len(cols)))
	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		if d.numbered {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		} else {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		}
	}
	if d.numbered {
		return insert + " ON CONFLICT (id) DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return insert + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// SQLAdapter is the document store over MySQL or Postgres (pgx stdlib).
// Line items are kept as a JSON column on the order row.
type SQLAdapter struct {
	db      *sql.DB
	dialect dialect
}

func NewSQLAdapter(db *sql.DB, driver string) (*SQLAdapter, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	return &SQLAdapter{db: db, dialect: d}, nil
}

func (s *SQLAdapter) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLAdapter) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLAdapter) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// versioned reports ErrOptimisticLock when a version-checked update matched nothing.
func versioned(result sql.Result, err error, what string) error {
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return port.ErrOptimisticLock
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Tables

var tableColumns = []string{
	"id", "area_id", "area_name", "number", "capacity", "status", "guest_count",
	"opened_at", "bill_total", "version", "created_at", "updated_at",
}

var selectTable = "SELECT " + strings.Join(tableColumns, ", ") + " FROM restaurant_tables"

func scanTable(row scanner) (domain.Table, error) {
	var t domain.Table
	var openedAt sql.NullTime
	err := row.Scan(&t.ID, &t.AreaID, &t.AreaName, &t.Number, &t.Capacity, &t.Status, &t.GuestCount,
		&openedAt, &t.BillTotal, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	t.OpenedAt = timePtr(openedAt)
	return t, err
}

func (s *SQLAdapter) CreateTable(ctx context.Context, table domain.Table) (bool, error) {
	result, err := s.exec(ctx, s.dialect.insertIgnore("restaurant_tables", tableColumns),
		table.ID, table.AreaID, table.AreaName, table.Number, table.Capacity, string(table.Status), table.GuestCount,
		table.OpenedAt, table.BillTotal, table.Version, table.CreatedAt, table.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert table: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (s *SQLAdapter) GetTable(ctx context.Context, id string) (*domain.Table, error) {
	t, err := scanTable(s.queryRow(ctx, selectTable+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query table: %w", err)
	}
	return &t, nil
}

func (s *SQLAdapter) ListTables(ctx context.Context, areaID string) ([]domain.Table, error) {
	query, args := selectTable, []any{}
	if areaID != "" {
		query += " WHERE area_id = ?"
		args = append(args, areaID)
	}
	rows, err := s.query(ctx, query+" ORDER BY number, id", args...)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []domain.Table
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (s *SQLAdapter) UpdateTable(ctx context.Context, table *domain.Table) error {
	result, err := s.exec(ctx, `
		UPDATE restaurant_tables
		SET area_id = ?, area_name = ?, number = ?, capacity = ?, status = ?, guest_count = ?,
			opened_at = ?, bill_total = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		table.AreaID, table.AreaName, table.Number, table.Capacity, string(table.Status), table.GuestCount,
		table.OpenedAt, table.BillTotal, table.UpdatedAt, table.ID, table.Version,
	)
	if err := versioned(result, err, "table"); err != nil {
		return err
	}
	table.Version++
	return nil
}

// Orders

var orderColumns = []string{
	"id", "table_id", "table_number", "guest_count", "items", "status", "total_amount", "version",
	"created_at", "updated_at", "confirmed_at", "served_at", "completed_at", "cancelled_at",
}

var selectOrder = "SELECT " + strings.Join(orderColumns, ", ") + " FROM orders"

func encodeItems(items []domain.OrderLineItem) (string, error) {
	if items == nil {
		items = []domain.OrderLineItem{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode items: %w", err)
	}
	return string(b), nil
}

func scanOrder(row scanner) (domain.Order, error) {
	var o domain.Order
	var items []byte
	var confirmed, served, completed, cancelled sql.NullTime
	err := row.Scan(&o.ID, &o.TableID, &o.TableNumber, &o.GuestCount, &items, &o.Status, &o.TotalAmount, &o.Version,
		&o.CreatedAt, &o.UpdatedAt, &confirmed, &served, &completed, &cancelled)
	if err != nil {
		return o, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return o, fmt.Errorf("decode items of order %s: %w", o.ID, err)
	}
	o.ConfirmedAt = timePtr(confirmed)
	o.ServedAt = timePtr(served)
	o.CompletedAt = timePtr(completed)
	o.CancelledAt = timePtr(cancelled)
	return o, nil
}

func (s *SQLAdapter) scanOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *SQLAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	items, err := encodeItems(order.Items)
	if err != nil {
		return err
	}
	insert := fmt.Sprintf("INSERT INTO orders (%s) VALUES (%s)", strings.Join(orderColumns, ", "), placeholders(len(orderColumns)))
	_, err = s.exec(ctx, insert,
		order.ID, order.TableID, order.TableNumber, order.GuestCount, items, string(order.Status), order.TotalAmount, order.Version,
		order.CreatedAt, order.UpdatedAt, order.ConfirmedAt, order.ServedAt, order.CompletedAt, order.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *SQLAdapter) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, err := scanOrder(s.queryRow(ctx, selectOrder+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

func (s *SQLAdapter) UpdateOrder(ctx context.Context, order *domain.Order) error {
	items, err := encodeItems(order.Items)
	if err != nil {
		return err
	}
	result, err := s.exec(ctx, `
		UPDATE orders
		SET guest_count = ?, items = ?, status = ?, total_amount = ?, version = version + 1, updated_at = ?,
			confirmed_at = ?, served_at = ?, completed_at = ?, cancelled_at = ?
		WHERE id = ? AND version = ?`,
		order.GuestCount, items, string(order.Status), order.TotalAmount, order.UpdatedAt,
		order.ConfirmedAt, order.ServedAt, order.CompletedAt, order.CancelledAt,
		order.ID, order.Version,
	)
	if err := versioned(result, err, "order"); err != nil {
		return err
	}
	order.Version++
	return nil
}

func (s *SQLAdapter) ListOrdersByTable(ctx context.Context, tableID string) ([]domain.Order, error) {
	return s.scanOrders(ctx, selectOrder+" WHERE table_id = ? ORDER BY created_at, id", tableID)
}

func (s *SQLAdapter) ListOrdersByStatus(ctx context.Context, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	query := fmt.Sprintf("%s WHERE status IN (%s) ORDER BY created_at DESC, id", selectOrder, placeholders(len(statuses)))
	return s.scanOrders(ctx, query, args...)
}

func (s *SQLAdapter) ListCompletedOrders(ctx context.Context, from, to time.Time) ([]domain.Order, error) {
	return s.scanOrders(ctx,
		selectOrder+" WHERE status = ? AND completed_at >= ? AND completed_at <= ? ORDER BY completed_at DESC",
		string(domain.OrderStatusCompleted), from, to,
	)
}

// Menu

var menuColumns = []string{"id", "name", "description", "price", "category", "image_url", "available"}

var categoryColumns = []string{"id", "name", "icon", "sort_order"}

func scanMenuItem(row scanner) (domain.MenuItem, error) {
	var m domain.MenuItem
	err := row.Scan(&m.ID, &m.Name, &m.Description, &m.Price, &m.Category, &m.ImageURL, &m.Available)
	return m, err
}

func (s *SQLAdapter) GetMenuItem(ctx context.Context, id string) (*domain.MenuItem, error) {
	m, err := scanMenuItem(s.queryRow(ctx, "SELECT "+strings.Join(menuColumns, ", ")+" FROM menu_items WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query menu item: %w", err)
	}
	return &m, nil
}

func (s *SQLAdapter) ListMenuItems(ctx context.Context, category string) ([]domain.MenuItem, error) {
	query, args := "SELECT "+strings.Join(menuColumns, ", ")+" FROM menu_items", []any{}
	if category != "" {
		query += " WHERE category = ?"
		args = append(args, category)
	}
	rows, err := s.query(ctx, query+" ORDER BY category, name", args...)
	if err != nil {
		return nil, fmt.Errorf("query menu items: %w", err)
	}
	defer rows.Close()

	var items []domain.MenuItem
	for rows.Next() {
		m, err := scanMenuItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan menu item: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *SQLAdapter) UpsertMenuItem(ctx context.Context, item domain.MenuItem) error {
	_, err := s.exec(ctx, s.dialect.upsert("menu_items", menuColumns),
		item.ID, item.Name, item.Description, item.Price, item.Category, item.ImageURL, item.Available,
	)
	if err != nil {
		return fmt.Errorf("upsert menu item: %w", err)
	}
	return nil
}

func (s *SQLAdapter) RemoveMenuItem(ctx context.Context, id string) (bool, error) {
	result, err := s.exec(ctx, "DELETE FROM menu_items WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete menu item: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *SQLAdapter) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.query(ctx, "SELECT "+strings.Join(categoryColumns, ", ")+" FROM categories ORDER BY sort_order, id")
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	var categories []domain.Category
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Icon, &c.SortOrder); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (s *SQLAdapter) UpsertCategory(ctx context.Context, category domain.Category) error {
	_, err := s.exec(ctx, s.dialect.upsert("categories", categoryColumns),
		category.ID, category.Name, category.Icon, category.SortOrder,
	)
	if err != nil {
		return fmt.Errorf("upsert category: %w", err)
	}
	return nil
}

func (s *SQLAdapter) RemoveCategory(ctx context.Context, id string) (bool, error) {
	result, err := s.exec(ctx, "DELETE FROM categories WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete category: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// Payments

var paymentColumns = []string{
	"id", "ref_kind", "ref_id", "table_id", "order_code", "payment_link_id", "checkout_url", "qr_code",
	"amount", "status", "method", "version", "created_at", "updated_at", "paid_at",
}

var selectPayment = "SELECT " + strings.Join(paymentColumns, ", ") + " FROM payments"

func scanPayment(row scanner) (domain.Payment, error) {
	var p domain.Payment
	var paidAt sql.NullTime
	err := row.Scan(&p.ID, &p.Ref.Kind, &p.Ref.ID, &p.TableID, &p.OrderCode, &p.PaymentLinkID, &p.CheckoutURL, &p.QRCode,
		&p.Amount, &p.Status, &p.Method, &p.Version, &p.CreatedAt, &p.UpdatedAt, &paidAt)
	p.PaidAt = timePtr(paidAt)
	return p, err
}

func (s *SQLAdapter) getPayment(ctx context.Context, where string, arg any) (*domain.Payment, error) {
	p, err := scanPayment(s.queryRow(ctx, selectPayment+" WHERE "+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query payment: %w", err)
	}
	return &p, nil
}

func (s *SQLAdapter) CreatePayment(ctx context.Context, payment domain.Payment) error {
	insert := fmt.Sprintf("INSERT INTO payments (%s) VALUES (%s)", strings.Join(paymentColumns, ", "), placeholders(len(paymentColumns)))
	_, err := s.exec(ctx, insert,
		payment.ID, string(payment.Ref.Kind), payment.Ref.ID, payment.TableID, payment.OrderCode, payment.PaymentLinkID,
		payment.CheckoutURL, payment.QRCode, payment.Amount, string(payment.Status), payment.Method, payment.Version,
		payment.CreatedAt, payment.UpdatedAt, payment.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *SQLAdapter) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return s.getPayment(ctx, "id = ?", id)
}

func (s *SQLAdapter) GetPaymentByLinkID(ctx context.Context, linkID string) (*domain.Payment, error) {
	if linkID == "" {
		return nil, nil
	}
	return s.getPayment(ctx, "payment_link_id = ?", linkID)
}

func (s *SQLAdapter) GetPaymentByOrderCode(ctx context.Context, orderCode int64) (*domain.Payment, error) {
	return s.getPayment(ctx, "order_code = ?", orderCode)
}

func (s *SQLAdapter) ListPaymentsByRef(ctx context.Context, ref domain.PaymentRef) ([]domain.Payment, error) {
	rows, err := s.query(ctx, selectPayment+" WHERE ref_kind = ? AND ref_id = ? ORDER BY created_at, id", string(ref.Kind), ref.ID)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *SQLAdapter) UpdatePayment(ctx context.Context, payment *domain.Payment) error {
	result, err := s.exec(ctx, `
		UPDATE payments
		SET payment_link_id = ?, checkout_url = ?, qr_code = ?, amount = ?, status = ?, method = ?,
			version = version + 1, updated_at = ?, paid_at = ?
		WHERE id = ? AND version = ?`,
		payment.PaymentLinkID, payment.CheckoutURL, payment.QRCode, payment.Amount, string(payment.Status), payment.Method,
		payment.UpdatedAt, payment.PaidAt, payment.ID, payment.Version,
	)
	if err := versioned(result, err, "payment"); err != nil {
		return err
	}
	payment.Version++
	return nil
}

var _ port.DocumentStore = (*SQLAdapter)(nil)
