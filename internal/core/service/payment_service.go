package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/port"
)

const webhookSuccessCode = "00"

type PaymentService struct {
	payments port.PaymentRepository
	orders   *OrderService
	tables   *TableService
	gateway  port.PaymentGateway
	cache    port.CacheRepository
	feed     port.ChangeFeed
	bc       broadcaster
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

func NewPaymentService(
	payments port.PaymentRepository,
	orders *OrderService,
	tables *TableService,
	gateway port.PaymentGateway,
	cache port.CacheRepository,
	feed port.ChangeFeed,
	events port.EventPublisher,
	log *slog.Logger,
) *PaymentService {
	return &PaymentService{
		payments: payments,
		orders:   orders,
		tables:   tables,
		gateway:  gateway,
		cache:    cache,
		feed:     feed,
		bc:       broadcaster{feed: feed, events: events, log: log},
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// settlingUnit is what a payment reference resolves to at request time.
type settlingUnit struct {
	tableID     string
	tableNumber int
	outstanding int64
	items       []port.PaymentLinkItem
}

func (s *PaymentService) resolve(ctx context.Context, ref domain.PaymentRef) (*settlingUnit, error) {
	switch ref.Kind {
	case domain.PaymentRefOrder:
		o, err := s.orders.GetOrder(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		if !o.Status.IsActive() {
			return nil, domain.NewInvalidStateError("order", o.ID, string(o.Status), "order is already closed")
		}
		return &settlingUnit{
			tableID:     o.TableID,
			tableNumber: o.TableNumber,
			outstanding: o.TotalAmount,
			items:       linkItems([]domain.Order{*o}),
		}, nil

	case domain.PaymentRefTable:
		t, err := s.tables.GetTable(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		if t.IsVacant() {
			return nil, domain.NewInvalidStateError("table", t.ID, string(t.Status), "table has no open bill")
		}
		orders, err := s.orders.ListTableOrders(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		active := domain.ActiveOrders(orders)
		return &settlingUnit{
			tableID:     t.ID,
			tableNumber: t.Number,
			outstanding: domain.BillTotal(active),
			items:       linkItems(active),
		}, nil
	}
	return nil, domain.NewValidationError("payment_ref", ref.ID, "unknown reference kind "+string(ref.Kind))
}

func linkItems(orders []domain.Order) []port.PaymentLinkItem {
	var items []port.PaymentLinkItem
	for _, o := range orders {
		for _, line := range o.Items {
			items = append(items, port.PaymentLinkItem{Name: line.Name, Quantity: line.Quantity, Price: line.UnitPrice})
		}
	}
	return items
}

// RequestPayment creates a gateway checkout for the exact outstanding amount
// and supersedes any earlier pending request for the same reference.
func (s *PaymentService) RequestPayment(ctx context.Context, ref domain.PaymentRef, amount int64) (*domain.Payment, error) {
	if amount <= 0 {
		return nil, domain.NewValidationError("payment", ref.String(), "amount must be positive")
	}
	unit, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if amount != unit.outstanding {
		return nil, domain.NewValidationError("payment", ref.String(),
			fmt.Sprintf("amount %d does not match outstanding total %d", amount, unit.outstanding))
	}

	code, err := s.cache.NextOrderCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("next order code: %w", err)
	}

	link, err := s.gateway.CreatePaymentLink(ctx, port.PaymentLinkRequest{
		OrderCode:   code,
		Amount:      amount,
		Description: fmt.Sprintf("Thanh toan ban %d", unit.tableNumber),
		Items:       unit.items,
	})
	if err != nil {
		return nil, asGatewayError("create payment link", err)
	}
	if link.OrderCode != 0 {
		code = link.OrderCode
	}

	now := s.now()
	p := domain.Payment{
		ID:            s.newID(),
		Ref:           ref,
		TableID:       unit.tableID,
		OrderCode:     code,
		PaymentLinkID: link.PaymentLinkID,
		CheckoutURL:   link.CheckoutURL,
		QRCode:        link.QRCode,
		Amount:        amount,
		Status:        domain.PaymentStatusPending,
		Method:        domain.PaymentMethodGateway,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.payments.CreatePayment(ctx, p); err != nil {
		return nil, wrapStore("create payment", err)
	}

	// Older checkouts are retired only once the new one is stored, so a
	// gateway failure above leaves the previous checkout usable.
	if err := s.supersede(ctx, ref, p.ID, "superseded by a new payment request"); err != nil {
		s.log.Warn("payment_supersede_failed", "payment_id", p.ID, "ref", ref.String(), "err", err)
	}

	s.log.Info("payment_requested", "payment_id", p.ID, "ref", ref.String(), "order_code", code, "amount", amount)
	s.bc.changed(ctx, domain.CollectionPayments, p.ID)
	s.bc.publish(ctx, domain.Event{Type: domain.EventPaymentRequested, TableID: unit.tableID, PaymentID: p.ID, Amount: amount, Status: string(p.Status), OccurredAt: now})
	return &p, nil
}

// PollStatus asks the gateway for the current state and applies it.
func (s *PaymentService) PollStatus(ctx context.Context, paymentLinkID string) (domain.PaymentStatus, error) {
	p, err := s.getByLinkID(ctx, paymentLinkID)
	if err != nil {
		return "", err
	}
	if p.Status.IsFinal() {
		return p.Status, nil
	}

	link, err := s.gateway.GetPaymentLink(ctx, paymentLinkID)
	if err != nil {
		return "", asGatewayError("get payment link", err)
	}
	status := domain.PaymentStatusFromGateway(link.Status)

	switch status {
	case domain.PaymentStatusPaid:
		paid, err := s.OnPaymentConfirmed(ctx, p.ID)
		if err != nil {
			return "", err
		}
		return paid.Status, nil
	case domain.PaymentStatusCancelled, domain.PaymentStatusFailed:
		if _, err := s.resolvePayment(ctx, p.ID, status); err != nil {
			return "", err
		}
	}
	return status, nil
}

// OnPaymentConfirmed settles the payment's orders and marks it PAID.
// Confirming a PAID payment again is a no-op. A confirmation racing one that
// is still running gets a Conflict error and may retry.
func (s *PaymentService) OnPaymentConfirmed(ctx context.Context, paymentID string) (*domain.Payment, error) {
	p, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status == domain.PaymentStatusPaid {
		return p, nil
	}
	if p.Status != domain.PaymentStatusPending {
		return nil, domain.NewInvalidStateError("payment", p.ID, string(p.Status), "only a pending payment can be confirmed")
	}

	lockKey := "payment:confirm:" + p.ID
	ok, err := s.cache.SetIdempotency(ctx, lockKey)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		s.log.Info("payment_confirmation_duplicate", "payment_id", p.ID)
		cur, err := s.GetPayment(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status == domain.PaymentStatusPaid {
			return cur, nil
		}
		return nil, &domain.Error{Kind: domain.KindConflict, Entity: "payment", ID: p.ID, State: string(cur.Status), Msg: "confirmation already in progress"}
	}

	paid, err := s.confirm(ctx, p)
	if err != nil {
		if relErr := s.cache.ReleaseIdempotency(ctx, lockKey); relErr != nil {
			s.log.Error("idempotency_release_failed", "payment_id", p.ID, "err", relErr)
		}
		return nil, err
	}
	return paid, nil
}

// confirm settles first and records PAID last, so an interrupted confirmation
// leaves the payment PENDING and can simply be retried. Nothing is settled when
// the bill no longer matches the paid amount.
func (s *PaymentService) confirm(ctx context.Context, p *domain.Payment) (*domain.Payment, error) {
	covered, err := s.coveredAmount(ctx, p)
	if err != nil {
		return nil, err
	}
	if covered != p.Amount {
		s.log.Warn("consistency_warning", "payment_id", p.ID, "ref", p.Ref.String(), "paid_amount", p.Amount, "bill_total", covered)
		return nil, domain.NewInvalidStateError("payment", p.ID, string(p.Status),
			fmt.Sprintf("bill is %d but %d was requested; request a new payment", covered, p.Amount))
	}

	switch p.Ref.Kind {
	case domain.PaymentRefOrder:
		_, err = s.orders.SettleOrder(ctx, p.Ref.ID)
	case domain.PaymentRefTable:
		_, err = s.orders.SettleTableOrders(ctx, p.Ref.ID)
	default:
		err = domain.NewValidationError("payment_ref", p.Ref.ID, "unknown reference kind "+string(p.Ref.Kind))
	}
	if err != nil {
		return nil, fmt.Errorf("settle %s: %w", p.Ref, err)
	}

	paid, err := s.updatePayment(ctx, p.ID, func(p *domain.Payment) error {
		if p.Status == domain.PaymentStatusPaid {
			return errUnchanged
		}
		p.MarkPaid(s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment_confirmed", "payment_id", paid.ID, "ref", paid.Ref.String(), "amount", paid.Amount)
	s.bc.publish(ctx, domain.Event{Type: domain.EventPaymentPaid, TableID: paid.TableID, PaymentID: paid.ID, Amount: paid.Amount, Status: string(paid.Status), OccurredAt: s.now()})
	return paid, nil
}

// coveredAmount totals the orders a payment pays for: those of its ref still
// active plus those completed since the payment was requested.
func (s *PaymentService) coveredAmount(ctx context.Context, p *domain.Payment) (int64, error) {
	var orders []domain.Order
	switch p.Ref.Kind {
	case domain.PaymentRefOrder:
		o, err := s.orders.GetOrder(ctx, p.Ref.ID)
		if err != nil {
			return 0, err
		}
		orders = []domain.Order{*o}
	case domain.PaymentRefTable:
		var err error
		if orders, err = s.orders.ListTableOrders(ctx, p.Ref.ID); err != nil {
			return 0, err
		}
	default:
		return 0, domain.NewValidationError("payment_ref", p.Ref.ID, "unknown reference kind "+string(p.Ref.Kind))
	}

	var total int64
	for _, o := range orders {
		settledSince := o.Status == domain.OrderStatusCompleted && o.CompletedAt != nil && !o.CompletedAt.Before(p.CreatedAt)
		if o.Status.IsActive() || settledSince {
			total += o.TotalAmount
		}
	}
	return total, nil
}

// CashSettle completes every active order of a table without the gateway.
func (s *PaymentService) CashSettle(ctx context.Context, tableID string) (*domain.Table, error) {
	t, err := s.tables.GetTable(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if t.IsVacant() {
		return nil, domain.NewInvalidStateError("table", t.ID, string(t.Status), "table has no open bill")
	}

	orders, err := s.orders.ListTableOrders(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if err := s.supersede(ctx, domain.TableRef(tableID), "", "settled in cash"); err != nil {
		return nil, err
	}
	for _, o := range domain.ActiveOrders(orders) {
		if err := s.supersede(ctx, domain.OrderRef(o.ID), "", "settled in cash"); err != nil {
			return nil, err
		}
	}

	settled, err := s.orders.SettleTableOrders(ctx, tableID)
	if err != nil {
		return nil, err
	}
	s.log.Info("cash_settled", "table_id", tableID, "orders", len(settled), "amount", domain.BillTotal(orders))
	return s.tables.GetTable(ctx, tableID)
}

// CancelPayment voids an unpaid checkout at the gateway and locally.
func (s *PaymentService) CancelPayment(ctx context.Context, paymentLinkID, reason string) (*domain.Payment, error) {
	p, err := s.getByLinkID(ctx, paymentLinkID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case domain.PaymentStatusCancelled:
		return p, nil
	case domain.PaymentStatusPaid, domain.PaymentStatusFailed:
		return nil, domain.NewInvalidStateError("payment", p.ID, string(p.Status), "payment can no longer be cancelled")
	}

	if _, err := s.gateway.CancelPaymentLink(ctx, paymentLinkID, reason); err != nil {
		return nil, asGatewayError("cancel payment link", err)
	}
	return s.resolvePayment(ctx, p.ID, domain.PaymentStatusCancelled)
}

// HandleWebhook applies a signed gateway callback.
func (s *PaymentService) HandleWebhook(ctx context.Context, body []byte) (*domain.Payment, error) {
	data, err := s.gateway.VerifyWebhook(body)
	if err != nil {
		return nil, asGatewayError("verify webhook", err)
	}

	p, err := s.payments.GetPaymentByOrderCode(ctx, data.OrderCode)
	if err != nil {
		return nil, wrapStore("get payment by order code", err)
	}
	if p == nil {
		return nil, domain.NewNotFoundError("payment", fmt.Sprintf("order_code=%d", data.OrderCode))
	}

	if data.Code != webhookSuccessCode {
		s.log.Info("payment_webhook_ignored", "payment_id", p.ID, "code", data.Code)
		return p, nil
	}
	if data.Amount < p.Amount {
		return nil, domain.NewValidationError("payment", p.ID,
			fmt.Sprintf("paid amount %d is less than requested %d", data.Amount, p.Amount))
	}
	return s.OnPaymentConfirmed(ctx, p.ID)
}

func (s *PaymentService) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	p, err := s.payments.GetPayment(ctx, id)
	if err != nil {
		return nil, wrapStore("get payment", err)
	}
	if p == nil {
		return nil, domain.NewNotFoundError("payment", id)
	}
	return p, nil
}

func (s *PaymentService) ListPayments(ctx context.Context, ref domain.PaymentRef) ([]domain.Payment, error) {
	payments, err := s.payments.ListPaymentsByRef(ctx, ref)
	if err != nil {
		return nil, wrapStore("list payments", err)
	}
	return payments, nil
}

func (s *PaymentService) WatchPayment(ctx context.Context, paymentID string, onChange func(*domain.Payment)) (*Subscription, error) {
	return watch(ctx, s.log, s.feed, domain.CollectionPayments, func(ctx context.Context) (*domain.Payment, error) {
		return s.GetPayment(ctx, paymentID)
	}, onChange)
}

func (s *PaymentService) getByLinkID(ctx context.Context, linkID string) (*domain.Payment, error) {
	p, err := s.payments.GetPaymentByLinkID(ctx, linkID)
	if err != nil {
		return nil, wrapStore("get payment by link", err)
	}
	if p == nil {
		return nil, domain.NewNotFoundError("payment", linkID)
	}
	return p, nil
}

// supersede cancels every pending payment for ref except keepID. The gateway
// cancel is best-effort; the local record is what keeps a single authoritative request.
func (s *PaymentService) supersede(ctx context.Context, ref domain.PaymentRef, keepID, reason string) error {
	payments, err := s.ListPayments(ctx, ref)
	if err != nil {
		return err
	}
	for _, p := range payments {
		if p.Status != domain.PaymentStatusPending || p.ID == keepID {
			continue
		}
		if p.PaymentLinkID != "" {
			if _, err := s.gateway.CancelPaymentLink(ctx, p.PaymentLinkID, reason); err != nil {
				s.log.Warn("payment_link_cancel_failed", "payment_id", p.ID, "payment_link_id", p.PaymentLinkID, "err", err)
			}
		}
		if _, err := s.resolvePayment(ctx, p.ID, domain.PaymentStatusCancelled); err != nil {
			return err
		}
		s.log.Info("payment_superseded", "payment_id", p.ID, "ref", ref.String(), "reason", reason)
	}
	return nil
}

func (s *PaymentService) resolvePayment(ctx context.Context, id string, status domain.PaymentStatus) (*domain.Payment, error) {
	return s.updatePayment(ctx, id, func(p *domain.Payment) error {
		if !p.Resolve(status, s.now()) {
			return errUnchanged
		}
		return nil
	})
}

func (s *PaymentService) updatePayment(ctx context.Context, id string, fn func(p *domain.Payment) error) (*domain.Payment, error) {
	var out *domain.Payment
	err := retryOnConflict(ctx, "payment", id, func() error {
		p, err := s.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			if errors.Is(err, errUnchanged) {
				out = p
				return nil
			}
			return err
		}
		if err := s.payments.UpdatePayment(ctx, p); err != nil {
			return wrapStore("update payment", err)
		}
		out = p
		s.bc.changed(ctx, domain.CollectionPayments, p.ID)
		return nil
	})
	return out, err
}

func asGatewayError(op string, err error) error {
	if errors.Is(err, domain.ErrGateway) {
		return err
	}
	return domain.NewGatewayError(op, err)
}
