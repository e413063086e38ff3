package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/port"
)

func seatWithBill(t *testing.T, env *testEnv) *domain.Order {
	t.Helper()
	ctx := context.Background()
	order, err := env.orders.CreateOrder(ctx, "T1", 4)
	require.NoError(t, err)
	_, err = env.orders.AddItem(ctx, order.ID, "pho-bo", 2, "")
	require.NoError(t, err)
	order, err = env.orders.AddItem(ctx, order.ID, "tra-da", 1, "")
	require.NoError(t, err)
	return order
}

func TestScenarioE_RequestAndConfirmPayment(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	order := seatWithBill(t, env)

	payment, err := env.payments.RequestPayment(ctx, domain.OrderRef(order.ID), 150000)
	require.NoError(t, err)
	assert.NotEmpty(t, payment.CheckoutURL)
	assert.NotEmpty(t, payment.PaymentLinkID)
	assert.Equal(t, domain.PaymentStatusPending, payment.Status)
	assert.Equal(t, "T1", payment.TableID)

	require.Len(t, env.gateway.created, 1)
	req := env.gateway.created[0]
	assert.Equal(t, int64(150000), req.Amount)
	assert.Equal(t, "Thanh toan ban 1", req.Description)
	assert.Len(t, req.Items, 2)

	paid, err := env.payments.OnPaymentConfirmed(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, paid.Status)
	assert.NotNil(t, paid.PaidAt)
	assert.Equal(t, domain.OrderStatusCompleted, env.order(order.ID).Status)

	table := env.table("T1")
	assert.Equal(t, domain.TableStatusVacant, table.Status)
	assert.Zero(t, table.BillTotal)

	orderVersion := env.order(order.ID).Version
	tableVersion := env.table("T1").Version

	again, err := env.payments.OnPaymentConfirmed(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, again.Status)
	assert.Equal(t, orderVersion, env.order(order.ID).Version)
	assert.Equal(t, tableVersion, env.table("T1").Version)
	assert.Equal(t, 1, env.events.count(domain.EventPaymentPaid))
}

func TestOnPaymentConfirmed_ConcurrentDuplicates(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	order := seatWithBill(t, env)
	payment, err := env.payments.RequestPayment(ctx, domain.OrderRef(order.ID), 150000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.payments.OnPaymentConfirmed(ctx, payment.ID)
		}()
	}
	wg.Wait()

	got, err := env.payments.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, got.Status)
	assert.Equal(t, 1, env.events.count(domain.EventPaymentPaid))
	assert.Equal(t, domain.TableStatusVacant, env.table("T1").Status)
}

func TestRequestPayment_AmountMustMatch(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	order := seatWithBill(t, env)

	_, err := env.payments.RequestPayment(ctx, domain.OrderRef(order.ID), 140000)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.payments.RequestPayment(ctx, domain.OrderRef(order.ID), 0)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.payments.RequestPayment(ctx, domain.OrderRef("missing"), 100)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.payments.RequestPayment(ctx, domain.TableRef("T2"), 100)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	assert.Empty(t, env.gateway.created)
}

func TestRequestPayment_GatewayFailure(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	order := seatWithBill(t, env)
	env.gateway.createErr = errors.New("connection refused")

	_, err := env.payments.RequestPayment(ctx, domain.OrderRef(order.ID), 150000)
	assert.ErrorIs(t, err, domain.ErrGateway)

	payments, err := env.payments.ListPayments(ctx, domain.OrderRef(order.ID))
	require.NoError(t, err)
	assert.Empty(t, payments)
	assert.Equal(t, domain.OrderStatusPending, env.order(order.ID).Status)
}

func TestRequestPayment_GatewayFailureKeepsEarlierCheckout(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	order := seatWithBill(t, env)

	first, err := env.payments.RequestPayment(ctx, domain.OrderRef(order.ID), 150000)
	require.NoError(t, err)

	env.gateway.createErr = errors.New("gateway down")
	_, err = env.payments.RequestPayment(ctx, domain.OrderRef(order.ID), 150000)
	assert.ErrorIs(t, err, domain.ErrGateway)

	kept, err := env.payments.GetPayment(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, kept.Status)
	assert.Empty(t, env.gateway.cancelled)

	env.gateway.createErr = nil
	paid, err := env.payments.OnPaymentConfirmed(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, paid.Status)
}

func TestRequestPayment_SupersedesPending(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	order := seatWithBill(t, env)

	first, err := env.payments.RequestPayment(ctx, domain.OrderRef(order.ID), 150000)
	require.NoError(t, err)
	second, err := env.payments.RequestPayment(ctx, domain.OrderRef(order.ID), 150000)
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderCode, second.OrderCode)

	old, err := env.payments.GetPayment(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCancelled, old.Status)
	assert.Contains(t, env.gateway.cancelled, first.PaymentLinkID)

	pending := 0
	payments, err := env.payments.ListPayments(ctx, domain.OrderRef(order.ID))
	require.NoError(t, err)
	for _, p := range payments {
		if p.Status == domain.PaymentStatusPending {
			pending++
		}
	}
	assert.Equal(t, 1, pending)

	_, err = env.payments.OnPaymentConfirmed(ctx, first.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestTablePayment_SettlesEveryActiveOrder(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	first := seatWithBill(t, env)
	second, err := env.orders.CreateOrder(ctx, "T1", 4)
	require.NoError(t, err)
	_, err = env.orders.AddItem(ctx, second.ID, "nem-ran", 1, "")
	require.NoError(t, err)

	payment, err := env.payments.RequestPayment(ctx, domain.TableRef("T1"), 180000)
	require.NoError(t, err)

	_, err = env.payments.OnPaymentConfirmed(ctx, payment.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusCompleted, env.order(first.ID).Status)
	assert.Equal(t, domain.OrderStatusCompleted, env.order(second.ID).Status)
	assert.Equal(t, domain.TableStatusVacant, env.table("T1").Status)
}

func TestOrderPayment_LeavesOtherOrdersOpen(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	first := seatWithBill(t, env)
	second, err := env.orders.CreateOrder(ctx, "T1", 4)
	require.NoError(t, err)
	_, err = env.orders.AddItem(ctx, second.ID, "nem-ran", 1, "")
	require.NoError(t, err)

	payment, err := env.payments.RequestPayment(ctx, domain.OrderRef(first.ID), 150000)
	require.NoError(t, err)
	_, err = env.payments.OnPaymentConfirmed(ctx, payment.ID)
	require.NoError(t, err)

	table := env.table("T1")
	assert.Equal(t, domain.TableStatusOccupied, table.Status)
	assert.Equal(t, int64(30000), table.BillTotal)
}

func TestPollStatus(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	order := seatWithBill(t, env)
	payment, err := env.payments.RequestPayment(ctx, domain.OrderRef(order.ID), 150000)
	require.NoError(t, err)

	status, err := env.payments.PollStatus(ctx, payment.PaymentLinkID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, status)

	env.gateway.setStatus(payment.PaymentLinkID, "PAID")
	status, err = env.payments.PollStatus(ctx, payment.PaymentLinkID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, status)
	assert.Equal(t, domain.TableStatusVacant, env.table("T1").Status)

	_, err = env.payments.PollStatus(ctx, "unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPollStatus_ExpiredBecomesFailed(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	order := seatWithBill(t, env)
	payment, err := env.payments.RequestPayment(ctx, domain.OrderRef(order.ID), 150000)
	require.NoError(t, err)

	env.gateway.setStatus(payment.PaymentLinkID, "EXPIRED")
	status, err := env.payments.PollStatus(ctx, payment.PaymentLinkID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, status)

	stored, err := env.payments.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, stored.Status)
	assert.Equal(t, domain.OrderStatusPending, env.order(order.ID).Status)
}

func TestCashSettle(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	order := seatWithBill(t, env)
	pending, err := env.payments.RequestPayment(ctx, domain.OrderRef(order.ID), 150000)
	require.NoError(t, err)

	table, err := env.payments.CashSettle(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.TableStatusVacant, table.Status)
	assert.Zero(t, table.BillTotal)
	assert.Equal(t, domain.OrderStatusCompleted, env.order(order.ID).Status)

	superseded, err := env.payments.GetPayment(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCancelled, superseded.Status)

	_, err = env.payments.CashSettle(ctx, "T1")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCancelPayment(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	order := seatWithBill(t, env)
	payment, err := env.payments.RequestPayment(ctx, domain.OrderRef(order.ID), 150000)
	require.NoError(t, err)

	got, err := env.payments.CancelPayment(ctx, payment.PaymentLinkID, "guest changed mind")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCancelled, got.Status)

	got, err = env.payments.CancelPayment(ctx, payment.PaymentLinkID, "again")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCancelled, got.Status)
}

func TestHandleWebhook(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	order := seatWithBill(t, env)
	payment, err := env.payments.RequestPayment(ctx, domain.OrderRef(order.ID), 150000)
	require.NoError(t, err)

	_, err = env.payments.HandleWebhook(ctx, []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrGateway)

	env.gateway.webhook = &port.WebhookData{Code: "00", OrderCode: payment.OrderCode, Amount: 150000, PaymentLinkID: payment.PaymentLinkID}
	got, err := env.payments.HandleWebhook(ctx, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, got.Status)
	assert.Equal(t, domain.TableStatusVacant, env.table("T1").Status)

	got, err = env.payments.HandleWebhook(ctx, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, got.Status)

	env.gateway.webhook = &port.WebhookData{Code: "00", OrderCode: 42}
	_, err = env.payments.HandleWebhook(ctx, []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOnPaymentConfirmed_BillChangedSinceRequest(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	order := seatWithBill(t, env)

	payment, err := env.payments.RequestPayment(ctx, domain.TableRef("T1"), 150000)
	require.NoError(t, err)

	extra, err := env.orders.CreateOrder(ctx, "T1", 4)
	require.NoError(t, err)
	_, err = env.orders.AddItem(ctx, extra.ID, "bun-cha", 2, "")
	require.NoError(t, err)
	_, err = env.orders.AddItem(ctx, order.ID, "nem-ran", 1, "")
	require.NoError(t, err)

	_, err = env.payments.OnPaymentConfirmed(ctx, payment.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	stored, err := env.payments.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, stored.Status)
	assert.Equal(t, domain.OrderStatusPending, env.order(order.ID).Status)
	assert.Equal(t, domain.OrderStatusPending, env.order(extra.ID).Status)
	assert.Equal(t, int64(280000), env.table("T1").BillTotal)
	assert.Zero(t, env.events.count(domain.EventPaymentPaid))

	// a fresh request for the new bill replaces the stale one and settles
	fresh, err := env.payments.RequestPayment(ctx, domain.TableRef("T1"), 280000)
	require.NoError(t, err)
	_, err = env.payments.OnPaymentConfirmed(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TableStatusVacant, env.table("T1").Status)

	stale, err := env.payments.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCancelled, stale.Status)
}

func TestOnPaymentConfirmed_InProgressIsConflict(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	order := seatWithBill(t, env)
	payment, err := env.payments.RequestPayment(ctx, domain.OrderRef(order.ID), 150000)
	require.NoError(t, err)

	ok, err := env.cache.SetIdempotency(ctx, "payment:confirm:"+payment.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.payments.OnPaymentConfirmed(ctx, payment.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, domain.OrderStatusPending, env.order(order.ID).Status)

	require.NoError(t, env.cache.ReleaseIdempotency(ctx, "payment:confirm:"+payment.ID))
	paid, err := env.payments.OnPaymentConfirmed(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, paid.Status)
}
