package domain

import (
	"strings"
	"time"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusPaid      PaymentStatus = "PAID"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
)

func (s PaymentStatus) IsFinal() bool {
	return s == PaymentStatusPaid || s == PaymentStatusCancelled || s == PaymentStatusFailed
}

// PaymentStatusFromGateway normalizes a provider status string.
// Anything the provider still considers in flight stays PENDING.
func PaymentStatusFromGateway(status string) PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PAID":
		return PaymentStatusPaid
	case "CANCELLED", "CANCELED":
		return PaymentStatusCancelled
	case "EXPIRED", "FAILED":
		return PaymentStatusFailed
	default:
		return PaymentStatusPending
	}
}

type PaymentRefKind string

const (
	PaymentRefOrder PaymentRefKind = "ORDER"
	PaymentRefTable PaymentRefKind = "TABLE"
)

// PaymentRef names the settling unit: one order, or every active order of a table.
type PaymentRef struct {
	Kind PaymentRefKind `json:"kind"`
	ID   string         `json:"id"`
}

func OrderRef(orderID string) PaymentRef { return PaymentRef{Kind: PaymentRefOrder, ID: orderID} }
func TableRef(tableID string) PaymentRef { return PaymentRef{Kind: PaymentRefTable, ID: tableID} }

func (r PaymentRef) String() string {
	return strings.ToLower(string(r.Kind)) + ":" + r.ID
}

// ParsePaymentRef accepts "order:<id>" or "table:<id>".
func ParsePaymentRef(s string) (PaymentRef, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(id) == "" {
		return PaymentRef{}, NewValidationError("payment_ref", s, "expected order:<id> or table:<id>")
	}
	switch strings.ToUpper(kind) {
	case string(PaymentRefOrder):
		return OrderRef(id), nil
	case string(PaymentRefTable):
		return TableRef(id), nil
	}
	return PaymentRef{}, NewValidationError("payment_ref", s, "unknown reference kind "+kind)
}

type Payment struct {
	ID            string        `json:"id"`
	Ref           PaymentRef    `json:"ref"`
	TableID       string        `json:"table_id"`
	OrderCode     int64         `json:"order_code"`
	PaymentLinkID string        `json:"payment_link_id"`
	CheckoutURL   string        `json:"checkout_url"`
	QRCode        string        `json:"qr_code,omitempty"`
	Amount        int64         `json:"amount"`
	Status        PaymentStatus `json:"status"`
	Method        string        `json:"method"`
	Version       int           `json:"version"` // optimistic locking
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
}

const (
	PaymentMethodGateway = "payos"
	PaymentMethodCash    = "cash"
)

func (p *Payment) MarkPaid(now time.Time) {
	t := now
	p.Status = PaymentStatusPaid
	p.PaidAt = &t
	p.UpdatedAt = now
}

// Resolve applies a non-PAID provider outcome to a payment still pending.
func (p *Payment) Resolve(status PaymentStatus, now time.Time) bool {
	if p.Status != PaymentStatusPending || status == PaymentStatusPending || status == PaymentStatusPaid {
		return false
	}
	p.Status = status
	p.UpdatedAt = now
	return true
}
