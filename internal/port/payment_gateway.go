package port

import "context"

type PaymentLinkItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

type PaymentLinkRequest struct {
	OrderCode   int64
	Amount      int64
	Description string
	Items       []PaymentLinkItem
}

// PaymentLink is the provider's view of a checkout. Status is the raw provider value.
type PaymentLink struct {
	PaymentLinkID string
	OrderCode     int64
	Amount        int64
	AmountPaid    int64
	CheckoutURL   string
	QRCode        string
	Status        string
}

// WebhookData is a verified payment notification.
type WebhookData struct {
	Code          string
	OrderCode     int64
	Amount        int64
	PaymentLinkID string
	Reference     string
}

type PaymentGateway interface {
	// CreatePaymentLink registers a signed checkout with the provider
	CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*PaymentLink, error)

	// GetPaymentLink fetches the current state by payment link ID or order code
	GetPaymentLink(ctx context.Context, ref string) (*PaymentLink, error)

	// CancelPaymentLink voids a checkout that has not been paid
	CancelPaymentLink(ctx context.Context, ref, reason string) (*PaymentLink, error)

	// VerifyWebhook checks the signature of a provider callback body
	VerifyWebhook(body []byte) (*WebhookData, error)
}
