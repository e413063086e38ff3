package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/smart-order/internal/port"
)

const (
	DefaultBaseURL = "https://api-merchant.payos.vn"
	successCode    = "00"
)

var (
	ErrInvalidSignature  = errors.New("payos: invalid signature")
	ErrMissingSignature  = errors.New("payos: missing signature")
	ErrMalformedResponse = errors.New("payos: malformed response")
)

type Config struct {
	ClientID    string
	APIKey      string
	ChecksumKey string
	BaseURL     string
	ReturnURL   string
	CancelURL   string
	Timeout     time.Duration
}

// PayOS talks to the PayOS merchant API. Requests are signed with the
// checksum key and authenticated with the client id and api key headers.
type PayOS struct {
	cfg    Config
	client *http.Client
	tracer trace.Tracer
}

func NewPayOS(cfg Config) (*PayOS, error) {
	if cfg.ClientID == "" || cfg.APIKey == "" || cfg.ChecksumKey == "" {
		return nil, errors.New("payos: client id, api key and checksum key are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &PayOS{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		tracer: otel.Tracer("payos-gateway"),
	}, nil
}

type createRequest struct {
	OrderCode   int64                  `json:"orderCode"`
	Amount      int64                  `json:"amount"`
	Description string                 `json:"description"`
	Items       []port.PaymentLinkItem `json:"items,omitempty"`
	CancelURL   string                 `json:"cancelUrl"`
	ReturnURL   string                 `json:"returnUrl"`
	Signature   string                 `json:"signature"`
}

type envelope struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

type linkData struct {
	PaymentLinkID string `json:"paymentLinkId"`
	ID            string `json:"id"`
	OrderCode     int64  `json:"orderCode"`
	Amount        int64  `json:"amount"`
	AmountPaid    int64  `json:"amountPaid"`
	CheckoutURL   string `json:"checkoutUrl"`
	QRCode        string `json:"qrCode"`
	Status        string `json:"status"`
}

func (d linkData) linkID() string {
	if d.PaymentLinkID != "" {
		return d.PaymentLinkID
	}
	return d.ID
}

func (d linkData) toLink() *port.PaymentLink {
	id := d.linkID()
	status := d.Status
	if status == "" {
		status = "PENDING"
	}
	return &port.PaymentLink{
		PaymentLinkID: id,
		OrderCode:     d.OrderCode,
		Amount:        d.Amount,
		AmountPaid:    d.AmountPaid,
		CheckoutURL:   d.CheckoutURL,
		QRCode:        d.QRCode,
		Status:        status,
	}
}

// RequestSignature signs the fixed alphabetical field set of a payment request.
func RequestSignature(key string, amount int64, cancelURL, description string, orderCode int64, returnURL string) string {
	data := fmt.Sprintf("amount=%d&cancelUrl=%s&description=%s&orderCode=%d&returnUrl=%s",
		amount, cancelURL, description, orderCode, returnURL)
	return sign(key, data)
}

func sign(key, data string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *PayOS) CreatePaymentLink(ctx context.Context, req port.PaymentLinkRequest) (*port.PaymentLink, error) {
	ctx, span := p.tracer.Start(ctx, "CreatePaymentLink")
	defer span.End()
	span.SetAttributes(attribute.Int64("payos.order_code", req.OrderCode), attribute.Int64("payos.amount", req.Amount))

	body := createRequest{
		OrderCode:   req.OrderCode,
		Amount:      req.Amount,
		Description: req.Description,
		Items:       req.Items,
		CancelURL:   p.cfg.CancelURL,
		ReturnURL:   p.cfg.ReturnURL,
		Signature:   RequestSignature(p.cfg.ChecksumKey, req.Amount, p.cfg.CancelURL, req.Description, req.OrderCode, p.cfg.ReturnURL),
	}

	var data linkData
	err := p.do(ctx, http.MethodPost, "/v2/payment-requests", body, &data)
	if err == nil && (data.linkID() == "" || data.CheckoutURL == "") {
		err = fmt.Errorf("create payment link: no payment link id or checkout url: %w", ErrMalformedResponse)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("payos.payment_link_id", data.linkID()))
	return data.toLink(), nil
}

func (p *PayOS) GetPaymentLink(ctx context.Context, ref string) (*port.PaymentLink, error) {
	ctx, span := p.tracer.Start(ctx, "GetPaymentLink")
	defer span.End()

	var data linkData
	err := p.do(ctx, http.MethodGet, "/v2/payment-requests/"+ref, nil, &data)
	if err == nil && data.linkID() == "" {
		err = fmt.Errorf("payment link %s: no id in response: %w", ref, ErrMalformedResponse)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return data.toLink(), nil
}

func (p *PayOS) CancelPaymentLink(ctx context.Context, ref, reason string) (*port.PaymentLink, error) {
	ctx, span := p.tracer.Start(ctx, "CancelPaymentLink")
	defer span.End()

	body := map[string]any{"cancellationReason": nil}
	if reason != "" {
		body["cancellationReason"] = reason
	}

	var data linkData
	err := p.do(ctx, http.MethodPut, "/v2/payment-requests/"+ref, body, &data)
	if err == nil && data.linkID() == "" {
		err = fmt.Errorf("payment link %s: no id in response: %w", ref, ErrMalformedResponse)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return data.toLink(), nil
}

func (p *PayOS) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode payos request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("build payos request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-client-id", p.cfg.ClientID)
	req.Header.Set("x-api-key", p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("payos %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("payos %s %s: status %d: decode response: %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || env.Code != successCode {
		desc := env.Desc
		if desc == "" {
			desc = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("payos %s %s: code %s: %s", method, path, env.Code, desc)
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("payos %s %s: empty data: %w", method, path, ErrMalformedResponse)
	}
	if err := p.verifyData(env.Data, env.Signature); err != nil {
		return fmt.Errorf("payos %s %s: %w", method, path, err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("payos %s %s: decode data: %w", method, path, err)
	}
	return nil
}

// verifyData checks signature against the sorted fields of a signed data object.
func (p *PayOS) verifyData(data json.RawMessage, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return fmt.Errorf("decode signed data: %w", err)
	}

	expected := sign(p.cfg.ChecksumKey, SortedQuery(fields))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return ErrInvalidSignature
	}
	return nil
}

type webhookBody struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

// VerifyWebhook checks the callback signature over the sorted data fields
// and returns the payment notification it carries.
func (p *PayOS) VerifyWebhook(body []byte) (*port.WebhookData, error) {
	var wh webhookBody
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if err := p.verifyData(wh.Data, wh.Signature); err != nil {
		return nil, err
	}

	var data struct {
		Code          string `json:"code"`
		OrderCode     int64  `json:"orderCode"`
		Amount        int64  `json:"amount"`
		PaymentLinkID string `json:"paymentLinkId"`
		Reference     string `json:"reference"`
	}
	if err := json.Unmarshal(wh.Data, &data); err != nil {
		return nil, fmt.Errorf("decode webhook data: %w", err)
	}

	code := data.Code
	if code == "" {
		code = wh.Code
	}
	return &port.WebhookData{
		Code:          code,
		OrderCode:     data.OrderCode,
		Amount:        data.Amount,
		PaymentLinkID: data.PaymentLinkID,
		Reference:     data.Reference,
	}, nil
}

// SortedQuery renders fields as key=value pairs joined by & in key order.
// Null values render empty and nested values as JSON.
func SortedQuery(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fieldValue(fields[k]))
	}
	return strings.Join(parts, "&")
}

func fieldValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		if val == "null" || val == "undefined" {
			return ""
		}
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		raw, _ := json.Marshal(val)
		return string(raw)
	}
}

var _ port.PaymentGateway = (*PayOS)(nil)
