package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/core/service"
)

const maxWebhookBody = 1 << 20

// Services groups the engines exposed by the transports.
type Services struct {
	Tables   *service.TableService
	Orders   *service.OrderService
	Payments *service.PaymentService
	Menu     *service.MenuService
	Reports  *service.ReportService
}

type HTTPHandler struct {
	log    *slog.Logger
	svc    Services
	tracer trace.Tracer
}

func NewHTTPHandler(log *slog.Logger, svc Services) *HTTPHandler {
	return &HTTPHandler{
		log:    log,
		svc:    svc,
		tracer: otel.Tracer("smartorder-http"),
	}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	r.Get("/health", h.HealthCheck)

	r.Route("/menu", func(r chi.Router) {
		r.Get("/", h.listMenu)
		r.Get("/search", h.searchMenu)
		r.Get("/stream", h.streamMenu)
		r.Get("/categories", h.listCategories)
		r.Get("/categories/stream", h.streamCategories)
		r.Put("/categories/{id}", h.saveCategory)
		r.Delete("/categories/{id}", h.deleteCategory)
		r.Get("/{id}", h.getMenuItem)
		r.Put("/{id}", h.saveMenuItem)
		r.Delete("/{id}", h.deleteMenuItem)
		r.Patch("/{id}/availability", h.setAvailability)
	})

	r.Route("/tables", func(r chi.Router) {
		r.Get("/", h.listTables)
		r.Get("/stats", h.tableStats)
		r.Get("/stream", h.streamTables)
		r.Post("/reconcile", h.reconcileAll)
		r.Get("/{id}", h.getTable)
		r.Post("/{id}/close", h.closeTable)
		r.Post("/{id}/reconcile", h.reconcileTable)
		r.Post("/{id}/cash", h.cashSettle)
		r.Get("/{id}/orders", h.listTableOrders)
		r.Get("/{id}/orders/active", h.activeTableOrder)
		r.Get("/{id}/orders/stream", h.streamTableOrders)
	})

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.createOrder)
		r.Get("/", h.listOrders)
		r.Get("/active/stream", h.streamActiveOrders)
		r.Get("/{id}", h.getOrder)
		r.Get("/{id}/stream", h.streamOrder)
		r.Post("/{id}/items", h.addItem)
		r.Patch("/{id}/items/{menuItemID}", h.updateItemQuantity)
		r.Delete("/{id}/items/{menuItemID}", h.removeItem)
		r.Patch("/{id}/items/{menuItemID}/status", h.setItemStatus)
		r.Post("/{id}/status", h.advanceStatus)
		r.Post("/{id}/cancel", h.cancelOrder)
	})

	r.Route("/payments", func(r chi.Router) {
		r.Post("/", h.requestPayment)
		r.Get("/", h.listPayments)
		r.Post("/webhook", h.paymentWebhook)
		r.Get("/links/{linkID}/status", h.pollPayment)
		r.Post("/links/{linkID}/cancel", h.cancelPayment)
		r.Get("/{id}", h.getPayment)
		r.Get("/{id}/stream", h.streamPayment)
		r.Post("/{id}/confirm", h.confirmPayment)
	})

	r.Get("/reports/revenue", h.revenueReport)

	return r
}

func (h *HTTPHandler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request_failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)
	writeJSON(w, status, map[string]errorBody{"error": toBody(err)})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.NewValidationError("request", "", "invalid request body")
	}
	return nil
}

// Menu

func (h *HTTPHandler) listMenu(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.Menu.ListMenu(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *HTTPHandler) searchMenu(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.Menu.SearchMenu(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *HTTPHandler) listCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.svc.Menu.ListCategories(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

func (h *HTTPHandler) getMenuItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.svc.Menu.GetMenuItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *HTTPHandler) saveMenuItem(w http.ResponseWriter, r *http.Request) {
	var item domain.MenuItem
	if err := decode(r, &item); err != nil {
		h.writeError(w, r, err)
		return
	}
	item.ID = chi.URLParam(r, "id")
	if err := h.svc.Menu.SaveMenuItem(r.Context(), item); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *HTTPHandler) deleteMenuItem(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Menu.DeleteMenuItem(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) saveCategory(w http.ResponseWriter, r *http.Request) {
	var c domain.Category
	if err := decode(r, &c); err != nil {
		h.writeError(w, r, err)
		return
	}
	c.ID = chi.URLParam(r, "id")
	if err := h.svc.Menu.SaveCategory(r.Context(), c); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *HTTPHandler) deleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Menu.DeleteCategory(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type availabilityReq struct {
	Available bool `json:"available"`
}

func (h *HTTPHandler) setAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityReq
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	item, err := h.svc.Menu.SetAvailability(r.Context(), chi.URLParam(r, "id"), req.Available)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// Tables

func (h *HTTPHandler) listTables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.svc.Tables.ListTables(r.Context(), r.URL.Query().Get("area"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tables)
}

func (h *HTTPHandler) tableStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Tables.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *HTTPHandler) getTable(w http.ResponseWriter, r *http.Request) {
	table, err := h.svc.Tables.GetTable(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (h *HTTPHandler) closeTable(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CloseTable")
	defer span.End()

	table, err := h.svc.Tables.CloseTable(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (h *HTTPHandler) reconcileTable(w http.ResponseWriter, r *http.Request) {
	table, err := h.svc.Tables.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (h *HTTPHandler) reconcileAll(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ReconcileAll")
	defer span.End()

	checked, err := h.svc.Tables.ReconcileAll(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"checked": checked})
}

func (h *HTTPHandler) cashSettle(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CashSettle")
	defer span.End()

	table, err := h.svc.Payments.CashSettle(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (h *HTTPHandler) listTableOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.Orders.ListTableOrders(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *HTTPHandler) activeTableOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.Orders.ActiveOrderForTable(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// Orders

type createOrderReq struct {
	TableID    string `json:"table_id"`
	GuestCount int    `json:"guest_count"`
}

func (h *HTTPHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateOrder")
	defer span.End()

	var req createOrderReq
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("table.id", req.TableID))

	order, err := h.svc.Orders.CreateOrder(ctx, req.TableID, req.GuestCount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *HTTPHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		orders, err := h.svc.Orders.ListActiveOrders(r.Context())
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, orders)
		return
	}

	var statuses []domain.OrderStatus
	for _, s := range strings.Split(raw, ",") {
		statuses = append(statuses, domain.OrderStatus(strings.ToUpper(strings.TrimSpace(s))))
	}
	orders, err := h.svc.Orders.ListOrders(r.Context(), statuses...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *HTTPHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.Orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type addItemReq struct {
	MenuItemID string `json:"menu_item_id"`
	Quantity   int    `json:"quantity"`
	Note       string `json:"note"`
}

func (h *HTTPHandler) addItem(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AddItem")
	defer span.End()

	var req addItemReq
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.svc.Orders.AddItem(ctx, chi.URLParam(r, "id"), req.MenuItemID, req.Quantity, req.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type quantityReq struct {
	Quantity int `json:"quantity"`
}

func (h *HTTPHandler) updateItemQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpdateItemQuantity")
	defer span.End()

	var req quantityReq
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.svc.Orders.UpdateItemQuantity(ctx, chi.URLParam(r, "id"), chi.URLParam(r, "menuItemID"), req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RemoveItem")
	defer span.End()

	order, err := h.svc.Orders.RemoveItem(ctx, chi.URLParam(r, "id"), chi.URLParam(r, "menuItemID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type statusReq struct {
	Status string `json:"status"`
}

func (h *HTTPHandler) setItemStatus(w http.ResponseWriter, r *http.Request) {
	var req statusReq
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.svc.Orders.SetItemServedStatus(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "menuItemID"),
		domain.LineItemStatus(strings.ToUpper(req.Status)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) advanceStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AdvanceStatus")
	defer span.End()

	var req statusReq
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.svc.Orders.AdvanceStatus(ctx, chi.URLParam(r, "id"), domain.OrderStatus(strings.ToUpper(req.Status)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelOrder")
	defer span.End()

	order, err := h.svc.Orders.CancelOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// Payments

type paymentReq struct {
	Ref    string `json:"ref"`
	Amount int64  `json:"amount"`
}

func (h *HTTPHandler) requestPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RequestPayment")
	defer span.End()

	var req paymentReq
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	ref, err := domain.ParsePaymentRef(req.Ref)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("payment.ref", ref.String()), attribute.Int64("payment.amount", req.Amount))

	payment, err := h.svc.Payments.RequestPayment(ctx, ref, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

func (h *HTTPHandler) listPayments(w http.ResponseWriter, r *http.Request) {
	ref, err := domain.ParsePaymentRef(r.URL.Query().Get("ref"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	payments, err := h.svc.Payments.ListPayments(r.Context(), ref)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (h *HTTPHandler) getPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := h.svc.Payments.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (h *HTTPHandler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ConfirmPayment")
	defer span.End()

	payment, err := h.svc.Payments.OnPaymentConfirmed(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (h *HTTPHandler) pollPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PollPayment")
	defer span.End()

	status, err := h.svc.Payments.PollStatus(ctx, chi.URLParam(r, "linkID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]domain.PaymentStatus{"status": status})
}

type cancelPaymentReq struct {
	Reason string `json:"reason"`
}

func (h *HTTPHandler) cancelPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelPayment")
	defer span.End()

	var req cancelPaymentReq
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	payment, err := h.svc.Payments.CancelPayment(ctx, chi.URLParam(r, "linkID"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

// paymentWebhook acknowledges callbacks for unknown order codes with 200 so
// the provider's test call made while registering the webhook URL succeeds.
func (h *HTTPHandler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PaymentWebhook")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, r, domain.NewValidationError("webhook", "", "unreadable body"))
		return
	}

	payment, err := h.svc.Payments.HandleWebhook(ctx, body)
	if errors.Is(err, domain.ErrNotFound) {
		h.log.Info("payment_webhook_unmatched", "err", err)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}
	if err != nil {
		h.log.Warn("payment_webhook_rejected", "err", err)
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "payment_id": payment.ID, "status": payment.Status})
}

// Reports

func (h *HTTPHandler) revenueReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("from") == "" && q.Get("to") == "" {
		report, err := h.svc.Reports.RevenueForPeriod(r.Context(), q.Get("period"))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	from, err := parseDay(q.Get("from"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := parseDay(q.Get("to"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.svc.Reports.RevenueByRange(r.Context(), from, to.AddDate(0, 0, 1).Add(-time.Nanosecond))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parseDay(s string) (time.Time, error) {
	t, err := time.ParseInLocation(time.DateOnly, s, time.Local)
	if err != nil {
		return time.Time{}, domain.NewValidationError("report", s, fmt.Sprintf("expected date as %s", time.DateOnly))
	}
	return t, nil
}
