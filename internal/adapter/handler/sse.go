package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/core/service"
)

const sseHeartbeat = 15 * time.Second

// serveSSE streams every snapshot of a live query as a server-sent event.
// A slow client only ever receives the newest snapshot.
func serveSSE[T any](h *HTTPHandler, w http.ResponseWriter, r *http.Request, subscribe func(context.Context, func(T)) (*service.Subscription, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	updates := make(chan T, 1)
	sub, err := subscribe(ctx, func(v T) {
		select {
		case <-updates:
		default:
		}
		updates <- v
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case v := <-updates:
			data, err := json.Marshal(v)
			if err != nil {
				h.log.Error("sse_encode_failed", "path", r.URL.Path, "err", err)
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (h *HTTPHandler) streamMenu(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	serveSSE(h, w, r, func(ctx context.Context, fn func([]domain.MenuItem)) (*service.Subscription, error) {
		return h.svc.Menu.WatchMenu(ctx, category, fn)
	})
}

func (h *HTTPHandler) streamCategories(w http.ResponseWriter, r *http.Request) {
	serveSSE(h, w, r, h.svc.Menu.WatchCategories)
}

func (h *HTTPHandler) streamTables(w http.ResponseWriter, r *http.Request) {
	area := r.URL.Query().Get("area")
	serveSSE(h, w, r, func(ctx context.Context, fn func([]domain.Table)) (*service.Subscription, error) {
		return h.svc.Tables.WatchTables(ctx, area, fn)
	})
}

func (h *HTTPHandler) streamActiveOrders(w http.ResponseWriter, r *http.Request) {
	serveSSE(h, w, r, h.svc.Orders.WatchActiveOrders)
}

func (h *HTTPHandler) streamTableOrders(w http.ResponseWriter, r *http.Request) {
	tableID := chi.URLParam(r, "id")
	serveSSE(h, w, r, func(ctx context.Context, fn func([]domain.Order)) (*service.Subscription, error) {
		return h.svc.Orders.WatchTableOrders(ctx, tableID, fn)
	})
}

func (h *HTTPHandler) streamOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	serveSSE(h, w, r, func(ctx context.Context, fn func(*domain.Order)) (*service.Subscription, error) {
		return h.svc.Orders.WatchOrder(ctx, orderID, fn)
	})
}

func (h *HTTPHandler) streamPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	serveSSE(h, w, r, func(ctx context.Context, fn func(*domain.Payment)) (*service.Subscription, error) {
		return h.svc.Payments.WatchPayment(ctx, paymentID, fn)
	})
}
