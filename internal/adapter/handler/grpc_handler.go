package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/rl1809/smart-order/internal/core/domain"
	"github.com/rl1809/smart-order/internal/core/service"
)

const (
	ServiceName = "smartorder.v1.Reconciliation"
	CodecName   = "json"
)

// jsonCodec lets the service run without generated protobuf stubs. Clients
// select it with grpc.CallContentSubtype(CodecName).
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type TableRequest struct {
	TableID string `json:"table_id"`
	AreaID  string `json:"area_id,omitempty"`
}

type OrderRequest struct {
	OrderID    string `json:"order_id"`
	MenuItemID string `json:"menu_item_id,omitempty"`
	Quantity   int    `json:"quantity,omitempty"`
	Note       string `json:"note,omitempty"`
	Status     string `json:"status,omitempty"`
}

type CreateOrderRequest struct {
	TableID    string `json:"table_id"`
	GuestCount int    `json:"guest_count"`
}

type PaymentRequest struct {
	Ref           string `json:"ref,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
	PaymentID     string `json:"payment_id,omitempty"`
	PaymentLinkID string `json:"payment_link_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type TablesResponse struct {
	Tables []domain.Table `json:"tables"`
}

type OrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

type PaymentStatusResponse struct {
	Status domain.PaymentStatus `json:"status"`
}

type GRPCHandler struct {
	log *slog.Logger
	svc Services
}

func NewGRPCHandler(log *slog.Logger, svc Services) *GRPCHandler {
	return &GRPCHandler{log: log, svc: svc}
}

// Register adds the reconciliation service to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&serviceDesc, h)
}

// ReconciliationServer is the method set behind serviceDesc.
type ReconciliationServer interface {
	CloseTable(ctx context.Context, req *TableRequest) (*domain.Table, error)
	GetTable(ctx context.Context, req *TableRequest) (*domain.Table, error)
	ListTables(ctx context.Context, req *TableRequest) (*TablesResponse, error)
	ReconcileTable(ctx context.Context, req *TableRequest) (*domain.Table, error)
	CreateOrder(ctx context.Context, req *CreateOrderRequest) (*domain.Order, error)
	GetOrder(ctx context.Context, req *OrderRequest) (*domain.Order, error)
	AddItem(ctx context.Context, req *OrderRequest) (*domain.Order, error)
	UpdateItemQuantity(ctx context.Context, req *OrderRequest) (*domain.Order, error)
	RemoveItem(ctx context.Context, req *OrderRequest) (*domain.Order, error)
	SetItemStatus(ctx context.Context, req *OrderRequest) (*domain.Order, error)
	AdvanceStatus(ctx context.Context, req *OrderRequest) (*domain.Order, error)
	CancelOrder(ctx context.Context, req *OrderRequest) (*domain.Order, error)
	RequestPayment(ctx context.Context, req *PaymentRequest) (*domain.Payment, error)
	PollPayment(ctx context.Context, req *PaymentRequest) (*PaymentStatusResponse, error)
	ConfirmPayment(ctx context.Context, req *PaymentRequest) (*domain.Payment, error)
	CancelPayment(ctx context.Context, req *PaymentRequest) (*domain.Payment, error)
	CashSettle(ctx context.Context, req *TableRequest) (*domain.Table, error)
}

func (h *GRPCHandler) CloseTable(ctx context.Context, req *TableRequest) (*domain.Table, error) {
	return h.svc.Tables.CloseTable(ctx, req.TableID)
}

func (h *GRPCHandler) GetTable(ctx context.Context, req *TableRequest) (*domain.Table, error) {
	return h.svc.Tables.GetTable(ctx, req.TableID)
}

func (h *GRPCHandler) ListTables(ctx context.Context, req *TableRequest) (*TablesResponse, error) {
	tables, err := h.svc.Tables.ListTables(ctx, req.AreaID)
	if err != nil {
		return nil, err
	}
	return &TablesResponse{Tables: tables}, nil
}

func (h *GRPCHandler) ReconcileTable(ctx context.Context, req *TableRequest) (*domain.Table, error) {
	return h.svc.Tables.Reconcile(ctx, req.TableID)
}

func (h *GRPCHandler) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*domain.Order, error) {
	return h.svc.Orders.CreateOrder(ctx, req.TableID, req.GuestCount)
}

func (h *GRPCHandler) GetOrder(ctx context.Context, req *OrderRequest) (*domain.Order, error) {
	return h.svc.Orders.GetOrder(ctx, req.OrderID)
}

func (h *GRPCHandler) AddItem(ctx context.Context, req *OrderRequest) (*domain.Order, error) {
	return h.svc.Orders.AddItem(ctx, req.OrderID, req.MenuItemID, req.Quantity, req.Note)
}

func (h *GRPCHandler) UpdateItemQuantity(ctx context.Context, req *OrderRequest) (*domain.Order, error) {
	return h.svc.Orders.UpdateItemQuantity(ctx, req.OrderID, req.MenuItemID, req.Quantity)
}

func (h *GRPCHandler) RemoveItem(ctx context.Context, req *OrderRequest) (*domain.Order, error) {
	return h.svc.Orders.RemoveItem(ctx, req.OrderID, req.MenuItemID)
}

func (h *GRPCHandler) SetItemStatus(ctx context.Context, req *OrderRequest) (*domain.Order, error) {
	return h.svc.Orders.SetItemServedStatus(ctx, req.OrderID, req.MenuItemID, domain.LineItemStatus(strings.ToUpper(req.Status)))
}

func (h *GRPCHandler) AdvanceStatus(ctx context.Context, req *OrderRequest) (*domain.Order, error) {
	return h.svc.Orders.AdvanceStatus(ctx, req.OrderID, domain.OrderStatus(strings.ToUpper(req.Status)))
}

func (h *GRPCHandler) CancelOrder(ctx context.Context, req *OrderRequest) (*domain.Order, error) {
	return h.svc.Orders.CancelOrder(ctx, req.OrderID)
}

func (h *GRPCHandler) RequestPayment(ctx context.Context, req *PaymentRequest) (*domain.Payment, error) {
	ref, err := domain.ParsePaymentRef(req.Ref)
	if err != nil {
		return nil, err
	}
	return h.svc.Payments.RequestPayment(ctx, ref, req.Amount)
}

func (h *GRPCHandler) PollPayment(ctx context.Context, req *PaymentRequest) (*PaymentStatusResponse, error) {
	st, err := h.svc.Payments.PollStatus(ctx, req.PaymentLinkID)
	if err != nil {
		return nil, err
	}
	return &PaymentStatusResponse{Status: st}, nil
}

func (h *GRPCHandler) ConfirmPayment(ctx context.Context, req *PaymentRequest) (*domain.Payment, error) {
	return h.svc.Payments.OnPaymentConfirmed(ctx, req.PaymentID)
}

func (h *GRPCHandler) CancelPayment(ctx context.Context, req *PaymentRequest) (*domain.Payment, error) {
	return h.svc.Payments.CancelPayment(ctx, req.PaymentLinkID, req.Reason)
}

func (h *GRPCHandler) CashSettle(ctx context.Context, req *TableRequest) (*domain.Table, error) {
	return h.svc.Payments.CashSettle(ctx, req.TableID)
}

// WatchTables streams table snapshots until the client goes away.
func (h *GRPCHandler) WatchTables(req *TableRequest, stream grpc.ServerStream) error {
	return watchStream(stream, func(ctx context.Context, fn func([]domain.Table)) (*service.Subscription, error) {
		return h.svc.Tables.WatchTables(ctx, req.AreaID, fn)
	}, func(tables []domain.Table) any { return &TablesResponse{Tables: tables} })
}

// WatchActiveOrders streams the kitchen view.
func (h *GRPCHandler) WatchActiveOrders(_ *TableRequest, stream grpc.ServerStream) error {
	return watchStream(stream, h.svc.Orders.WatchActiveOrders,
		func(orders []domain.Order) any { return &OrdersResponse{Orders: orders} })
}

func watchStream[T any](stream grpc.ServerStream, subscribe func(context.Context, func(T)) (*service.Subscription, error), wrap func(T) any) error {
	ctx := stream.Context()
	updates := make(chan T, 1)
	sub, err := subscribe(ctx, func(v T) {
		select {
		case <-updates:
		default:
		}
		updates <- v
	})
	if err != nil {
		return toStatus(err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-updates:
			if err := stream.SendMsg(wrap(v)); err != nil {
				return err
			}
		}
	}
}

func unary[Req, Resp any](name string, call func(h *GRPCHandler, ctx context.Context, req *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			h := srv.(*GRPCHandler)
			invoke := func(ctx context.Context, req any) (any, error) {
				resp, err := call(h, ctx, req.(*Req))
				if err != nil {
					if grpcCode(err) == codes.Internal {
						h.log.Error("grpc_call_failed", "method", name, "err", err)
					}
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return invoke(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, req, info, invoke)
		},
	}
}

func serverStream[Req any](name string, call func(h *GRPCHandler, req *Req, stream grpc.ServerStream) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			req := new(Req)
			if err := stream.RecvMsg(req); err != nil {
				return status.Error(codes.InvalidArgument, err.Error())
			}
			return call(srv.(*GRPCHandler), req, stream)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReconciliationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CloseTable", (*GRPCHandler).CloseTable),
		unary("GetTable", (*GRPCHandler).GetTable),
		unary("ListTables", (*GRPCHandler).ListTables),
		unary("ReconcileTable", (*GRPCHandler).ReconcileTable),
		unary("CreateOrder", (*GRPCHandler).CreateOrder),
		unary("GetOrder", (*GRPCHandler).GetOrder),
		unary("AddItem", (*GRPCHandler).AddItem),
		unary("UpdateItemQuantity", (*GRPCHandler).UpdateItemQuantity),
		unary("RemoveItem", (*GRPCHandler).RemoveItem),
		unary("SetItemStatus", (*GRPCHandler).SetItemStatus),
		unary("AdvanceStatus", (*GRPCHandler).AdvanceStatus),
		unary("CancelOrder", (*GRPCHandler).CancelOrder),
		unary("RequestPayment", (*GRPCHandler).RequestPayment),
		unary("PollPayment", (*GRPCHandler).PollPayment),
		unary("ConfirmPayment", (*GRPCHandler).ConfirmPayment),
		unary("CancelPayment", (*GRPCHandler).CancelPayment),
		unary("CashSettle", (*GRPCHandler).CashSettle),
	},
	Streams: []grpc.StreamDesc{
		serverStream("WatchTables", (*GRPCHandler).WatchTables),
		serverStream("WatchActiveOrders", (*GRPCHandler).WatchActiveOrders),
	},
	Metadata: "smartorder/v1/reconciliation",
}

// Invoke calls a unary method on conn with the JSON codec.
func Invoke(ctx context.Context, conn grpc.ClientConnInterface, method string, req, resp any) error {
	return conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.CallContentSubtype(CodecName))
}

var _ ReconciliationServer = (*GRPCHandler)(nil)
