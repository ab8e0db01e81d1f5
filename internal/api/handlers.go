package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/buildtall-systems/orderflow/internal/db"
	"github.com/buildtall-systems/orderflow/internal/fsm"
	"github.com/buildtall-systems/orderflow/internal/orders"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
	maxBodyBytes     = 1 << 20
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	WorkerState string `json:"worker_state,omitempty"`
}

type ItemResponse struct {
	ID          string `json:"id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Subtotal    string `json:"subtotal"`
}

type StatusEntryResponse struct {
	Status    string    `json:"status"`
	Message   *string   `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type OrderResponse struct {
	ID            string                `json:"id"`
	CustomerEmail string                `json:"customer_email"`
	CustomerName  string                `json:"customer_name"`
	TotalAmount   string                `json:"total_amount"`
	Status        string                `json:"status"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	Items         []ItemResponse        `json:"items,omitempty"`
	StatusHistory []StatusEntryResponse `json:"status_history,omitempty"`
}

type OrderListResponse struct {
	Orders     []OrderResponse `json:"orders"`
	TotalCount int             `json:"total_count"`
	Limit      int             `json:"limit"`
	Offset     int             `json:"offset"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Service: s.opts.Service}
	if s.opts.WorkerState != nil {
		resp.WorkerState = s.opts.WorkerState()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.CreateOrderRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	order, items, err := s.opts.Intake.Submit(r.Context(), req)
	switch {
	case errors.Is(err, orders.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, "invalid_order", err.Error())
		return
	case errors.Is(err, orders.ErrEnqueue):
		writeError(w, http.StatusServiceUnavailable, "enqueue_failed", "order "+order.ID+" was stored but could not be queued")
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}

	resp := toOrderResponse(order)
	resp.Items = toItemResponses(items)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	order, err := s.opts.Store.GetOrderByID(r.Context(), orderID)
	if errors.Is(err, db.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "order_not_found", "order "+orderID+" not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	items, err := s.opts.Store.GetOrderItems(r.Context(), orderID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	history, err := s.opts.Store.GetStatusHistory(r.Context(), orderID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	resp := toOrderResponse(order)
	resp.Items = toItemResponses(items)
	// newest first
	for i := len(history) - 1; i >= 0; i-- {
		e := history[i]
		entry := StatusEntryResponse{Status: e.Status, CreatedAt: e.CreatedAt}
		if e.Message.Valid {
			msg := e.Message.String
			entry.Message = &msg
		}
		resp.StatusHistory = append(resp.StatusHistory, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), defaultListLimit)
	if err != nil || limit < 1 || limit > maxListLimit {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 100")
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid_offset", "offset must not be negative")
		return
	}
	status := q.Get("status")
	if status != "" && !fsm.IsValidState(status) {
		writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+status)
		return
	}

	list, total, err := s.opts.Store.ListOrders(r.Context(), db.ListFilter{
		Status:        status,
		CustomerEmail: q.Get("customer_email"),
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	resp := OrderListResponse{
		Orders:     make([]OrderResponse, 0, len(list)),
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	}
	for i := range list {
		resp.Orders = append(resp.Orders, toOrderResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req CancelRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	order, err := s.opts.Canceller.CancelOrder(r.Context(), orderID, req.Reason)
	switch {
	case errors.Is(err, db.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order_not_found", "order "+orderID+" not found")
		return
	case errors.Is(err, db.ErrInvalidStateTransition), errors.Is(err, db.ErrStaleStatus):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal_error", "")
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func toOrderResponse(o *db.Order) OrderResponse {
	return OrderResponse{
		ID:            o.ID,
		CustomerEmail: o.CustomerEmail,
		CustomerName:  o.CustomerName,
		TotalAmount:   o.TotalAmount.StringFixed(2),
		Status:        o.Status,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

func toItemResponses(items []db.OrderItem) []ItemResponse {
	out := make([]ItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, ItemResponse{
			ID:          it.ID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice.StringFixed(2),
			Subtotal:    it.Subtotal.StringFixed(2),
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}
