package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

const maxBodyBytes = 1 << 20

type createOrderRequest struct {
	CustomerID int64 `json:"customer_id"`
}

type itemRequest struct {
	OrderID   int64           `json:"order_id"`
	ProductID int64           `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type removeItemRequest struct {
	OrderID   int64 `json:"order_id"`
	ProductID int64 `json:"product_id"`
}

type itemResponse struct {
	ID          int64           `json:"id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type orderResponse struct {
	ID           int64           `json:"id"`
	OrderNumber  string          `json:"order_number"`
	CustomerID   int64           `json:"customer_id"`
	CustomerName string          `json:"customer_name,omitempty"`
	Status       string          `json:"status"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	OrderDate    time.Time       `json:"order_date"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Items        []itemResponse  `json:"items"`
}

// addItemResponse дополняет заказ признаком новой строки.
type addItemResponse struct {
	orderResponse
	IsNewItem bool `json:"is_new_item"`
}

type timelineEventResponse struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason"`
	Occurred time.Time `json:"occurred"`
}

type timelineResponse struct {
	OrderID int64                   `json:"order_id"`
	Events  []timelineEventResponse `json:"events"`
}

func toOrderResponse(order domain.Order) orderResponse {
	items := make([]itemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, itemResponse{
			ID:          item.ID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Subtotal:    item.Subtotal,
		})
	}
	return orderResponse{
		ID:           order.ID,
		OrderNumber:  order.OrderNumber,
		CustomerID:   order.CustomerID,
		CustomerName: order.CustomerName,
		Status:       string(order.Status),
		TotalAmount:  order.TotalAmount,
		OrderDate:    order.OrderDate,
		UpdatedAt:    order.UpdatedAt,
		Items:        items,
	}
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.CustomerID <= 0 {
		h.writeError(w, r, badRequest("customer_id must be positive"))
		return
	}

	order, err := h.orders.CreateOrder(r.Context(), req.CustomerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	req, err := decodeItemRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	order, inserted, err := h.orders.AddItem(r.Context(), req.OrderID, req.ProductID, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, addItemResponse{orderResponse: toOrderResponse(order), IsNewItem: inserted})
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	req, err := decodeItemRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.orders.UpdateItemQuantity(r.Context(), req.OrderID, req.ProductID, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	var req removeItemRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.OrderID <= 0 || req.ProductID <= 0 {
		h.writeError(w, r, badRequest("order_id and product_id must be positive"))
		return
	}

	order, err := h.orders.RemoveItem(r.Context(), req.OrderID, req.ProductID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := orderIDParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.orders.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	orderID, err := orderIDParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	events, err := h.orders.Timeline(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := timelineResponse{OrderID: orderID, Events: make([]timelineEventResponse, 0, len(events))}
	for _, event := range events {
		resp.Events = append(resp.Events, timelineEventResponse{
			Type:     event.Type,
			Reason:   event.Reason,
			Occurred: event.Occurred,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeItemRequest(r *http.Request) (itemRequest, error) {
	var req itemRequest
	if err := decodeBody(r, &req); err != nil {
		return itemRequest{}, err
	}
	if req.OrderID <= 0 || req.ProductID <= 0 {
		return itemRequest{}, badRequest("order_id and product_id must be positive")
	}
	return req, nil
}

// decodeBody читает JSON-тело целиком; лишние поля и хвост после объекта запрещены.
func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return badRequest("malformed request body: %v", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return badRequest("request body must contain a single JSON object")
	}
	return nil
}

func orderIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid order id %q", raw)
	}
	return id, nil
}
