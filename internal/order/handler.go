package order

import (
	"encoding/json"
	"errors"
	"net/http"

	"mitienda-be/internal/logger"
	"mitienda-be/internal/middleware"
	"mitienda-be/internal/payment"
	"mitienda-be/internal/product"
	"mitienda-be/internal/utils"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

type createOrderRequest struct {
	Email string `json:"email"`
	Items []struct {
		ProductID uint `json:"product_id"`
		Quantity  int  `json:"quantity"`
	} `json:"items"`
	ShippingFee    decimal.Decimal `json:"shipping_fee"`
	ManualTransfer bool            `json:"manual_transfer"`
}

func (h *Handler) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := middleware.UserIDFromContext(ctx)
	if !ok {
		utils.WriteJSONError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || len(req.Items) == 0 {
		utils.WriteJSONError(w, "missing email or items", http.StatusBadRequest)
		return
	}

	items := make([]NewOrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, NewOrderItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	o, err := h.svc.CreateOrder(ctx, userID, req.Email, items, req.ShippingFee, req.ManualTransfer)
	if err != nil {
		switch {
		case errors.Is(err, product.ErrProductNotFound):
			utils.WriteJSONError(w, "unknown product", http.StatusUnprocessableEntity)
		case errors.Is(err, ErrInsufficientStock):
			utils.WriteJSONError(w, "insufficient stock", http.StatusConflict)
		case errors.Is(err, ErrUnauthorized):
			utils.WriteJSONError(w, "unauthenticated", http.StatusUnauthorized)
		default:
			utils.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	utils.WriteJSON(w, map[string]any{
		"order_id": o.ID,
		"status":   string(o.Status),
		"total":    o.TotalAmount.String(),
	}, http.StatusCreated)
}

// GetDetailHandler serves a customer's own order, or any order for an admin.
func (h *Handler) GetDetailHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := middleware.UserIDFromContext(ctx)
	if !ok {
		utils.WriteJSONError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	orderID, err := utils.ToUint(r.PathValue("id"))
	if err != nil || orderID == 0 {
		utils.WriteJSONError(w, "invalid order id", http.StatusBadRequest)
		return
	}

	o, err := h.svc.GetDetail(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			utils.WriteJSONError(w, "order not found", http.StatusNotFound)
			return
		}
		logger.FromCtx(ctx).Error("failed to load order", zap.Error(err))
		utils.WriteJSONError(w, "failed to load order", http.StatusInternalServerError)
		return
	}

	if o.UserID != userID && middleware.RoleFromContext(ctx) != "ADMIN" {
		// Indistinguishable from a missing order on purpose.
		utils.WriteJSONError(w, "order not found", http.StatusNotFound)
		return
	}

	type itemView struct {
		ProductID uint   `json:"product_id"`
		Quantity  int    `json:"quantity"`
		UnitPrice string `json:"unit_price"`
	}
	items := make([]itemView, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, itemView{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.String(),
		})
	}

	utils.WriteJSON(w, map[string]any{
		"order_id":        o.ID,
		"status":          string(o.Status),
		"total":           o.TotalAmount.String(),
		"tracking_number": utils.PtrString(o.TrackingNumber),
		"items":           items,
	}, http.StatusOK)
}

type cancelRequest struct {
	OrderID uint `json:"order_id"`
}

// CancelByCustomerHandler lets a customer cancel their own recently approved
// order. The response distinguishes refund failure from ineligibility: a
// failed refund means nothing changed.
func (h *Handler) CancelByCustomerHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := middleware.UserIDFromContext(ctx)
	if !ok {
		utils.WriteJSONError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == 0 {
		utils.WriteJSONError(w, "missing order_id", http.StatusBadRequest)
		return
	}

	if err := h.svc.CancelByCustomer(ctx, userID, req.OrderID); err != nil {
		writeCancelError(w, r, err)
		return
	}

	utils.WriteJSON(w, map[string]string{"status": "cancelled"}, http.StatusOK)
}

func (h *Handler) CancelByAdminHandler(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == 0 {
		utils.WriteJSONError(w, "missing order_id", http.StatusBadRequest)
		return
	}

	if err := h.svc.CancelByAdmin(r.Context(), req.OrderID); err != nil {
		writeCancelError(w, r, err)
		return
	}

	utils.WriteJSON(w, map[string]string{"status": "cancelled"}, http.StatusOK)
}

func writeCancelError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		utils.WriteJSONError(w, "order not found", http.StatusNotFound)
	case errors.Is(err, ErrUnauthorized):
		utils.WriteJSONError(w, "cannot cancel another customer's order", http.StatusForbidden)
	case errors.Is(err, ErrNotEligible):
		utils.WriteJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, payment.ErrRefundFailed):
		utils.WriteJSONError(w, "refund failed, order unchanged", http.StatusBadGateway)
	default:
		logger.FromCtx(r.Context()).Error("cancellation failed", zap.Error(err))
		utils.WriteJSONError(w, "cancellation failed", http.StatusInternalServerError)
	}
}

type trackingRequest struct {
	OrderID        uint   `json:"order_id"`
	TrackingNumber string `json:"tracking_number"`
}

func (h *Handler) SetTrackingHandler(w http.ResponseWriter, r *http.Request) {
	var req trackingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == 0 || req.TrackingNumber == "" {
		utils.WriteJSONError(w, "missing order_id or tracking_number", http.StatusBadRequest)
		return
	}

	if err := h.svc.SetTracking(r.Context(), req.OrderID, req.TrackingNumber); err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			utils.WriteJSONError(w, "no approved order with that id", http.StatusNotFound)
			return
		}
		utils.WriteJSONError(w, "failed to set tracking number", http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(w, map[string]string{"status": "updated"}, http.StatusOK)
}
