package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/services"
)

// InternalOrderHandlers serves operator endpoints called by trusted services.
type InternalOrderHandlers struct {
	orders services.OrderService
}

// NewInternalOrderHandlers constructs handlers for /internal/orders.
func NewInternalOrderHandlers(orders services.OrderService) *InternalOrderHandlers {
	return &InternalOrderHandlers{orders: orders}
}

// Routes registers the internal order endpoints relative to /internal.
func (h *InternalOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderID}:sync-erp", h.requestSync)
}

type syncAcceptedResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

func (h *InternalOrderHandlers) requestSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if err := h.orders.RequestExternalSync(ctx, orderID); err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	caller := ""
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok {
		caller = svc.Subject
	}
	requestctx.Logger(ctx).Info("erp sync requested", zap.String("orderId", orderID), zap.String("caller", caller))

	httpx.WriteJSON(w, http.StatusAccepted, syncAcceptedResponse{OrderID: orderID, Status: "queued"})
}
