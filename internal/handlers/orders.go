package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/platform/observability"
	"github.com/hanko-field/orders/internal/platform/pagination"
	"github.com/hanko-field/orders/internal/services"
)

const (
	maxCreateOrderBodySize = 64 * 1024
	maxUpdateOrderBodySize = 4 * 1024
)

// OrderHandlers exposes the /orders endpoints.
type OrderHandlers struct {
	authn        *auth.Authenticator
	orders       services.OrderService
	guestLimiter rateLimiter
	createMW     []func(http.Handler) http.Handler
	pages        pagination.Options
}

// OrderHandlersOption customises order handler construction.
type OrderHandlersOption func(*OrderHandlers)

// WithGuestOrderRateLimit throttles order creation by guests per client address.
func WithGuestOrderRateLimit(perMinute, burst int) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.guestLimiter = newKeyedRateLimiter(perMinute, burst, nil)
	}
}

// WithCreateOrderMiddlewares wraps only the create endpoint, e.g. with idempotency.
func WithCreateOrderMiddlewares(mw ...func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.createMW = append(h.createMW, mw...)
	}
}

// WithOrderPageOptions sets list paging limits.
func WithOrderPageOptions(opts pagination.Options) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.pages = opts
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}

	r.Group(func(open chi.Router) {
		if h.authn != nil {
			open.Use(h.authn.OptionalAuth())
		}
		open.Use(observability.IdentityRecorder)
		create := append([]func(http.Handler) http.Handler{h.throttleGuests}, h.createMW...)
		open.With(create...).Post("/", h.createOrder)
		open.Get("/{orderID}", h.getOrder)
	})

	r.Group(func(authed chi.Router) {
		if h.authn != nil {
			authed.Use(h.authn.RequireAuth())
		}
		authed.Use(observability.IdentityRecorder)
		authed.Get("/", h.listOrders)
		authed.Patch("/{orderID}", h.updateOrder)
		authed.Put("/{orderID}/status", h.setStatus)
	})

	r.Group(func(admin chi.Router) {
		if h.authn != nil {
			admin.Use(h.authn.RequireAuth(domain.RoleAdmin))
		}
		admin.Use(observability.IdentityRecorder)
		admin.Put("/{orderID}/assignment", h.assignDelivery)
	})
}

func (h *OrderHandlers) throttleGuests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.guestLimiter != nil && auth.ActorFromContext(r.Context()) == nil {
			if !h.guestLimiter.Allow(clientKey(r)) {
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many guest orders, retry later", http.StatusTooManyRequests).WithRetryAfter(time.Minute))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type createOrderRequest struct {
	Items           []orderItemRequest      `json:"items"`
	OrderType       string                  `json:"orderType"`
	TableNumber     string                  `json:"tableNumber"`
	DeliveryAddress *deliveryAddressPayload `json:"deliveryAddress"`
	CustomerInfo    *customerInfoPayload    `json:"customerInfo"`
	Note            string                  `json:"note"`
}

type orderItemRequest struct {
	ProductRef  string `json:"productRef"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice"`
	DisplayName string `json:"displayName"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	var req createOrderRequest
	if !decodeBody(ctx, w, r, maxCreateOrderBodySize, &req) {
		return
	}

	cmd := services.CreateOrderCommand{
		Actor:       auth.ActorFromContext(ctx),
		Type:        domain.OrderType(strings.ToLower(strings.TrimSpace(req.OrderType))),
		Items:       make([]services.OrderItemInput, 0, len(req.Items)),
		TableNumber: req.TableNumber,
		Note:        req.Note,
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.OrderItemInput{
			ProductRef:  strings.TrimSpace(item.ProductRef),
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			DisplayName: item.DisplayName,
		})
	}
	if req.DeliveryAddress != nil {
		cmd.DeliveryAddress = &services.DeliveryAddress{
			Line:       req.DeliveryAddress.Line,
			Detail:     req.DeliveryAddress.Detail,
			PostalCode: req.DeliveryAddress.PostalCode,
			Latitude:   req.DeliveryAddress.Latitude,
			Longitude:  req.DeliveryAddress.Longitude,
		}
	}
	if req.CustomerInfo != nil {
		cmd.Customer = services.CustomerInfo{
			Name:  req.CustomerInfo.Name,
			Phone: req.CustomerInfo.Phone,
			Email: req.CustomerInfo.Email,
		}
	}

	order, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	writeOrder(w, http.StatusCreated, order)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	actor := auth.ActorFromContext(ctx)
	if actor == nil {
		if credErr, presented := auth.CredentialError(ctx); presented {
			if errors.Is(credErr, auth.ErrRoleLookup) {
				httpx.WriteError(ctx, w, httpx.NewError("identity_unavailable", "unable to resolve caller role", http.StatusServiceUnavailable))
				return
			}
			writeOrderError(ctx, w, services.ErrOrderUnauthorized)
			return
		}
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Actor:   actor,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeOrder(w, http.StatusOK, order)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	actor := auth.ActorFromContext(ctx)
	if actor == nil {
		writeOrderError(ctx, w, services.ErrOrderUnauthorized)
		return
	}

	query := r.URL.Query()
	params, err := pagination.Parse(query, h.pages)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.OrderListFilter{
		CustomerRef:         strings.TrimSpace(query.Get("customerRef")),
		AssignedDeliveryRef: strings.TrimSpace(query.Get("assignedDeliveryRef")),
		Type:                domain.OrderType(strings.ToLower(strings.TrimSpace(query.Get("orderType")))),
		Pagination: services.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	}
	for _, status := range parseFilterValues(query["status"]) {
		filter.Statuses = append(filter.Statuses, domain.OrderStatus(status))
	}

	page, err := h.orders.ListOrders(ctx, services.ListOrdersCommand{Actor: actor, Filter: filter})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	response := orderListResponse{
		Items:         make([]orderPayload, 0, len(page.Items)),
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	}
	for _, order := range page.Items {
		response.Items = append(response.Items, buildOrderPayload(order))
	}
	httpx.WriteJSON(w, http.StatusOK, response)
}

func (h *OrderHandlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	expected, ok := expectedVersion(ctx, w, r)
	if !ok {
		return
	}

	var raw map[string]json.RawMessage
	if !decodeBody(ctx, w, r, maxUpdateOrderBodySize, &raw) {
		return
	}

	cmd := services.UpdateOrderCommand{
		OrderID:         chi.URLParam(r, "orderID"),
		Actor:           auth.ActorFromContext(ctx),
		ExpectedVersion: expected,
	}
	if value, present := raw["status"]; present {
		status, err := decodeOptionalString(value)
		if err != nil || status == nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", "status must be a string", http.StatusBadRequest))
			return
		}
		cmd.Status = status
	}
	if value, present := raw["assignedDeliveryRef"]; present {
		ref, err := decodeOptionalString(value)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", "assignedDeliveryRef must be a string or null", http.StatusBadRequest))
			return
		}
		if ref == nil {
			cleared := ""
			ref = &cleared
		}
		cmd.AssignedDeliveryRef = ref
	}

	order, err := h.orders.UpdateOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeOrder(w, http.StatusOK, order)
}

func (h *OrderHandlers) setStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	expected, ok := expectedVersion(ctx, w, r)
	if !ok {
		return
	}

	var req setStatusRequest
	if !decodeBody(ctx, w, r, maxUpdateOrderBodySize, &req) {
		return
	}

	order, err := h.orders.SetStatus(ctx, services.SetOrderStatusCommand{
		OrderID:         chi.URLParam(r, "orderID"),
		Status:          req.Status,
		Actor:           auth.ActorFromContext(ctx),
		ExpectedVersion: expected,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeOrder(w, http.StatusOK, order)
}

func (h *OrderHandlers) assignDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	expected, ok := expectedVersion(ctx, w, r)
	if !ok {
		return
	}

	var raw map[string]json.RawMessage
	if !decodeBody(ctx, w, r, maxUpdateOrderBodySize, &raw) {
		return
	}
	value, present := raw["assignedDeliveryRef"]
	if !present {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", "assignedDeliveryRef is required (null clears the assignment)", http.StatusBadRequest))
		return
	}
	ref, err := decodeOptionalString(value)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", "assignedDeliveryRef must be a string or null", http.StatusBadRequest))
		return
	}

	cmd := services.AssignDeliveryCommand{
		OrderID:         chi.URLParam(r, "orderID"),
		Actor:           auth.ActorFromContext(ctx),
		ExpectedVersion: expected,
	}
	if ref != nil {
		cmd.DeliveryRef = *ref
	}

	order, err := h.orders.AssignDelivery(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeOrder(w, http.StatusOK, order)
}

func expectedVersion(ctx context.Context, w http.ResponseWriter, r *http.Request) (*int64, bool) {
	version, err := parseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
		return nil, false
	}
	return version, true
}

func decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

// decodeOptionalString returns nil for an explicit JSON null.
func decodeOptionalString(raw json.RawMessage) (*string, error) {
	if strings.TrimSpace(string(raw)) == "null" {
		return nil, nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return &value, nil
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID                  string                  `json:"id"`
	CustomerRef         string                  `json:"customerRef,omitempty"`
	OrderType           string                  `json:"orderType"`
	Status              string                  `json:"status"`
	Items               []orderItemPayload      `json:"items"`
	TotalAmount         int64                   `json:"totalAmount"`
	TableNumber         string                  `json:"tableNumber,omitempty"`
	DeliveryAddress     *deliveryAddressPayload `json:"deliveryAddress,omitempty"`
	AssignedDeliveryRef string                  `json:"assignedDeliveryRef,omitempty"`
	ExternalRef         string                  `json:"externalRef,omitempty"`
	ExternalSyncedAt    string                  `json:"externalSyncedAt,omitempty"`
	CustomerInfo        *customerInfoPayload    `json:"customerInfo,omitempty"`
	Note                string                  `json:"note,omitempty"`
	Version             int64                   `json:"version"`
	CreatedAt           string                  `json:"createdAt"`
	UpdatedAt           string                  `json:"updatedAt,omitempty"`
}

type orderItemPayload struct {
	ProductRef  string `json:"productRef"`
	DisplayName string `json:"displayName,omitempty"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice"`
	LineTotal   int64  `json:"lineTotal"`
}

type deliveryAddressPayload struct {
	Line       string   `json:"line"`
	Detail     string   `json:"detail,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
}

type customerInfoPayload struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:                  order.ID,
		CustomerRef:         order.CustomerRef,
		OrderType:           string(order.Type),
		Status:              string(order.Status),
		Items:               make([]orderItemPayload, 0, len(order.Items)),
		TotalAmount:         order.TotalAmount,
		TableNumber:         order.TableNumber,
		AssignedDeliveryRef: order.AssignedDeliveryRef,
		ExternalRef:         order.ExternalRef,
		Note:                order.Note,
		Version:             order.Version,
		CreatedAt:           formatTime(order.CreatedAt),
		UpdatedAt:           formatTime(order.UpdatedAt),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductRef:  item.ProductRef,
			DisplayName: item.DisplayName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			LineTotal:   item.LineTotal(),
		})
	}
	if order.ExternalSyncedAt != nil {
		payload.ExternalSyncedAt = formatTime(*order.ExternalSyncedAt)
	}
	if addr := order.DeliveryAddress; addr != nil {
		payload.DeliveryAddress = &deliveryAddressPayload{
			Line:       addr.Line,
			Detail:     addr.Detail,
			PostalCode: addr.PostalCode,
			Latitude:   addr.Latitude,
			Longitude:  addr.Longitude,
		}
	}
	if order.Customer != (services.CustomerInfo{}) {
		payload.CustomerInfo = &customerInfoPayload{
			Name:  order.Customer.Name,
			Phone: order.Customer.Phone,
			Email: order.Customer.Email,
		}
	}
	return payload
}

func writeOrder(w http.ResponseWriter, status int, order services.Order) {
	httpx.WriteVersioned(w, status, order.Version, orderResponse{Order: buildOrderPayload(order)})
}

func writeServiceUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", errorDetail(err, services.ErrOrderInvalidInput), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderUnauthorized):
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("access_denied", "access denied", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", errorDetail(err, services.ErrOrderConflict), http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("unavailable", errorDetail(err, services.ErrOrderUnavailable), http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal", "failed to process order request", http.StatusInternalServerError))
	}
}

// errorDetail strips the sentinel prefix so clients see only the actionable part.
func errorDetail(err error, sentinel error) string {
	msg := err.Error()
	if trimmed := strings.TrimPrefix(msg, sentinel.Error()+": "); trimmed != "" {
		return trimmed
	}
	return msg
}
