package services

import (
	"context"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Actor              = domain.Actor
	Order              = domain.Order
	OrderLineItem      = domain.OrderLineItem
	OrderStatus        = domain.OrderStatus
	OrderType          = domain.OrderType
	DeliveryAddress    = domain.DeliveryAddress
	CustomerInfo       = domain.CustomerInfo
	Product            = domain.Product
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService owns order intake, the role-gated status machine and delivery assignment.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	ListOrders(ctx context.Context, cmd ListOrdersCommand) (domain.CursorPage[Order], error)
	SetStatus(ctx context.Context, cmd SetOrderStatusCommand) (Order, error)
	AssignDelivery(ctx context.Context, cmd AssignDeliveryCommand) (Order, error)
	UpdateOrder(ctx context.Context, cmd UpdateOrderCommand) (Order, error)
	RequestExternalSync(ctx context.Context, orderID string) error
}

// ExternalSyncer mirrors a persisted order into the ERP. Implementations never return sync
// failures to the order flow; the error is for the worker's bookkeeping only.
type ExternalSyncer interface {
	Enabled() bool
	SyncOrder(ctx context.Context, orderID string) error
}

// SyncScheduler hands order ids to the background sync workers without blocking.
type SyncScheduler interface {
	Enabled() bool
	Enqueue(orderID string) bool
}

// SystemService aggregates utility endpoints (health checks).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderListFilter is shared with the repository layer.
type OrderListFilter = repositories.OrderListFilter

// OrderItemInput is one requested cart line. UnitPrice is the client's price including add-ons.
type OrderItemInput struct {
	ProductRef  string
	Quantity    int
	UnitPrice   int64
	DisplayName string
}

type CreateOrderCommand struct {
	Actor           *Actor
	Type            OrderType
	Items           []OrderItemInput
	TableNumber     string
	DeliveryAddress *DeliveryAddress
	Customer        CustomerInfo
	Note            string
}

type GetOrderCommand struct {
	OrderID string
	Actor   *Actor
}

type ListOrdersCommand struct {
	Actor  *Actor
	Filter OrderListFilter
}

// SetOrderStatusCommand carries the raw target so malformed values surface as invalid input.
type SetOrderStatusCommand struct {
	OrderID         string
	Status          string
	Actor           *Actor
	ExpectedVersion *int64
}

// AssignDeliveryCommand sets or, with an empty DeliveryRef, clears the courier.
type AssignDeliveryCommand struct {
	OrderID         string
	DeliveryRef     string
	Actor           *Actor
	ExpectedVersion *int64
}

// UpdateOrderCommand is a combined patch. Nil fields are left unchanged; a non-nil empty
// AssignedDeliveryRef clears the assignment.
type UpdateOrderCommand struct {
	OrderID             string
	Status              *string
	AssignedDeliveryRef *string
	Actor               *Actor
	ExpectedVersion     *int64
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	ID             string
	Type           string
	OrderID        string
	Status         string
	PreviousStatus string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}
