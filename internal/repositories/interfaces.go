package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists order aggregates. Orders are never deleted.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// UpdateFulfilment writes status, assignment, updatedAt and version only when the stored
	// version still equals expectedVersion. A mismatch is reported as a conflict.
	UpdateFulfilment(ctx context.Context, order domain.Order, expectedVersion int64) error
	// SetExternalRef records the ERP identifier with a targeted field update.
	SetExternalRef(ctx context.Context, orderID, externalRef string, syncedAt time.Time) error
}

// ProductRepository is the read-only catalog accessor.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
}

// ActorRepository resolves stored roles for authenticated principals.
type ActorRepository interface {
	FindByID(ctx context.Context, actorID string) (domain.Actor, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderListFilter narrows order listings. Empty fields do not filter.
type OrderListFilter struct {
	CustomerRef         string
	AssignedDeliveryRef string
	Statuses            []domain.OrderStatus
	Type                domain.OrderType
	Pagination          domain.Pagination
}
