package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/pagination"
	"github.com/hanko-field/orders/internal/platform/textutil"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	orderEventCreated           = "order.created"
	orderEventStatusChanged     = "order.status_changed"
	orderEventAssignmentChanged = "order.assignment_changed"
	orderEventERPSynced         = "order.erp_synced"

	orderIDPrefix = "ord_"
	eventIDPrefix = "evt_"

	maxNoteRunes        = 500
	maxTableNumberRunes = 20
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderUnauthorized signals a missing or expired credential where one is required.
	ErrOrderUnauthorized = errors.New("order: unauthorized")
	// ErrOrderForbidden signals a valid identity lacking permission.
	ErrOrderForbidden = errors.New("order: access denied")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderConflict indicates an optimistic concurrency conflict or duplicate.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates a backing store or queue is temporarily unavailable.
	ErrOrderUnavailable = errors.New("order: unavailable")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders          repositories.OrderRepository
	Actors          repositories.ActorRepository
	Pricing         *PricingValidator
	Sync            SyncScheduler
	Events          OrderEventPublisher
	GuestReadWindow time.Duration
	Pages           pagination.Options
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders      repositories.OrderRepository
	actors      repositories.ActorRepository
	pricing     *PricingValidator
	sync        SyncScheduler
	events      OrderEventPublisher
	guestWindow time.Duration
	pages       pagination.Options
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Actors == nil {
		return nil, errors.New("order service: actor repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing validator is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	window := deps.GuestReadWindow
	if window <= 0 {
		window = defaultGuestReadWindow
	}

	return &orderService{
		orders:      deps.Orders,
		actors:      deps.Actors,
		pricing:     deps.Pricing,
		sync:        deps.Sync,
		events:      deps.Events,
		guestWindow: window,
		pages:       deps.Pages,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	priced, err := s.pricing.Price(ctx, cmd)
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	order := Order{
		ID:          orderIDPrefix + s.newID(),
		Type:        cmd.Type,
		Items:       priced.Items,
		TotalAmount: priced.TotalAmount,
		Status:      domain.OrderStatusPending,
		Customer:    sanitizeCustomer(cmd.Customer),
		Note:        textutil.PlainText(cmd.Note, maxNoteRunes),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if cmd.Actor != nil {
		order.CustomerRef = strings.TrimSpace(cmd.Actor.ID)
	}
	switch cmd.Type {
	case domain.OrderTypeDineIn:
		order.TableNumber = textutil.PlainText(cmd.TableNumber, maxTableNumberRunes)
	case domain.OrderTypeDelivery:
		address, err := sanitizeAddress(cmd.DeliveryAddress)
		if err != nil {
			return Order{}, err
		}
		order.DeliveryAddress = address
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:       orderEventCreated,
		OrderID:    order.ID,
		Status:     string(order.Status),
		ActorID:    order.CustomerRef,
		OccurredAt: now,
		Metadata: map[string]any{
			"orderType":   string(order.Type),
			"totalAmount": order.TotalAmount,
			"guest":       order.IsGuest(),
		},
	})

	if s.sync != nil {
		s.sync.Enqueue(order.ID)
	}

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := authorizeRead(cmd.Actor, order, s.now(), s.guestWindow); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, cmd ListOrdersCommand) (domain.CursorPage[Order], error) {
	filter, err := scopeListFilter(cmd.Actor, cmd.Filter)
	if err != nil {
		return domain.CursorPage[Order]{}, err
	}
	for _, status := range filter.Statuses {
		if !status.Valid() {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: unsupported order type %q", ErrOrderInvalidInput, filter.Type)
	}
	filter.Pagination.PageSize = pagination.Clamp(filter.Pagination.PageSize, s.pages)

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) SetStatus(ctx context.Context, cmd SetOrderStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target, err := parseStatus(cmd.Status)
	if err != nil {
		return Order{}, err
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	previous := order
	changed, err := applyStatus(&order, target, cmd.Actor)
	if err != nil {
		return Order{}, err
	}
	if !changed {
		return order, nil
	}

	updated, err := s.persistFulfilment(ctx, order, previous.Version, cmd.ExpectedVersion)
	if err != nil {
		return Order{}, err
	}
	s.publishChanges(ctx, previous, updated, cmd.Actor)
	return updated, nil
}

func (s *orderService) AssignDelivery(ctx context.Context, cmd AssignDeliveryCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if err := authorizeAssignment(cmd.Actor); err != nil {
		return Order{}, err
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	previous := order
	changed, err := s.applyAssignment(ctx, &order, cmd.DeliveryRef, cmd.Actor)
	if err != nil {
		return Order{}, err
	}
	if !changed {
		return order, nil
	}

	updated, err := s.persistFulfilment(ctx, order, previous.Version, cmd.ExpectedVersion)
	if err != nil {
		return Order{}, err
	}
	s.publishChanges(ctx, previous, updated, cmd.Actor)
	return updated, nil
}

// UpdateOrder applies assignment first and then status, persisting both in a single versioned write.
func (s *orderService) UpdateOrder(ctx context.Context, cmd UpdateOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.Status == nil && cmd.AssignedDeliveryRef == nil {
		return Order{}, fmt.Errorf("%w: status or assignedDeliveryRef is required", ErrOrderInvalidInput)
	}

	var target OrderStatus
	if cmd.Status != nil {
		parsed, err := parseStatus(*cmd.Status)
		if err != nil {
			return Order{}, err
		}
		target = parsed
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	previous := order
	changed := false
	if cmd.AssignedDeliveryRef != nil {
		assigned, err := s.applyAssignment(ctx, &order, *cmd.AssignedDeliveryRef, cmd.Actor)
		if err != nil {
			return Order{}, err
		}
		changed = changed || assigned
	}
	if target != "" {
		moved, err := applyStatus(&order, target, cmd.Actor)
		if err != nil {
			return Order{}, err
		}
		changed = changed || moved
	}
	if !changed {
		return order, nil
	}

	updated, err := s.persistFulfilment(ctx, order, previous.Version, cmd.ExpectedVersion)
	if err != nil {
		return Order{}, err
	}
	s.publishChanges(ctx, previous, updated, cmd.Actor)
	return updated, nil
}

// RequestExternalSync queues a manual ERP sync for an order that has not been mirrored yet.
func (s *orderService) RequestExternalSync(ctx context.Context, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	if order.ExternalRef != "" {
		return fmt.Errorf("%w: order already synced as %s", ErrOrderConflict, order.ExternalRef)
	}
	if s.sync == nil || !s.sync.Enabled() {
		return fmt.Errorf("%w: external sync is not configured", ErrOrderUnavailable)
	}
	if !s.sync.Enqueue(order.ID) {
		return fmt.Errorf("%w: sync queue is full", ErrOrderUnavailable)
	}
	return nil
}

// applyStatus checks permissions and moves the order in memory. It reports false for a no-op.
func applyStatus(order *Order, target OrderStatus, actor *Actor) (bool, error) {
	if err := authorizeTransition(actor, *order, target); err != nil {
		return false, err
	}
	if target.DeliveryOnly() && order.Type != domain.OrderTypeDelivery {
		return false, fmt.Errorf("%w: status %q applies to delivery orders only", ErrOrderInvalidInput, target)
	}
	if order.Status == target {
		return false, nil
	}
	order.Status = target
	return true, nil
}

func (s *orderService) applyAssignment(ctx context.Context, order *Order, deliveryRef string, actor *Actor) (bool, error) {
	if err := authorizeAssignment(actor); err != nil {
		return false, err
	}
	deliveryRef = strings.TrimSpace(deliveryRef)
	if order.Type != domain.OrderTypeDelivery {
		if deliveryRef == "" {
			return false, nil
		}
		return false, fmt.Errorf("%w: only delivery orders can be assigned", ErrOrderInvalidInput)
	}
	if deliveryRef == strings.TrimSpace(order.AssignedDeliveryRef) {
		return false, nil
	}

	if deliveryRef != "" {
		courier, err := s.actors.FindByID(ctx, deliveryRef)
		if err != nil {
			switch {
			case isRepoNotFound(err):
				return false, fmt.Errorf("%w: delivery actor %q not found", ErrOrderInvalidInput, deliveryRef)
			case isRepoUnavailable(err):
				return false, fmt.Errorf("%w: actor lookup failed: %v", ErrOrderUnavailable, err)
			default:
				return false, err
			}
		}
		if courier.Role != domain.RoleDelivery {
			return false, fmt.Errorf("%w: actor %q is not a delivery actor", ErrOrderInvalidInput, deliveryRef)
		}
	}

	order.AssignedDeliveryRef = deliveryRef
	return true, nil
}

// persistFulfilment writes status and assignment guarded by the version the caller observed.
func (s *orderService) persistFulfilment(ctx context.Context, order Order, loadedVersion int64, expected *int64) (Order, error) {
	version := loadedVersion
	if expected != nil {
		if *expected != loadedVersion {
			return Order{}, fmt.Errorf("%w: order version is %d, expected %d", ErrOrderConflict, loadedVersion, *expected)
		}
		version = *expected
	}

	order.UpdatedAt = s.now()
	if err := s.orders.UpdateFulfilment(ctx, order, version); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	order.Version = version + 1
	return order, nil
}

func (s *orderService) publishChanges(ctx context.Context, previous, current Order, actor *Actor) {
	actorID := ""
	if actor != nil {
		actorID = actor.ID
	}
	if previous.AssignedDeliveryRef != current.AssignedDeliveryRef {
		s.publishEvent(ctx, OrderEvent{
			Type:       orderEventAssignmentChanged,
			OrderID:    current.ID,
			Status:     string(current.Status),
			ActorID:    actorID,
			OccurredAt: current.UpdatedAt,
			Metadata: map[string]any{
				"previousDeliveryRef": previous.AssignedDeliveryRef,
				"deliveryRef":         current.AssignedDeliveryRef,
			},
		})
	}
	if previous.Status != current.Status {
		s.publishEvent(ctx, OrderEvent{
			Type:           orderEventStatusChanged,
			OrderID:        current.ID,
			Status:         string(current.Status),
			PreviousStatus: string(previous.Status),
			ActorID:        actorID,
			OccurredAt:     current.UpdatedAt,
		})
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pagination.ErrInvalidPageToken) {
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}

	return err
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	publishOrderEvent(ctx, s.events, s.logger, s.newID, event)
}

// publishOrderEvent is shared with the synchronizer. Publish failures are logged only.
func publishOrderEvent(ctx context.Context, events OrderEventPublisher, logger func(context.Context, string, map[string]any), newID func() string, event OrderEvent) {
	if events == nil {
		return
	}
	if event.ID == "" {
		event.ID = eventIDPrefix + newID()
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := events.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.Status,
		})
	}
}

func sanitizeCustomer(info CustomerInfo) CustomerInfo {
	return CustomerInfo{
		Name:  textutil.PlainText(info.Name, maxDisplayNameRunes),
		Phone: textutil.PlainText(info.Phone, maxDisplayNameRunes),
		Email: textutil.PlainText(info.Email, maxDisplayNameRunes),
	}
}

func sanitizeAddress(addr *DeliveryAddress) (*DeliveryAddress, error) {
	if addr == nil {
		return nil, fmt.Errorf("%w: delivery address is required for delivery orders", ErrOrderInvalidInput)
	}
	cleaned := &DeliveryAddress{
		Line:       textutil.PlainText(addr.Line, maxAddressRunes),
		Detail:     textutil.PlainText(addr.Detail, maxAddressRunes),
		PostalCode: textutil.PlainText(addr.PostalCode, maxTableNumberRunes),
	}
	if cleaned.Line == "" {
		return nil, fmt.Errorf("%w: delivery address line is required", ErrOrderInvalidInput)
	}
	if (addr.Latitude == nil) != (addr.Longitude == nil) {
		return nil, fmt.Errorf("%w: latitude and longitude must be supplied together", ErrOrderInvalidInput)
	}
	if addr.Latitude != nil {
		lat, lng := *addr.Latitude, *addr.Longitude
		if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
			return nil, fmt.Errorf("%w: coordinates out of range", ErrOrderInvalidInput)
		}
		cleaned.Latitude = &lat
		cleaned.Longitude = &lng
	}
	return cleaned, nil
}
