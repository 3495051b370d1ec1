package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

type testRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e testRepoError) Error() string       { return "repository error" }
func (e testRepoError) IsNotFound() bool    { return e.notFound }
func (e testRepoError) IsConflict() bool    { return e.conflict }
func (e testRepoError) IsUnavailable() bool { return e.unavailable }

// memoryOrderRepo mimics the Firestore adapter: versioned fulfilment updates and targeted
// external ref writes.
type memoryOrderRepo struct {
	mu            sync.Mutex
	orders        map[string]domain.Order
	inserts       int
	updates       int
	lastFilter    repositories.OrderListFilter
	updateErr     error
	externalCalls int
}

func newMemoryOrderRepo(orders ...domain.Order) *memoryOrderRepo {
	repo := &memoryOrderRepo{orders: map[string]domain.Order{}}
	for _, order := range orders {
		repo.orders[order.ID] = order
	}
	return repo
}

func (r *memoryOrderRepo) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; exists {
		return testRepoError{conflict: true}
	}
	r.inserts++
	r.orders[order.ID] = order
	return nil
}

func (r *memoryOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, testRepoError{notFound: true}
	}
	return order, nil
}

func (r *memoryOrderRepo) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastFilter = filter
	page := domain.CursorPage[domain.Order]{}
	for _, order := range r.orders {
		if filter.CustomerRef != "" && order.CustomerRef != filter.CustomerRef {
			continue
		}
		if filter.AssignedDeliveryRef != "" && order.AssignedDeliveryRef != filter.AssignedDeliveryRef {
			continue
		}
		page.Items = append(page.Items, order)
	}
	return page, nil
}

func (r *memoryOrderRepo) UpdateFulfilment(_ context.Context, order domain.Order, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	stored, ok := r.orders[order.ID]
	if !ok {
		return testRepoError{notFound: true}
	}
	if stored.Version != expectedVersion {
		return testRepoError{conflict: true}
	}
	r.updates++
	stored.Status = order.Status
	stored.AssignedDeliveryRef = order.AssignedDeliveryRef
	stored.UpdatedAt = order.UpdatedAt
	stored.Version = expectedVersion + 1
	r.orders[order.ID] = stored
	return nil
}

func (r *memoryOrderRepo) SetExternalRef(_ context.Context, orderID, externalRef string, syncedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.externalCalls++
	stored, ok := r.orders[orderID]
	if !ok {
		return testRepoError{notFound: true}
	}
	stored.ExternalRef = externalRef
	stored.ExternalSyncedAt = &syncedAt
	r.orders[orderID] = stored
	return nil
}

func (r *memoryOrderRepo) get(orderID string) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[orderID]
}

type stubProductRepo struct {
	products map[string]domain.Product
	err      error
}

func (s *stubProductRepo) FindByID(_ context.Context, productID string) (domain.Product, error) {
	if s.err != nil {
		return domain.Product{}, s.err
	}
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, testRepoError{notFound: true}
	}
	return product, nil
}

type stubActorRepo struct {
	actors map[string]domain.Actor
}

func (s *stubActorRepo) FindByID(_ context.Context, actorID string) (domain.Actor, error) {
	actor, ok := s.actors[actorID]
	if !ok {
		return domain.Actor{}, testRepoError{notFound: true}
	}
	return actor, nil
}

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureOrderEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, event := range c.events {
		out = append(out, event.Type)
	}
	return out
}

var (
	testNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	adminActor    = &domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	customerActor = &domain.Actor{ID: "cust-1", Role: domain.RoleCustomer}
	otherCustomer = &domain.Actor{ID: "cust-2", Role: domain.RoleCustomer}
	courierActor  = &domain.Actor{ID: "courier-1", Role: domain.RoleDelivery}
	otherCourier  = &domain.Actor{ID: "courier-2", Role: domain.RoleDelivery}
)

func testCatalog() *stubProductRepo {
	return &stubProductRepo{products: map[string]domain.Product{
		"prod-a": {ID: "prod-a", Name: "Shoyu Ramen", Price: 1000, Available: true},
		"prod-b": {ID: "prod-b", Name: "Gyoza", Price: 500, Available: true},
		"prod-x": {ID: "prod-x", Name: "Seasonal Special", Price: 800, Available: false},
	}}
}

func testActors() *stubActorRepo {
	return &stubActorRepo{actors: map[string]domain.Actor{
		"courier-1": {ID: "courier-1", Role: domain.RoleDelivery},
		"courier-2": {ID: "courier-2", Role: domain.RoleDelivery},
		"cust-1":    {ID: "cust-1", Role: domain.RoleCustomer},
	}}
}

type orderServiceFixture struct {
	svc    OrderService
	orders *memoryOrderRepo
	events *captureOrderEvents
	sync   *stubSyncScheduler
	now    *time.Time
}

func newOrderServiceFixture(t *testing.T, seed ...domain.Order) orderServiceFixture {
	t.Helper()
	pricing, err := NewPricingValidator(PricingValidatorDeps{Products: testCatalog()})
	if err != nil {
		t.Fatalf("NewPricingValidator: %v", err)
	}
	now := testNow
	fx := orderServiceFixture{
		orders: newMemoryOrderRepo(seed...),
		events: &captureOrderEvents{},
		sync:   &stubSyncScheduler{enabled: true, accept: true},
		now:    &now,
	}
	ids := 0
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:  fx.orders,
		Actors:  testActors(),
		Pricing: pricing,
		Sync:    fx.sync,
		Events:  fx.events,
		Clock:   func() time.Time { return *fx.now },
		IDGenerator: func() string {
			ids++
			return "TEST" + string(rune('A'+ids-1))
		},
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	fx.svc = svc
	return fx
}

func deliveryOrder(status domain.OrderStatus, courier string) domain.Order {
	return domain.Order{
		ID:                  "ord_delivery",
		CustomerRef:         "cust-1",
		Type:                domain.OrderTypeDelivery,
		DeliveryAddress:     &domain.DeliveryAddress{Line: "1-2-3 Shibuya"},
		Items:               []domain.OrderLineItem{{ProductRef: "prod-a", DisplayName: "Shoyu Ramen", Quantity: 1, UnitPrice: 1000}},
		TotalAmount:         1000,
		Status:              status,
		AssignedDeliveryRef: courier,
		Version:             3,
		CreatedAt:           testNow.Add(-2 * time.Hour),
		UpdatedAt:           testNow.Add(-time.Hour),
	}
}

func takeoutOrder(status domain.OrderStatus) domain.Order {
	return domain.Order{
		ID:          "ord_takeout",
		CustomerRef: "cust-1",
		Type:        domain.OrderTypeTakeout,
		Items:       []domain.OrderLineItem{{ProductRef: "prod-b", DisplayName: "Gyoza", Quantity: 2, UnitPrice: 500}},
		TotalAmount: 1000,
		Status:      status,
		Version:     1,
		CreatedAt:   testNow.Add(-30 * time.Minute),
		UpdatedAt:   testNow.Add(-30 * time.Minute),
	}
}

func TestOrderServiceEndToEndExample(t *testing.T) {
	fx := newOrderServiceFixture(t)
	ctx := context.Background()

	order, err := fx.svc.CreateOrder(ctx, CreateOrderCommand{
		Type: domain.OrderTypeTakeout,
		Items: []OrderItemInput{
			{ProductRef: "prod-a", Quantity: 2, UnitPrice: 1200, DisplayName: "Shoyu Ramen + egg"},
			{ProductRef: "prod-b", Quantity: 1, UnitPrice: 500},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.TotalAmount != 2900 {
		t.Fatalf("expected total 2900, got %d", order.TotalAmount)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", order.Status)
	}
	if !order.IsGuest() {
		t.Fatalf("expected guest order, got customer %q", order.CustomerRef)
	}
	if order.Items[0].DisplayName != "Shoyu Ramen + egg" || order.Items[1].DisplayName != "Gyoza" {
		t.Fatalf("unexpected display names %+v", order.Items)
	}
	if len(fx.sync.enqueued) != 1 || fx.sync.enqueued[0] != order.ID {
		t.Fatalf("expected sync enqueued for %s, got %v", order.ID, fx.sync.enqueued)
	}

	accepted, err := fx.svc.SetStatus(ctx, SetOrderStatusCommand{OrderID: order.ID, Status: "accepted", Actor: adminActor})
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if accepted.Status != domain.OrderStatusAccepted || accepted.Version != 2 {
		t.Fatalf("unexpected order after accept: status=%s version=%d", accepted.Status, accepted.Version)
	}

	if _, err := fx.svc.GetOrder(ctx, GetOrderCommand{OrderID: order.ID, Actor: otherCustomer}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden for non-owner, got %v", err)
	}

	want := []string{orderEventCreated, orderEventStatusChanged}
	if got := fx.events.types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, got)
	}
}

func TestCreateOrderTotalsMatchLineSums(t *testing.T) {
	cases := []struct {
		name  string
		items []OrderItemInput
	}{
		{name: "single item", items: []OrderItemInput{{ProductRef: "prod-a", Quantity: 3, UnitPrice: 1500}}},
		{name: "multi item", items: []OrderItemInput{
			{ProductRef: "prod-a", Quantity: 1, UnitPrice: 1000},
			{ProductRef: "prod-b", Quantity: 4, UnitPrice: 750},
			{ProductRef: "prod-a", Quantity: 2, UnitPrice: 2999},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newOrderServiceFixture(t)
			order, err := fx.svc.CreateOrder(context.Background(), CreateOrderCommand{Type: domain.OrderTypeTakeout, Items: tc.items})
			if err != nil {
				t.Fatalf("CreateOrder: %v", err)
			}
			var sum int64
			for _, item := range order.Items {
				sum += item.UnitPrice * int64(item.Quantity)
			}
			if order.TotalAmount != sum {
				t.Fatalf("total %d does not match line sum %d", order.TotalAmount, sum)
			}
		})
	}
}

func TestCreateOrderRejectsInvalidInputAtomically(t *testing.T) {
	valid := OrderItemInput{ProductRef: "prod-a", Quantity: 1, UnitPrice: 1000}
	cases := []struct {
		name string
		cmd  CreateOrderCommand
		want string
	}{
		{name: "no items", cmd: CreateOrderCommand{Type: domain.OrderTypeTakeout}, want: "at least one item"},
		{name: "unknown type", cmd: CreateOrderCommand{Type: "drive_thru", Items: []OrderItemInput{valid}}, want: "unsupported order type"},
		{name: "delivery without address", cmd: CreateOrderCommand{Type: domain.OrderTypeDelivery, Items: []OrderItemInput{valid}}, want: "delivery address"},
		{name: "unknown product", cmd: CreateOrderCommand{Type: domain.OrderTypeTakeout, Items: []OrderItemInput{valid, {ProductRef: "nope", Quantity: 1, UnitPrice: 100}}}, want: "not found"},
		{name: "unavailable product", cmd: CreateOrderCommand{Type: domain.OrderTypeTakeout, Items: []OrderItemInput{{ProductRef: "prod-x", Quantity: 1, UnitPrice: 800}}}, want: "unavailable"},
		{name: "zero quantity", cmd: CreateOrderCommand{Type: domain.OrderTypeTakeout, Items: []OrderItemInput{{ProductRef: "prod-a", Quantity: 0, UnitPrice: 1000}}}, want: "quantity"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newOrderServiceFixture(t)
			_, err := fx.svc.CreateOrder(context.Background(), tc.cmd)
			if !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
			if fx.orders.inserts != 0 {
				t.Fatalf("expected no order persisted, got %d inserts", fx.orders.inserts)
			}
			if len(fx.sync.enqueued) != 0 || len(fx.events.types()) != 0 {
				t.Fatalf("expected no side effects on failure")
			}
		})
	}
}

func TestCreateOrderAttachesCustomerAndSanitizesFields(t *testing.T) {
	fx := newOrderServiceFixture(t)
	lat, lng := 35.66, 139.70
	order, err := fx.svc.CreateOrder(context.Background(), CreateOrderCommand{
		Actor:       customerActor,
		Type:        domain.OrderTypeDelivery,
		TableNumber: "12",
		DeliveryAddress: &domain.DeliveryAddress{
			Line:      " 1-2-3 Shibuya <b>Tokyo</b> ",
			Latitude:  &lat,
			Longitude: &lng,
		},
		Customer: domain.CustomerInfo{Name: "<i>Aiko</i>", Phone: "090-0000-0000"},
		Note:     "ring twice<script>x()</script>",
		Items:    []OrderItemInput{{ProductRef: "prod-b", Quantity: 1, UnitPrice: 600, DisplayName: "  "}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.CustomerRef != "cust-1" {
		t.Fatalf("expected customer ref, got %q", order.CustomerRef)
	}
	if order.TableNumber != "" {
		t.Fatalf("table number must only be stored for dine-in, got %q", order.TableNumber)
	}
	if order.DeliveryAddress == nil || order.DeliveryAddress.Line != "1-2-3 Shibuya Tokyo" {
		t.Fatalf("unexpected address %+v", order.DeliveryAddress)
	}
	if order.Customer.Name != "Aiko" || order.Note != "ring twice" {
		t.Fatalf("expected sanitized text, got name=%q note=%q", order.Customer.Name, order.Note)
	}
	if order.Items[0].DisplayName != "Gyoza" {
		t.Fatalf("expected catalog name fallback, got %q", order.Items[0].DisplayName)
	}
	if order.AssignedDeliveryRef != "" {
		t.Fatalf("new orders must be unassigned")
	}
}

func TestCreateOrderDineInKeepsTableAndDropsAddress(t *testing.T) {
	fx := newOrderServiceFixture(t)
	order, err := fx.svc.CreateOrder(context.Background(), CreateOrderCommand{
		Type:            domain.OrderTypeDineIn,
		TableNumber:     "A4",
		DeliveryAddress: &domain.DeliveryAddress{Line: "ignored"},
		Items:           []OrderItemInput{{ProductRef: "prod-a", Quantity: 1, UnitPrice: 1000}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.TableNumber != "A4" {
		t.Fatalf("expected table number, got %q", order.TableNumber)
	}
	if order.DeliveryAddress != nil {
		t.Fatalf("expected address dropped for dine-in, got %+v", order.DeliveryAddress)
	}
}

func TestGetOrderReadRule(t *testing.T) {
	order := takeoutOrder(domain.OrderStatusPending)
	cases := []struct {
		name    string
		actor   *domain.Actor
		created time.Time
		wantErr error
	}{
		{name: "admin", actor: adminActor, created: testNow.Add(-48 * time.Hour)},
		{name: "any courier", actor: otherCourier, created: testNow.Add(-48 * time.Hour)},
		{name: "owner", actor: customerActor, created: testNow.Add(-48 * time.Hour)},
		{name: "other customer", actor: otherCustomer, created: testNow, wantErr: ErrOrderForbidden},
		{name: "guest inside window", actor: nil, created: testNow.Add(-59 * time.Minute)},
		{name: "guest at window edge", actor: nil, created: testNow.Add(-time.Hour), wantErr: ErrOrderUnauthorized},
		{name: "guest after window", actor: nil, created: testNow.Add(-3 * time.Hour), wantErr: ErrOrderUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seeded := order
			seeded.CreatedAt = tc.created
			fx := newOrderServiceFixture(t, seeded)
			got, err := fx.svc.GetOrder(context.Background(), GetOrderCommand{OrderID: seeded.ID, Actor: tc.actor})
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetOrder: %v", err)
			}
			if got.ID != seeded.ID {
				t.Fatalf("unexpected order %s", got.ID)
			}
		})
	}
}

func TestGetOrderNotFound(t *testing.T) {
	fx := newOrderServiceFixture(t)
	_, err := fx.svc.GetOrder(context.Background(), GetOrderCommand{OrderID: "missing", Actor: adminActor})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSetStatusPermissionMatrix(t *testing.T) {
	cases := []struct {
		name    string
		seed    domain.Order
		actor   *domain.Actor
		target  string
		wantErr error
		want    domain.OrderStatus
	}{
		{name: "admin any status", seed: takeoutOrder(domain.OrderStatusPending), actor: adminActor, target: "ready", want: domain.OrderStatusReady},
		{name: "admin cancels", seed: deliveryOrder(domain.OrderStatusPreparing, ""), actor: adminActor, target: "cancelled", want: domain.OrderStatusCancelled},
		{name: "customer cannot transition", seed: takeoutOrder(domain.OrderStatusPending), actor: customerActor, target: "cancelled", wantErr: ErrOrderForbidden},
		{name: "anonymous cannot transition", seed: takeoutOrder(domain.OrderStatusPending), actor: nil, target: "accepted", wantErr: ErrOrderUnauthorized},
		{name: "unassigned courier", seed: deliveryOrder(domain.OrderStatusAssigned, "courier-1"), actor: otherCourier, target: "on_the_way", wantErr: ErrOrderForbidden},
		{name: "courier on unassigned order", seed: deliveryOrder(domain.OrderStatusReady, ""), actor: courierActor, target: "on_the_way", wantErr: ErrOrderForbidden},
		{name: "assigned courier on the way", seed: deliveryOrder(domain.OrderStatusAssigned, "courier-1"), actor: courierActor, target: "on_the_way", want: domain.OrderStatusOnTheWay},
		{name: "assigned courier delivers", seed: deliveryOrder(domain.OrderStatusOnTheWay, "courier-1"), actor: courierActor, target: "delivered", want: domain.OrderStatusDelivered},
		{name: "assigned courier other target", seed: deliveryOrder(domain.OrderStatusAssigned, "courier-1"), actor: courierActor, target: "cancelled", wantErr: ErrOrderForbidden},
		// Couriers are limited by target only; skipping on_the_way is accepted.
		{name: "courier skips on_the_way", seed: deliveryOrder(domain.OrderStatusAssigned, "courier-1"), actor: courierActor, target: "delivered", want: domain.OrderStatusDelivered},
		{name: "courier from pending", seed: deliveryOrder(domain.OrderStatusPending, "courier-1"), actor: courierActor, target: "on_the_way", want: domain.OrderStatusOnTheWay},
		{name: "malformed status", seed: takeoutOrder(domain.OrderStatusPending), actor: adminActor, target: "teleported", wantErr: ErrOrderInvalidInput},
		{name: "delivery-only status on takeout", seed: takeoutOrder(domain.OrderStatusReady), actor: adminActor, target: "on_the_way", wantErr: ErrOrderInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newOrderServiceFixture(t, tc.seed)
			got, err := fx.svc.SetStatus(context.Background(), SetOrderStatusCommand{OrderID: tc.seed.ID, Status: tc.target, Actor: tc.actor})
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				if fx.orders.updates != 0 {
					t.Fatalf("expected no write on rejection")
				}
				return
			}
			if err != nil {
				t.Fatalf("SetStatus: %v", err)
			}
			if got.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got.Status)
			}
			stored := fx.orders.get(tc.seed.ID)
			if stored.Status != tc.want || stored.Version != tc.seed.Version+1 {
				t.Fatalf("unexpected stored order status=%s version=%d", stored.Status, stored.Version)
			}
			if !stored.UpdatedAt.Equal(testNow) {
				t.Fatalf("expected updatedAt bumped, got %s", stored.UpdatedAt)
			}
		})
	}
}

func TestSetStatusMissingOrder(t *testing.T) {
	fx := newOrderServiceFixture(t)
	_, err := fx.svc.SetStatus(context.Background(), SetOrderStatusCommand{OrderID: "missing", Status: "accepted", Actor: adminActor})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSetStatusSameStatusIsNoop(t *testing.T) {
	seed := takeoutOrder(domain.OrderStatusPreparing)
	fx := newOrderServiceFixture(t, seed)
	got, err := fx.svc.SetStatus(context.Background(), SetOrderStatusCommand{OrderID: seed.ID, Status: "preparing", Actor: adminActor})
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if got.Version != seed.Version || fx.orders.updates != 0 {
		t.Fatalf("expected no write for same status, version=%d updates=%d", got.Version, fx.orders.updates)
	}
	if len(fx.events.types()) != 0 {
		t.Fatalf("expected no events for no-op")
	}
}

func TestSetStatusVersionConflicts(t *testing.T) {
	seed := takeoutOrder(domain.OrderStatusPending)

	t.Run("stale expected version", func(t *testing.T) {
		fx := newOrderServiceFixture(t, seed)
		stale := seed.Version - 1
		_, err := fx.svc.SetStatus(context.Background(), SetOrderStatusCommand{OrderID: seed.ID, Status: "accepted", Actor: adminActor, ExpectedVersion: &stale})
		if !errors.Is(err, ErrOrderConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
	})

	t.Run("concurrent writer", func(t *testing.T) {
		fx := newOrderServiceFixture(t, seed)
		fx.orders.updateErr = testRepoError{conflict: true}
		_, err := fx.svc.SetStatus(context.Background(), SetOrderStatusCommand{OrderID: seed.ID, Status: "accepted", Actor: adminActor})
		if !errors.Is(err, ErrOrderConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
		if len(fx.events.types()) != 0 {
			t.Fatalf("expected no event when write fails")
		}
	})

	t.Run("store unavailable", func(t *testing.T) {
		fx := newOrderServiceFixture(t, seed)
		fx.orders.updateErr = testRepoError{unavailable: true}
		_, err := fx.svc.SetStatus(context.Background(), SetOrderStatusCommand{OrderID: seed.ID, Status: "accepted", Actor: adminActor})
		if !errors.Is(err, ErrOrderUnavailable) {
			t.Fatalf("expected unavailable, got %v", err)
		}
	})
}

func TestAssignDeliveryIsIdempotent(t *testing.T) {
	seed := deliveryOrder(domain.OrderStatusReady, "")
	fx := newOrderServiceFixture(t, seed)
	ctx := context.Background()

	first, err := fx.svc.AssignDelivery(ctx, AssignDeliveryCommand{OrderID: seed.ID, DeliveryRef: "courier-1", Actor: adminActor})
	if err != nil {
		t.Fatalf("AssignDelivery: %v", err)
	}
	second, err := fx.svc.AssignDelivery(ctx, AssignDeliveryCommand{OrderID: seed.ID, DeliveryRef: "courier-1", Actor: adminActor})
	if err != nil {
		t.Fatalf("second AssignDelivery: %v", err)
	}
	if first.AssignedDeliveryRef != "courier-1" || second.AssignedDeliveryRef != "courier-1" {
		t.Fatalf("expected courier-1 assigned, got %q / %q", first.AssignedDeliveryRef, second.AssignedDeliveryRef)
	}
	if fx.orders.updates != 1 {
		t.Fatalf("expected a single write, got %d", fx.orders.updates)
	}
	if second.Status != domain.OrderStatusReady {
		t.Fatalf("assignment must not change status, got %s", second.Status)
	}
	if got := fx.events.types(); len(got) != 1 || got[0] != orderEventAssignmentChanged {
		t.Fatalf("expected one assignment event, got %v", got)
	}
}

func TestAssignDeliveryRules(t *testing.T) {
	cases := []struct {
		name    string
		seed    domain.Order
		actor   *domain.Actor
		ref     string
		wantErr error
		wantRef string
	}{
		{name: "courier cannot assign", seed: deliveryOrder(domain.OrderStatusReady, ""), actor: courierActor, ref: "courier-1", wantErr: ErrOrderForbidden},
		{name: "customer cannot assign", seed: deliveryOrder(domain.OrderStatusReady, ""), actor: customerActor, ref: "courier-1", wantErr: ErrOrderForbidden},
		{name: "non delivery order", seed: takeoutOrder(domain.OrderStatusReady), actor: adminActor, ref: "courier-1", wantErr: ErrOrderInvalidInput},
		{name: "clearing non delivery order", seed: takeoutOrder(domain.OrderStatusReady), actor: adminActor, ref: ""},
		{name: "unknown courier", seed: deliveryOrder(domain.OrderStatusReady, ""), actor: adminActor, ref: "ghost", wantErr: ErrOrderInvalidInput},
		{name: "target is not a courier", seed: deliveryOrder(domain.OrderStatusReady, ""), actor: adminActor, ref: "cust-1", wantErr: ErrOrderInvalidInput},
		{name: "reassign", seed: deliveryOrder(domain.OrderStatusAssigned, "courier-1"), actor: adminActor, ref: "courier-2", wantRef: "courier-2"},
		{name: "admin clears", seed: deliveryOrder(domain.OrderStatusAssigned, "courier-1"), actor: adminActor, ref: "", wantRef: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newOrderServiceFixture(t, tc.seed)
			got, err := fx.svc.AssignDelivery(context.Background(), AssignDeliveryCommand{OrderID: tc.seed.ID, DeliveryRef: tc.ref, Actor: tc.actor})
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AssignDelivery: %v", err)
			}
			if got.AssignedDeliveryRef != tc.wantRef {
				t.Fatalf("expected ref %q, got %q", tc.wantRef, got.AssignedDeliveryRef)
			}
			if got.Status != tc.seed.Status {
				t.Fatalf("assignment must not change status")
			}
		})
	}
}

func TestUpdateOrderAppliesAssignmentThenStatus(t *testing.T) {
	seed := deliveryOrder(domain.OrderStatusReady, "")
	fx := newOrderServiceFixture(t, seed)
	status := "assigned"
	courier := "courier-1"

	got, err := fx.svc.UpdateOrder(context.Background(), UpdateOrderCommand{
		OrderID:             seed.ID,
		Status:              &status,
		AssignedDeliveryRef: &courier,
		Actor:               adminActor,
	})
	if err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}
	if got.Status != domain.OrderStatusAssigned || got.AssignedDeliveryRef != "courier-1" {
		t.Fatalf("unexpected order %+v", got)
	}
	if fx.orders.updates != 1 || got.Version != seed.Version+1 {
		t.Fatalf("expected a single versioned write, updates=%d version=%d", fx.orders.updates, got.Version)
	}
	want := []string{orderEventAssignmentChanged, orderEventStatusChanged}
	if events := fx.events.types(); strings.Join(events, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, events)
	}
}

func TestUpdateOrderRejectsPartialApplication(t *testing.T) {
	seed := deliveryOrder(domain.OrderStatusAssigned, "courier-1")
	fx := newOrderServiceFixture(t, seed)
	status := "on_the_way"
	courier := "courier-2"

	_, err := fx.svc.UpdateOrder(context.Background(), UpdateOrderCommand{
		OrderID:             seed.ID,
		Status:              &status,
		AssignedDeliveryRef: &courier,
		Actor:               courierActor,
	})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	stored := fx.orders.get(seed.ID)
	if stored.Status != domain.OrderStatusAssigned || stored.AssignedDeliveryRef != "courier-1" {
		t.Fatalf("expected nothing applied, got %+v", stored)
	}
}

func TestUpdateOrderRequiresAField(t *testing.T) {
	fx := newOrderServiceFixture(t, takeoutOrder(domain.OrderStatusPending))
	_, err := fx.svc.UpdateOrder(context.Background(), UpdateOrderCommand{OrderID: "ord_takeout", Actor: adminActor})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestListOrdersScopesByRole(t *testing.T) {
	seed := []domain.Order{deliveryOrder(domain.OrderStatusAssigned, "courier-1"), takeoutOrder(domain.OrderStatusPending)}

	cases := []struct {
		name         string
		actor        *domain.Actor
		filter       OrderListFilter
		wantCustomer string
		wantCourier  string
		wantErr      error
	}{
		{name: "admin keeps filters", actor: adminActor, filter: OrderListFilter{CustomerRef: "cust-9"}, wantCustomer: "cust-9"},
		{name: "customer forced to own", actor: customerActor, filter: OrderListFilter{CustomerRef: "cust-9", AssignedDeliveryRef: "courier-1"}, wantCustomer: "cust-1"},
		{name: "courier forced to assigned", actor: courierActor, filter: OrderListFilter{CustomerRef: "cust-9"}, wantCourier: "courier-1"},
		{name: "anonymous", actor: nil, wantErr: ErrOrderUnauthorized},
		{name: "bad status", actor: adminActor, filter: OrderListFilter{Statuses: []domain.OrderStatus{"lost"}}, wantErr: ErrOrderInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newOrderServiceFixture(t, seed...)
			_, err := fx.svc.ListOrders(context.Background(), ListOrdersCommand{Actor: tc.actor, Filter: tc.filter})
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ListOrders: %v", err)
			}
			got := fx.orders.lastFilter
			if got.CustomerRef != tc.wantCustomer || got.AssignedDeliveryRef != tc.wantCourier {
				t.Fatalf("unexpected scoped filter %+v", got)
			}
			if got.Pagination.PageSize != 20 {
				t.Fatalf("expected default page size, got %d", got.Pagination.PageSize)
			}
		})
	}
}

func TestRequestExternalSync(t *testing.T) {
	t.Run("already synced", func(t *testing.T) {
		seed := takeoutOrder(domain.OrderStatusPending)
		seed.ExternalRef = "77"
		fx := newOrderServiceFixture(t, seed)
		if err := fx.svc.RequestExternalSync(context.Background(), seed.ID); !errors.Is(err, ErrOrderConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		fx := newOrderServiceFixture(t)
		if err := fx.svc.RequestExternalSync(context.Background(), "missing"); !errors.Is(err, ErrOrderNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("sync disabled", func(t *testing.T) {
		fx := newOrderServiceFixture(t, takeoutOrder(domain.OrderStatusPending))
		fx.sync.enabled = false
		if err := fx.svc.RequestExternalSync(context.Background(), "ord_takeout"); !errors.Is(err, ErrOrderUnavailable) {
			t.Fatalf("expected unavailable, got %v", err)
		}
	})

	t.Run("queue full", func(t *testing.T) {
		fx := newOrderServiceFixture(t, takeoutOrder(domain.OrderStatusPending))
		fx.sync.accept = false
		if err := fx.svc.RequestExternalSync(context.Background(), "ord_takeout"); !errors.Is(err, ErrOrderUnavailable) {
			t.Fatalf("expected unavailable, got %v", err)
		}
	})

	t.Run("queued", func(t *testing.T) {
		fx := newOrderServiceFixture(t, takeoutOrder(domain.OrderStatusPending))
		if err := fx.svc.RequestExternalSync(context.Background(), "ord_takeout"); err != nil {
			t.Fatalf("RequestExternalSync: %v", err)
		}
		if len(fx.sync.enqueued) != 1 {
			t.Fatalf("expected job enqueued, got %v", fx.sync.enqueued)
		}
	})
}

func TestCreateOrderSucceedsWithoutERPConfiguration(t *testing.T) {
	orders := newMemoryOrderRepo()
	products := testCatalog()
	syncer, err := NewERPSynchronizer(ERPSynchronizerDeps{Orders: orders, Products: products})
	if err != nil {
		t.Fatalf("NewERPSynchronizer: %v", err)
	}
	dispatcher, err := NewSyncDispatcher(SyncDispatcherDeps{Syncer: syncer, Workers: 1})
	if err != nil {
		t.Fatalf("NewSyncDispatcher: %v", err)
	}
	dispatcher.Start()

	pricing, err := NewPricingValidator(PricingValidatorDeps{Products: products})
	if err != nil {
		t.Fatalf("NewPricingValidator: %v", err)
	}
	svc, err := NewOrderService(OrderServiceDeps{Orders: orders, Actors: testActors(), Pricing: pricing, Sync: dispatcher})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	started := time.Now()
	order, err := svc.CreateOrder(context.Background(), CreateOrderCommand{
		Type:  domain.OrderTypeTakeout,
		Items: []OrderItemInput{{ProductRef: "prod-a", Quantity: 1, UnitPrice: 1000}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("create took %s", elapsed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := dispatcher.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ref := orders.get(order.ID).ExternalRef; ref != "" {
		t.Fatalf("expected externalRef unset, got %q", ref)
	}
	if orders.externalCalls != 0 {
		t.Fatalf("expected no external ref writes")
	}
}
