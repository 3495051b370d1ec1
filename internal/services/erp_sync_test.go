package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/erp"
)

type xmlIDTarget struct {
	model string
	id    int64
}

// fakeERP answers the JSON-RPC subset the synchronizer uses from in-memory tables.
type fakeERP struct {
	mu sync.Mutex

	authErr   error
	createErr error
	xmlIDs    map[string]xmlIDTarget
	modelData map[string]xmlIDTarget
	variants  map[int64]int64

	authCalls int
	searches  [][]any
	created   []map[string]any
	nextID    int64
}

func newFakeERP() *fakeERP {
	return &fakeERP{
		xmlIDs:    map[string]xmlIDTarget{},
		modelData: map[string]xmlIDTarget{},
		variants:  map[int64]int64{},
		nextID:    500,
	}
}

func (f *fakeERP) Authenticate(_ context.Context, _ erp.Credentials) (*erp.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &erp.Session{UID: 7}, nil
}

func (f *fakeERP) ResolveXMLID(_ context.Context, _ *erp.Session, xmlID string) (string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target, ok := f.xmlIDs[xmlID]
	if !ok {
		return "", 0, fmt.Errorf("%w: %s", erp.ErrNotFound, xmlID)
	}
	return target.model, target.id, nil
}

func (f *fakeERP) SearchRead(_ context.Context, _ *erp.Session, model string, criteria [][]any, _ []string, _ int) ([]erp.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value := criteria[0][2]
	f.searches = append(f.searches, []any{model, value})
	switch model {
	case erpModelData:
		target, ok := f.modelData[value.(string)]
		if !ok {
			return nil, nil
		}
		return []erp.Record{{"model": target.model, "res_id": float64(target.id)}}, nil
	case erpModelProduct:
		variant, ok := f.variants[value.(int64)]
		if !ok {
			return nil, nil
		}
		return []erp.Record{{"id": float64(variant)}}, nil
	}
	return nil, nil
}

func (f *fakeERP) Create(_ context.Context, _ *erp.Session, model string, values map[string]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	if model != erpModelSaleOrder {
		return 0, fmt.Errorf("unexpected model %s", model)
	}
	f.created = append(f.created, values)
	f.nextID++
	return f.nextID, nil
}

type logCapture struct {
	mu      sync.Mutex
	entries []string
	fields  []map[string]any
}

func (l *logCapture) log(_ context.Context, event string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, event)
	l.fields = append(l.fields, fields)
}

func (l *logCapture) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.entries {
		if entry == event {
			return true
		}
	}
	return false
}

type erpFixture struct {
	syncer *ERPSynchronizer
	client *fakeERP
	orders *memoryOrderRepo
	events *captureOrderEvents
	logs   *logCapture
}

var erpTestCredentials = erp.Credentials{Database: "restaurant", Username: "sync@example.com", Password: "secret"}

func newERPFixture(t *testing.T, products map[string]domain.Product, orders ...domain.Order) erpFixture {
	t.Helper()
	fx := erpFixture{
		client: newFakeERP(),
		orders: newMemoryOrderRepo(orders...),
		events: &captureOrderEvents{},
		logs:   &logCapture{},
	}
	syncer, err := NewERPSynchronizer(ERPSynchronizerDeps{
		Client:   fx.client,
		Settings: ERPSyncSettings{Credentials: erpTestCredentials, DefaultPartnerID: 3},
		Orders:   fx.orders,
		Products: &stubProductRepo{products: products},
		Events:   fx.events,
		Clock:    func() time.Time { return testNow },
		Logger:   fx.logs.log,
	})
	require.NoError(t, err)
	fx.syncer = syncer
	return fx
}

func syncOrder(items ...domain.OrderLineItem) domain.Order {
	return domain.Order{
		ID:          "ord_sync",
		Type:        domain.OrderTypeDelivery,
		Items:       items,
		Status:      domain.OrderStatusPending,
		Customer:    domain.CustomerInfo{Name: "Aiko", Phone: "090-1111-2222"},
		Note:        "no onions",
		Version:     1,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
		TotalAmount: 0,
		DeliveryAddress: &domain.DeliveryAddress{
			PostalCode: "150-0001",
			Line:       "1-2-3 Jingumae",
			Detail:     "Apt 4",
		},
	}
}

func orderLine(ref string, qty int, price int64) domain.OrderLineItem {
	return domain.OrderLineItem{ProductRef: ref, DisplayName: ref + " name", Quantity: qty, UnitPrice: price}
}

func createdLines(t *testing.T, values map[string]any) []map[string]any {
	t.Helper()
	raw, ok := values["order_line"].([]any)
	require.True(t, ok, "order_line must be a list")
	out := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		command, ok := entry.([]any)
		require.True(t, ok)
		require.Len(t, command, 3)
		assert.Equal(t, 0, command[0])
		assert.Equal(t, 0, command[1])
		line, ok := command[2].(map[string]any)
		require.True(t, ok)
		out = append(out, line)
	}
	return out
}

func TestERPSynchronizerResolvesByXMLID(t *testing.T) {
	products := map[string]domain.Product{
		"ramen": {ID: "ramen", ExternalID: "restaurant.ramen_bowl"},
	}
	fx := newERPFixture(t, products, syncOrder(orderLine("ramen", 2, 1200)))
	fx.client.xmlIDs["restaurant.ramen_bowl"] = xmlIDTarget{model: erpModelProduct, id: 41}

	require.NoError(t, fx.syncer.SyncOrder(context.Background(), "ord_sync"))

	require.Len(t, fx.client.created, 1)
	values := fx.client.created[0]
	assert.Equal(t, "ord_sync", values["client_order_ref"])
	assert.Equal(t, int64(3), values["partner_id"])
	lines := createdLines(t, values)
	require.Len(t, lines, 1)
	assert.Equal(t, int64(41), lines[0]["product_id"])
	assert.Equal(t, 2, lines[0]["product_uom_qty"])
	assert.Equal(t, int64(1200), lines[0]["price_unit"])
	assert.Equal(t, "ramen name", lines[0]["name"])

	stored := fx.orders.get("ord_sync")
	assert.Equal(t, "501", stored.ExternalRef)
	require.NotNil(t, stored.ExternalSyncedAt)
	assert.True(t, stored.ExternalSyncedAt.Equal(testNow))
	assert.Equal(t, []string{orderEventERPSynced}, fx.events.types())
}

func TestERPSynchronizerFallsBackToPrefixedNames(t *testing.T) {
	products := map[string]domain.Product{
		"gyoza": {ID: "gyoza", Description: "Pan fried. [Odoo ID: 42]"},
	}
	fx := newERPFixture(t, products, syncOrder(orderLine("gyoza", 1, 500)))
	fx.client.modelData["product_product_42"] = xmlIDTarget{model: erpModelProduct, id: 7}

	require.NoError(t, fx.syncer.SyncOrder(context.Background(), "ord_sync"))

	require.Len(t, fx.client.created, 1)
	lines := createdLines(t, fx.client.created[0])
	require.Len(t, lines, 1)
	assert.Equal(t, int64(7), lines[0]["product_id"])

	// Raw name first, then each prefix.
	require.GreaterOrEqual(t, len(fx.client.searches), 2)
	assert.Equal(t, []any{erpModelData, "42"}, fx.client.searches[0])
	assert.Equal(t, []any{erpModelData, "product_product_42"}, fx.client.searches[1])
}

func TestERPSynchronizerBareTokenSkipsXMLIDLookup(t *testing.T) {
	products := map[string]domain.Product{
		"gyoza": {ID: "gyoza", Description: "[Odoo ID: 42]"},
	}
	fx := newERPFixture(t, products, syncOrder(orderLine("gyoza", 1, 500)))
	fx.client.xmlIDs["42"] = xmlIDTarget{model: erpModelProduct, id: 99}
	fx.client.modelData["42"] = xmlIDTarget{model: erpModelProduct, id: 7}

	require.NoError(t, fx.syncer.SyncOrder(context.Background(), "ord_sync"))

	require.Len(t, fx.client.created, 1)
	lines := createdLines(t, fx.client.created[0])
	require.Len(t, lines, 1)
	assert.Equal(t, int64(7), lines[0]["product_id"], "a token without a module part resolves by name search")
}

func TestERPSynchronizerResolvesTemplateVariant(t *testing.T) {
	products := map[string]domain.Product{
		"karaage": {ID: "karaage", ExternalID: "karaage_plate"},
	}
	fx := newERPFixture(t, products, syncOrder(orderLine("karaage", 1, 900)))
	fx.client.modelData["product_template_karaage_plate"] = xmlIDTarget{model: erpModelTemplate, id: 12}
	fx.client.variants[12] = 88

	require.NoError(t, fx.syncer.SyncOrder(context.Background(), "ord_sync"))

	lines := createdLines(t, fx.client.created[0])
	require.Len(t, lines, 1)
	assert.Equal(t, int64(88), lines[0]["product_id"])
}

func TestERPSynchronizerOmitsUnresolvableLines(t *testing.T) {
	products := map[string]domain.Product{
		"ramen":  {ID: "ramen", ExternalID: "restaurant.ramen_bowl"},
		"water":  {ID: "water", Description: "Free refills"},
		"secret": {ID: "secret", ExternalID: "unknown_thing"},
	}
	fx := newERPFixture(t, products, syncOrder(
		orderLine("ramen", 1, 1000),
		orderLine("water", 1, 0),
		orderLine("secret", 1, 300),
		orderLine("ramen", 3, 1100),
	))
	fx.client.xmlIDs["restaurant.ramen_bowl"] = xmlIDTarget{model: erpModelProduct, id: 41}

	require.NoError(t, fx.syncer.SyncOrder(context.Background(), "ord_sync"))

	lines := createdLines(t, fx.client.created[0])
	require.Len(t, lines, 2)
	assert.Equal(t, 1, lines[0]["product_uom_qty"])
	assert.Equal(t, 3, lines[1]["product_uom_qty"])
	assert.True(t, fx.logs.has("erp.sync.line_unresolved"))
	assert.Equal(t, "501", fx.orders.get("ord_sync").ExternalRef)
}

func TestERPSynchronizerAbortsWithoutLines(t *testing.T) {
	products := map[string]domain.Product{
		"water": {ID: "water"},
	}
	fx := newERPFixture(t, products, syncOrder(orderLine("water", 1, 0)))

	err := fx.syncer.SyncOrder(context.Background(), "ord_sync")
	require.ErrorIs(t, err, ErrExternalSync)
	assert.Empty(t, fx.client.created)
	assert.Empty(t, fx.orders.get("ord_sync").ExternalRef)
	assert.True(t, fx.logs.has("erp.sync.no_lines"))
	assert.Empty(t, fx.events.types())
}

func TestERPSynchronizerContainsFailures(t *testing.T) {
	products := map[string]domain.Product{
		"ramen": {ID: "ramen", ExternalID: "restaurant.ramen_bowl"},
	}

	t.Run("authentication", func(t *testing.T) {
		fx := newERPFixture(t, products, syncOrder(orderLine("ramen", 1, 1000)))
		fx.client.authErr = erp.ErrAuthFailed

		err := fx.syncer.SyncOrder(context.Background(), "ord_sync")
		require.ErrorIs(t, err, ErrExternalSync)
		assert.Empty(t, fx.client.created)
		assert.True(t, fx.logs.has("erp.sync.auth_failed"))
	})

	t.Run("create", func(t *testing.T) {
		fx := newERPFixture(t, products, syncOrder(orderLine("ramen", 1, 1000)))
		fx.client.xmlIDs["restaurant.ramen_bowl"] = xmlIDTarget{model: erpModelProduct, id: 41}
		fx.client.createErr = errors.New("boom")

		err := fx.syncer.SyncOrder(context.Background(), "ord_sync")
		require.ErrorIs(t, err, ErrExternalSync)
		assert.Empty(t, fx.orders.get("ord_sync").ExternalRef)
		assert.True(t, fx.logs.has("erp.sync.create_failed"))
	})

	t.Run("missing order", func(t *testing.T) {
		fx := newERPFixture(t, products)
		err := fx.syncer.SyncOrder(context.Background(), "ord_missing")
		require.ErrorIs(t, err, ErrExternalSync)
		assert.Zero(t, fx.client.authCalls)
	})
}

func TestERPSynchronizerSkipsSyncedAndDisabled(t *testing.T) {
	products := map[string]domain.Product{
		"ramen": {ID: "ramen", ExternalID: "restaurant.ramen_bowl"},
	}

	t.Run("already synced", func(t *testing.T) {
		order := syncOrder(orderLine("ramen", 1, 1000))
		order.ExternalRef = "99"
		fx := newERPFixture(t, products, order)

		require.NoError(t, fx.syncer.SyncOrder(context.Background(), "ord_sync"))
		assert.Zero(t, fx.client.authCalls)
		assert.Equal(t, "99", fx.orders.get("ord_sync").ExternalRef)
	})

	t.Run("not configured", func(t *testing.T) {
		orders := newMemoryOrderRepo(syncOrder(orderLine("ramen", 1, 1000)))
		logs := &logCapture{}
		syncer, err := NewERPSynchronizer(ERPSynchronizerDeps{
			Client:   newFakeERP(),
			Settings: ERPSyncSettings{Credentials: erp.Credentials{Database: "restaurant"}},
			Orders:   orders,
			Products: &stubProductRepo{products: products},
			Logger:   logs.log,
		})
		require.NoError(t, err)
		assert.False(t, syncer.Enabled())

		require.NoError(t, syncer.SyncOrder(context.Background(), "ord_sync"))
		assert.True(t, logs.has("erp.sync.skipped"))
		assert.Empty(t, orders.get("ord_sync").ExternalRef)
	})
}

func TestBuildERPNote(t *testing.T) {
	note := buildERPNote(syncOrder())
	assert.Equal(t, "Order type: Delivery\nDelivery address: 150-0001 1-2-3 Jingumae Apt 4\nCustomer: Aiko\nPhone: 090-1111-2222\nNote: no onions", note)

	dineIn := domain.Order{Type: domain.OrderTypeDineIn, TableNumber: "A4"}
	assert.Equal(t, "Order type: Dine-in\nTable: A4", buildERPNote(dineIn))
}

func TestNameCandidatesSkipPresentPrefix(t *testing.T) {
	fx := newERPFixture(t, nil)
	assert.Equal(t, []string{"42", "product_product_42", "product_template_42"}, fx.syncer.nameCandidates("42"))
	assert.Equal(t, []string{"product_product_42", "product_template_product_product_42"}, fx.syncer.nameCandidates("product_product_42"))
}

func TestNewERPSynchronizerRequiresRepositories(t *testing.T) {
	_, err := NewERPSynchronizer(ERPSynchronizerDeps{Products: &stubProductRepo{}})
	assert.Error(t, err)
	_, err = NewERPSynchronizer(ERPSynchronizerDeps{Orders: newMemoryOrderRepo()})
	assert.Error(t, err)
}
