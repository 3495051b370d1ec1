package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/erp"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	erpInstrumentation = "github.com/hanko-field/orders/internal/services/erp_sync"

	erpModelData          = "ir.model.data"
	erpModelProduct       = "product.product"
	erpModelTemplate      = "product.template"
	erpModelSaleOrder     = "sale.order"
	erpSearchLimit        = 10
	syncOutcomeCompleted  = "completed"
	syncOutcomeSkipped    = "skipped"
	syncOutcomeFailed     = "failed"
	syncOutcomeNoLines    = "no_lines"
	resolvedByXMLID       = "xml_id"
	resolvedByNameSearch  = "name_search"
	unresolvedNoToken     = "missing_token"
	unresolvedNoMatch     = "no_match"
	unresolvedProductLoad = "product_lookup_failed"
)

var (
	// ErrExternalSync marks a sync pass that did not complete. It is logged, never shown to callers.
	ErrExternalSync = errors.New("erp sync: failed")

	defaultERPNamePrefixes  = []string{"product_product_", "product_template_"}
	defaultERPProductModels = []string{erpModelProduct, erpModelTemplate}
)

// ERPClient is the subset of the JSON-RPC client used for mirroring orders.
type ERPClient interface {
	Authenticate(ctx context.Context, creds erp.Credentials) (*erp.Session, error)
	ResolveXMLID(ctx context.Context, session *erp.Session, xmlID string) (string, int64, error)
	SearchRead(ctx context.Context, session *erp.Session, model string, domain [][]any, fields []string, limit int) ([]erp.Record, error)
	Create(ctx context.Context, session *erp.Session, model string, values map[string]any) (int64, error)
}

// ERPSyncSettings carries the ERP account and lookup tuning.
type ERPSyncSettings struct {
	Credentials      erp.Credentials
	NamePrefixes     []string
	ProductModels    []string
	DefaultPartnerID int64
}

// ERPSynchronizerDeps bundles collaborators for the synchronizer. A nil Client disables sync.
type ERPSynchronizerDeps struct {
	Client      ERPClient
	Settings    ERPSyncSettings
	Orders      repositories.OrderRepository
	Products    repositories.ProductRepository
	Events      OrderEventPublisher
	Meter       metric.Meter
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// ERPSynchronizer mirrors one persisted order into the ERP as a sales order. Every failure is
// logged and contained; nothing is retried within a pass.
type ERPSynchronizer struct {
	client   ERPClient
	settings ERPSyncSettings
	orders   repositories.OrderRepository
	products repositories.ProductRepository
	events   OrderEventPublisher
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)

	runs       metric.Int64Counter
	unresolved metric.Int64Counter
	latency    metric.Float64Histogram
}

var _ ExternalSyncer = (*ERPSynchronizer)(nil)

// NewERPSynchronizer constructs the synchronizer.
func NewERPSynchronizer(deps ERPSynchronizerDeps) (*ERPSynchronizer, error) {
	if deps.Orders == nil {
		return nil, errors.New("erp synchronizer: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("erp synchronizer: product repository is required")
	}

	settings := deps.Settings
	settings.NamePrefixes = compactStrings(settings.NamePrefixes)
	if len(settings.NamePrefixes) == 0 {
		settings.NamePrefixes = slices.Clone(defaultERPNamePrefixes)
	}
	settings.ProductModels = compactStrings(settings.ProductModels)
	if len(settings.ProductModels) == 0 {
		settings.ProductModels = slices.Clone(defaultERPProductModels)
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
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(erpInstrumentation)
	}

	s := &ERPSynchronizer{
		client:   deps.Client,
		settings: settings,
		orders:   deps.Orders,
		products: deps.Products,
		events:   deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}

	var err error
	if s.runs, err = meter.Int64Counter("erp.sync.runs",
		metric.WithDescription("ERP sync passes by outcome"),
	); err != nil {
		return nil, fmt.Errorf("erp synchronizer: create runs counter: %w", err)
	}
	if s.unresolved, err = meter.Int64Counter("erp.sync.lines_unresolved",
		metric.WithDescription("Order lines omitted because no ERP product matched"),
	); err != nil {
		return nil, fmt.Errorf("erp synchronizer: create unresolved counter: %w", err)
	}
	if s.latency, err = meter.Float64Histogram("erp.sync.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of ERP sync passes in milliseconds"),
	); err != nil {
		return nil, fmt.Errorf("erp synchronizer: create latency histogram: %w", err)
	}
	return s, nil
}

// Enabled reports whether endpoint and credentials are all configured.
func (s *ERPSynchronizer) Enabled() bool {
	if s == nil || s.client == nil {
		return false
	}
	creds := s.settings.Credentials
	return strings.TrimSpace(creds.Database) != "" &&
		strings.TrimSpace(creds.Username) != "" &&
		strings.TrimSpace(creds.Password) != ""
}

// SyncOrder runs one pass for the order. The returned error only informs the worker.
func (s *ERPSynchronizer) SyncOrder(ctx context.Context, orderID string) (err error) {
	ctx, span := otel.Tracer(erpInstrumentation).Start(ctx, "erp.sync")
	span.SetAttributes(attribute.String("order.id", orderID))
	started := s.clock()
	outcome := syncOutcomeFailed
	defer func() {
		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		s.runs.Add(ctx, 1, attrs)
		s.latency.Record(ctx, float64(s.clock().Sub(started))/float64(time.Millisecond), attrs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
	}()

	fields := map[string]any{"orderId": orderID}
	if !s.Enabled() {
		outcome = syncOutcomeSkipped
		s.logger(ctx, "erp.sync.skipped", withFields(fields, "reason", "erp not configured"))
		return nil
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		s.logger(ctx, "erp.sync.load_failed", withFields(fields, "error", err.Error()))
		return fmt.Errorf("%w: load order: %v", ErrExternalSync, err)
	}
	if order.ExternalRef != "" {
		outcome = syncOutcomeSkipped
		s.logger(ctx, "erp.sync.skipped", withFields(fields, "reason", "already synced", "externalRef", order.ExternalRef))
		return nil
	}

	session, err := s.client.Authenticate(ctx, s.settings.Credentials)
	if err != nil {
		s.logger(ctx, "erp.sync.auth_failed", withFields(fields, "error", err.Error()))
		return fmt.Errorf("%w: authenticate: %v", ErrExternalSync, err)
	}

	lines := s.resolveLines(ctx, session, order)
	if len(lines) == 0 {
		outcome = syncOutcomeNoLines
		s.logger(ctx, "erp.sync.no_lines", withFields(fields, "lines", len(order.Items)))
		return fmt.Errorf("%w: no order lines resolved", ErrExternalSync)
	}

	values := map[string]any{
		"client_order_ref": order.ID,
		"note":             buildERPNote(order),
		"order_line":       lines,
	}
	if s.settings.DefaultPartnerID > 0 {
		values["partner_id"] = s.settings.DefaultPartnerID
	}

	externalID, err := s.client.Create(ctx, session, erpModelSaleOrder, values)
	if err != nil {
		s.logger(ctx, "erp.sync.create_failed", withFields(fields, "error", err.Error()))
		return fmt.Errorf("%w: create sales order: %v", ErrExternalSync, err)
	}

	externalRef := strconv.FormatInt(externalID, 10)
	syncedAt := s.clock()
	if err := s.orders.SetExternalRef(ctx, order.ID, externalRef, syncedAt); err != nil {
		s.logger(ctx, "erp.sync.persist_failed", withFields(fields, "externalRef", externalRef, "error", err.Error()))
		return fmt.Errorf("%w: persist external ref: %v", ErrExternalSync, err)
	}

	outcome = syncOutcomeCompleted
	s.logger(ctx, "erp.sync.completed", withFields(fields,
		"externalRef", externalRef,
		"lines", len(lines),
		"skippedLines", len(order.Items)-len(lines),
	))
	publishOrderEvent(ctx, s.events, s.logger, s.newID, OrderEvent{
		Type:       orderEventERPSynced,
		OrderID:    order.ID,
		Status:     string(order.Status),
		OccurredAt: syncedAt,
		Metadata:   map[string]any{"externalRef": externalRef},
	})
	return nil
}

// resolveLines maps order lines to ERP order_line commands, omitting lines that cannot be resolved.
func (s *ERPSynchronizer) resolveLines(ctx context.Context, session *erp.Session, order Order) []any {
	products := make(map[string]Product, len(order.Items))
	resolved := make(map[string]int64, len(order.Items))
	lines := make([]any, 0, len(order.Items))

	for i, item := range order.Items {
		fields := map[string]any{"orderId": order.ID, "line": i, "productRef": item.ProductRef}

		productID, ok := resolved[item.ProductRef]
		if !ok {
			product, cached := products[item.ProductRef]
			if !cached {
				loaded, err := s.products.FindByID(ctx, item.ProductRef)
				if err != nil {
					s.lineUnresolved(ctx, withFields(fields, "reason", unresolvedProductLoad, "error", err.Error()))
					continue
				}
				product = loaded
				products[item.ProductRef] = product
			}

			token, hasToken := product.ERPToken()
			if !hasToken {
				s.lineUnresolved(ctx, withFields(fields, "reason", unresolvedNoToken))
				continue
			}
			id, strategy, found := s.resolveProduct(ctx, session, token)
			if !found {
				s.lineUnresolved(ctx, withFields(fields, "reason", unresolvedNoMatch, "token", token))
				continue
			}
			s.logger(ctx, "erp.sync.line_resolved", withFields(fields, "token", token, "strategy", strategy, "erpProductId", id))
			resolved[item.ProductRef] = id
			productID = id
		}

		lines = append(lines, []any{0, 0, map[string]any{
			"product_id":      productID,
			"product_uom_qty": item.Quantity,
			"price_unit":      item.UnitPrice,
			"name":            item.DisplayName,
		}})
	}
	return lines
}

func (s *ERPSynchronizer) lineUnresolved(ctx context.Context, fields map[string]any) {
	s.unresolved.Add(ctx, 1)
	s.logger(ctx, "erp.sync.line_unresolved", fields)
}

// resolveProduct tries the xml id first and then searches ir.model.data by name under each
// configured prefix, accepting the first record of a product model.
func (s *ERPSynchronizer) resolveProduct(ctx context.Context, session *erp.Session, token string) (int64, string, bool) {
	module, name := splitXMLID(token)

	if module != "" {
		model, id, err := s.client.ResolveXMLID(ctx, session, token)
		if err == nil {
			if variant, ok := s.productVariant(ctx, session, model, id); ok {
				return variant, resolvedByXMLID, true
			}
		} else if !errors.Is(err, erp.ErrNotFound) {
			s.logger(ctx, "erp.sync.xmlid_failed", map[string]any{"token": token, "error": err.Error()})
		}
	}

	for _, candidate := range s.nameCandidates(name) {
		criteria := [][]any{{"name", "=", candidate}}
		if module != "" {
			criteria = append(criteria, []any{"module", "=", module})
		}
		records, err := s.client.SearchRead(ctx, session, erpModelData, criteria, []string{"model", "res_id"}, erpSearchLimit)
		if err != nil {
			s.logger(ctx, "erp.sync.search_failed", map[string]any{"token": token, "candidate": candidate, "error": err.Error()})
			continue
		}
		for _, record := range records {
			resID, ok := record.Int("res_id")
			if !ok {
				continue
			}
			if variant, ok := s.productVariant(ctx, session, record.String("model"), resID); ok {
				return variant, resolvedByNameSearch, true
			}
		}
	}
	return 0, "", false
}

// productVariant returns the sellable product.product id for a record of a recognised product model.
func (s *ERPSynchronizer) productVariant(ctx context.Context, session *erp.Session, model string, id int64) (int64, bool) {
	if id <= 0 || !slices.Contains(s.settings.ProductModels, model) {
		return 0, false
	}
	if model != erpModelTemplate {
		return id, true
	}
	records, err := s.client.SearchRead(ctx, session, erpModelProduct,
		[][]any{{"product_tmpl_id", "=", id}}, []string{"id"}, 1)
	if err != nil {
		s.logger(ctx, "erp.sync.variant_failed", map[string]any{"templateId": id, "error": err.Error()})
		return 0, false
	}
	for _, record := range records {
		if variant, ok := record.Int("id"); ok {
			return variant, true
		}
	}
	return 0, false
}

func (s *ERPSynchronizer) nameCandidates(name string) []string {
	candidates := []string{name}
	for _, prefix := range s.settings.NamePrefixes {
		if strings.HasPrefix(name, prefix) {
			continue
		}
		candidates = append(candidates, prefix+name)
	}
	return candidates
}

func splitXMLID(token string) (module, name string) {
	token = strings.TrimSpace(token)
	if before, after, ok := strings.Cut(token, "."); ok && before != "" && after != "" {
		return before, after
	}
	return "", token
}

// buildERPNote assembles the free-text note attached to the mirrored sales order.
func buildERPNote(order Order) string {
	parts := []string{"Order type: " + orderTypeLabel(order.Type)}
	if order.TableNumber != "" {
		parts = append(parts, "Table: "+order.TableNumber)
	}
	if addr := order.DeliveryAddress; addr != nil {
		address := strings.TrimSpace(strings.Join(compactStrings([]string{addr.PostalCode, addr.Line, addr.Detail}), " "))
		if address != "" {
			parts = append(parts, "Delivery address: "+address)
		}
	}
	if order.Customer.Name != "" {
		parts = append(parts, "Customer: "+order.Customer.Name)
	}
	if order.Customer.Phone != "" {
		parts = append(parts, "Phone: "+order.Customer.Phone)
	}
	if order.Note != "" {
		parts = append(parts, "Note: "+order.Note)
	}
	return strings.Join(parts, "\n")
}

func orderTypeLabel(orderType OrderType) string {
	switch orderType {
	case domain.OrderTypeDineIn:
		return "Dine-in"
	case domain.OrderTypeTakeout:
		return "Takeout"
	case domain.OrderTypeDelivery:
		return "Delivery"
	default:
		return string(orderType)
	}
}

func compactStrings(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func withFields(base map[string]any, kv ...any) map[string]any {
	fields := make(map[string]any, len(base)+len(kv)/2)
	for k, v := range base {
		fields[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			fields[key] = kv[i+1]
		}
	}
	return fields
}
