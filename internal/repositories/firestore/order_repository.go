package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/platform/pagination"
	"github.com/hanko-field/orders/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository persists order aggregates in Firestore. Fulfilment updates are guarded by the
// document's version field inside a transaction.
type OrderRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil)
	return &OrderRepository{base: base}, nil
}

// Insert creates the order document. An id collision is reported as a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order id is required")
	}
	return r.base.Create(ctx, order.ID, fromDomainOrder(order))
}

// FindByID loads the order by id.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return toDomainOrder(doc.ID, doc.Data), nil
}

// List returns orders newest first. Filters translate to equality predicates, which need the
// composite indexes declared alongside the deployment.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	pageSize := pagination.Clamp(filter.Pagination.PageSize, pagination.Options{})

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if ref := strings.TrimSpace(filter.CustomerRef); ref != "" {
			q = q.Where("customerRef", "==", ref)
		}
		if ref := strings.TrimSpace(filter.AssignedDeliveryRef); ref != "" {
			q = q.Where("assignedDeliveryRef", "==", ref)
		}
		if filter.Type != "" {
			q = q.Where("orderType", "==", string(filter.Type))
		}
		switch len(filter.Statuses) {
		case 0:
		case 1:
			q = q.Where("status", "==", string(filter.Statuses[0]))
		default:
			statuses := make([]string, 0, len(filter.Statuses))
			for _, status := range filter.Statuses {
				statuses = append(statuses, string(status))
			}
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, len(docs))}
	for i, doc := range docs {
		if i == pageSize {
			last := page.Items[len(page.Items)-1]
			token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, toDomainOrder(doc.ID, doc.Data))
	}
	return page, nil
}

// UpdateFulfilment writes status and assignment when the stored version equals expectedVersion,
// bumping it by one. Line items, totals and ERP fields are never touched here.
func (r *OrderRepository) UpdateFulfilment(ctx context.Context, order domain.Order, expectedVersion int64) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order id is required")
	}

	updatedAt := order.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	return r.base.CompareAndUpdate(ctx, orderID, expectedVersion, func(doc orderDocument) int64 { return doc.Version }, []firestore.Update{
		{Path: "status", Value: string(order.Status)},
		{Path: "assignedDeliveryRef", Value: strings.TrimSpace(order.AssignedDeliveryRef)},
		{Path: "updatedAt", Value: updatedAt},
		{Path: "version", Value: expectedVersion + 1},
	})
}

// SetExternalRef records the ERP identifier without touching fulfilment fields.
func (r *OrderRepository) SetExternalRef(ctx context.Context, orderID, externalRef string, syncedAt time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return errors.New("external ref is required")
	}
	return r.base.Update(ctx, strings.TrimSpace(orderID), []firestore.Update{
		{Path: "externalRef", Value: externalRef},
		{Path: "externalSyncedAt", Value: syncedAt.UTC()},
	})
}

type orderDocument struct {
	CustomerRef         string            `firestore:"customerRef"`
	OrderType           string            `firestore:"orderType"`
	DeliveryAddress     *addressDocument  `firestore:"deliveryAddress,omitempty"`
	TableNumber         string            `firestore:"tableNumber,omitempty"`
	Items               []lineDocument    `firestore:"items"`
	TotalAmount         int64             `firestore:"totalAmount"`
	Status              string            `firestore:"status"`
	AssignedDeliveryRef string            `firestore:"assignedDeliveryRef"`
	ExternalRef         string            `firestore:"externalRef,omitempty"`
	ExternalSyncedAt    *time.Time        `firestore:"externalSyncedAt,omitempty"`
	CustomerInfo        *customerDocument `firestore:"customerInfo,omitempty"`
	Note                string            `firestore:"note,omitempty"`
	Version             int64             `firestore:"version"`
	CreatedAt           time.Time         `firestore:"createdAt"`
	UpdatedAt           time.Time         `firestore:"updatedAt"`
}

type lineDocument struct {
	ProductRef  string `firestore:"productRef"`
	DisplayName string `firestore:"displayName"`
	Quantity    int64  `firestore:"quantity"`
	UnitPrice   int64  `firestore:"unitPrice"`
}

type addressDocument struct {
	Line       string   `firestore:"line"`
	Detail     string   `firestore:"detail,omitempty"`
	PostalCode string   `firestore:"postalCode,omitempty"`
	Latitude   *float64 `firestore:"lat,omitempty"`
	Longitude  *float64 `firestore:"lng,omitempty"`
}

type customerDocument struct {
	Name  string `firestore:"name,omitempty"`
	Phone string `firestore:"phone,omitempty"`
	Email string `firestore:"email,omitempty"`
}

func fromDomainOrder(order domain.Order) orderDocument {
	doc := orderDocument{
		CustomerRef:         order.CustomerRef,
		OrderType:           string(order.Type),
		TableNumber:         order.TableNumber,
		Items:               make([]lineDocument, 0, len(order.Items)),
		TotalAmount:         order.TotalAmount,
		Status:              string(order.Status),
		AssignedDeliveryRef: order.AssignedDeliveryRef,
		ExternalRef:         order.ExternalRef,
		ExternalSyncedAt:    order.ExternalSyncedAt,
		Note:                order.Note,
		Version:             order.Version,
		CreatedAt:           order.CreatedAt.UTC(),
		UpdatedAt:           order.UpdatedAt.UTC(),
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, lineDocument{
			ProductRef:  item.ProductRef,
			DisplayName: item.DisplayName,
			Quantity:    int64(item.Quantity),
			UnitPrice:   item.UnitPrice,
		})
	}
	if addr := order.DeliveryAddress; addr != nil {
		doc.DeliveryAddress = &addressDocument{
			Line:       addr.Line,
			Detail:     addr.Detail,
			PostalCode: addr.PostalCode,
			Latitude:   addr.Latitude,
			Longitude:  addr.Longitude,
		}
	}
	if info := order.Customer; info != (domain.CustomerInfo{}) {
		doc.CustomerInfo = &customerDocument{Name: info.Name, Phone: info.Phone, Email: info.Email}
	}
	return doc
}

func toDomainOrder(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:                  id,
		CustomerRef:         doc.CustomerRef,
		Type:                domain.OrderType(doc.OrderType),
		TableNumber:         doc.TableNumber,
		Items:               make([]domain.OrderLineItem, 0, len(doc.Items)),
		TotalAmount:         doc.TotalAmount,
		Status:              domain.OrderStatus(doc.Status),
		AssignedDeliveryRef: doc.AssignedDeliveryRef,
		ExternalRef:         doc.ExternalRef,
		ExternalSyncedAt:    doc.ExternalSyncedAt,
		Note:                doc.Note,
		Version:             doc.Version,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
	}
	for _, line := range doc.Items {
		order.Items = append(order.Items, domain.OrderLineItem{
			ProductRef:  line.ProductRef,
			DisplayName: line.DisplayName,
			Quantity:    int(line.Quantity),
			UnitPrice:   line.UnitPrice,
		})
	}
	if addr := doc.DeliveryAddress; addr != nil {
		order.DeliveryAddress = &domain.DeliveryAddress{
			Line:       addr.Line,
			Detail:     addr.Detail,
			PostalCode: addr.PostalCode,
			Latitude:   addr.Latitude,
			Longitude:  addr.Longitude,
		}
	}
	if info := doc.CustomerInfo; info != nil {
		order.Customer = domain.CustomerInfo{Name: info.Name, Phone: info.Phone, Email: info.Email}
	}
	return order
}
