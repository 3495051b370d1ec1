package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

const productCollection = "products"

// ProductRepository reads menu products. Catalog management lives outside this service.
type ProductRepository struct {
	base *pfirestore.BaseRepository[productDocument]
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a Firestore-backed catalog accessor.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		base: pfirestore.NewBaseRepository[productDocument](provider, productCollection, nil, nil),
	}, nil
}

// FindByID loads a product by id.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.Product{}, err
	}
	product := domain.Product{
		ID:          doc.ID,
		Name:        strings.TrimSpace(doc.Data.Name),
		Description: doc.Data.Description,
		Price:       doc.Data.Price,
		Available:   doc.Data.IsAvailable,
		ExternalID:  strings.TrimSpace(doc.Data.ExternalID),
		Category:    doc.Data.Category,
		UpdatedAt:   doc.Data.UpdatedAt,
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = doc.UpdateTime
	}
	return product, nil
}

type productDocument struct {
	Name        string    `firestore:"name"`
	Description string    `firestore:"description"`
	Price       int64     `firestore:"price"`
	IsAvailable bool      `firestore:"isAvailable"`
	ExternalID  string    `firestore:"externalId,omitempty"`
	Category    string    `firestore:"category,omitempty"`
	UpdatedAt   time.Time `firestore:"updatedAt,omitempty"`
}
