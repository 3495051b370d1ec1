package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/textutil"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	defaultPriceCeilingMultiple = 3
	maxLineQuantity             = 999
	maxDisplayNameRunes         = 120
	maxAddressRunes             = 200
)

// PricingValidatorDeps bundles collaborators for the pricing validator.
type PricingValidatorDeps struct {
	Products repositories.ProductRepository
	// CeilingMultiple bounds client unit prices to base × CeilingMultiple. Defaults to 3.
	CeilingMultiple int
}

// PricingValidator re-prices requested lines against the catalog and rejects tampered prices.
type PricingValidator struct {
	products repositories.ProductRepository
	ceiling  int64
}

// PricedOrder is the trusted outcome of validation.
type PricedOrder struct {
	Items       []OrderLineItem
	TotalAmount int64
}

// NewPricingValidator constructs a validator over the catalog accessor.
func NewPricingValidator(deps PricingValidatorDeps) (*PricingValidator, error) {
	if deps.Products == nil {
		return nil, errors.New("pricing validator: product repository is required")
	}
	ceiling := deps.CeilingMultiple
	if ceiling <= 0 {
		ceiling = defaultPriceCeilingMultiple
	}
	return &PricingValidator{products: deps.Products, ceiling: int64(ceiling)}, nil
}

// Price validates order-level fields and every line. Any failure rejects the whole order.
func (v *PricingValidator) Price(ctx context.Context, cmd CreateOrderCommand) (PricedOrder, error) {
	if len(cmd.Items) == 0 {
		return PricedOrder{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	if !cmd.Type.Valid() {
		return PricedOrder{}, fmt.Errorf("%w: unsupported order type %q", ErrOrderInvalidInput, cmd.Type)
	}
	if cmd.Type == domain.OrderTypeDelivery {
		if cmd.DeliveryAddress == nil || strings.TrimSpace(cmd.DeliveryAddress.Line) == "" {
			return PricedOrder{}, fmt.Errorf("%w: delivery address is required for delivery orders", ErrOrderInvalidInput)
		}
	}

	priced := PricedOrder{Items: make([]OrderLineItem, 0, len(cmd.Items))}
	for i, item := range cmd.Items {
		line, err := v.priceLine(ctx, i, item)
		if err != nil {
			return PricedOrder{}, err
		}
		priced.Items = append(priced.Items, line)
		priced.TotalAmount += line.LineTotal()
	}
	return priced, nil
}

func (v *PricingValidator) priceLine(ctx context.Context, index int, item OrderItemInput) (OrderLineItem, error) {
	productRef := strings.TrimSpace(item.ProductRef)
	if productRef == "" {
		return OrderLineItem{}, fmt.Errorf("%w: items[%d].productRef is required", ErrOrderInvalidInput, index)
	}
	if item.Quantity < 1 || item.Quantity > maxLineQuantity {
		return OrderLineItem{}, fmt.Errorf("%w: items[%d].quantity must be between 1 and %d", ErrOrderInvalidInput, index, maxLineQuantity)
	}

	product, err := v.products.FindByID(ctx, productRef)
	if err != nil {
		switch {
		case isRepoNotFound(err):
			return OrderLineItem{}, fmt.Errorf("%w: product %q not found", ErrOrderInvalidInput, productRef)
		case isRepoUnavailable(err):
			return OrderLineItem{}, fmt.Errorf("%w: catalog lookup failed: %v", ErrOrderUnavailable, err)
		default:
			return OrderLineItem{}, err
		}
	}
	if !product.Available {
		return OrderLineItem{}, fmt.Errorf("%w: product %q is unavailable", ErrOrderInvalidInput, productName(product))
	}

	base := product.Price
	ceiling := base * v.ceiling
	switch {
	case item.UnitPrice < base:
		return OrderLineItem{}, fmt.Errorf("%w: unit price %d for product %q is below the catalog price %d",
			ErrOrderInvalidInput, item.UnitPrice, productName(product), base)
	case item.UnitPrice > ceiling:
		return OrderLineItem{}, fmt.Errorf("%w: unit price %d for product %q exceeds the permitted maximum %d",
			ErrOrderInvalidInput, item.UnitPrice, productName(product), ceiling)
	}

	displayName := textutil.PlainText(item.DisplayName, maxDisplayNameRunes)
	if displayName == "" {
		displayName = product.Name
	}

	return OrderLineItem{
		ProductRef:  product.ID,
		DisplayName: displayName,
		Quantity:    item.Quantity,
		UnitPrice:   item.UnitPrice,
	}, nil
}

func productName(product Product) string {
	if name := strings.TrimSpace(product.Name); name != "" {
		return name
	}
	return product.ID
}
