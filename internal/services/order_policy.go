package services

import (
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
)

const defaultGuestReadWindow = time.Hour

// deliveryTargets are the only statuses a courier may set. The current status is not consulted.
var deliveryTargets = map[domain.OrderStatus]bool{
	domain.OrderStatusOnTheWay:  true,
	domain.OrderStatusDelivered: true,
}

// authorizeRead applies the read rule: staff read everything, customers read their own orders and
// guests read any order for a short window after it was placed.
func authorizeRead(actor *Actor, order Order, now time.Time, guestWindow time.Duration) error {
	if actor == nil {
		if now.Sub(order.CreatedAt) < guestWindow {
			return nil
		}
		return fmt.Errorf("%w: guest access to order has expired", ErrOrderUnauthorized)
	}
	switch actor.Role {
	case domain.RoleAdmin, domain.RoleDelivery:
		return nil
	case domain.RoleCustomer:
		if order.CustomerRef != "" && order.CustomerRef == actor.ID {
			return nil
		}
	}
	return ErrOrderForbidden
}

// authorizeTransition applies the role-to-transition permission matrix.
func authorizeTransition(actor *Actor, order Order, target OrderStatus) error {
	if actor == nil {
		return fmt.Errorf("%w: authentication required", ErrOrderUnauthorized)
	}
	switch actor.Role {
	case domain.RoleAdmin:
		return nil
	case domain.RoleDelivery:
		assigned := strings.TrimSpace(order.AssignedDeliveryRef)
		if assigned != "" && assigned == actor.ID && deliveryTargets[target] {
			return nil
		}
	}
	return ErrOrderForbidden
}

func authorizeAssignment(actor *Actor) error {
	if actor == nil {
		return fmt.Errorf("%w: authentication required", ErrOrderUnauthorized)
	}
	if !actor.IsAdmin() {
		return ErrOrderForbidden
	}
	return nil
}

// scopeListFilter narrows a listing to what the actor may see. Only admins keep caller filters
// on ownership and assignment.
func scopeListFilter(actor *Actor, filter OrderListFilter) (OrderListFilter, error) {
	if actor == nil {
		return OrderListFilter{}, fmt.Errorf("%w: authentication required", ErrOrderUnauthorized)
	}
	switch actor.Role {
	case domain.RoleAdmin:
	case domain.RoleDelivery:
		filter.CustomerRef = ""
		filter.AssignedDeliveryRef = actor.ID
	case domain.RoleCustomer:
		filter.CustomerRef = actor.ID
		filter.AssignedDeliveryRef = ""
	default:
		return OrderListFilter{}, ErrOrderForbidden
	}
	return filter, nil
}

func parseStatus(raw string) (OrderStatus, error) {
	status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if status == "" {
		return "", fmt.Errorf("%w: status is required", ErrOrderInvalidInput)
	}
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, raw)
	}
	return status, nil
}
