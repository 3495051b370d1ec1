package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Role identifies the authorisation class of an actor.
type Role string

const (
	// RoleAnonymous represents a caller without a credential (guest checkout).
	RoleAnonymous Role = ""
	// RoleCustomer is an authenticated diner.
	RoleCustomer Role = "customer"
	// RoleAdmin manages catalog and fulfilment.
	RoleAdmin Role = "admin"
	// RoleDelivery is a courier that progresses assigned delivery orders.
	RoleDelivery Role = "delivery"
)

// Valid reports whether the role is one of the recognised authenticated roles.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleAdmin, RoleDelivery:
		return true
	default:
		return false
	}
}

// Actor is the identity performing an operation. A nil *Actor is a guest.
type Actor struct {
	ID   string
	Role Role
}

// IsAdmin reports whether the actor carries the admin role.
func (a *Actor) IsAdmin() bool {
	return a != nil && a.Role == RoleAdmin
}

// OrderType enumerates how an order is fulfilled.
type OrderType string

const (
	OrderTypeDineIn   OrderType = "dine_in"
	OrderTypeTakeout  OrderType = "takeout"
	OrderTypeDelivery OrderType = "delivery"
)

// Valid reports whether the order type is recognised.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeDineIn, OrderTypeTakeout, OrderTypeDelivery:
		return true
	default:
		return false
	}
}

// OrderStatus enumerates lifecycle states for an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusAssigned  OrderStatus = "assigned"
	OrderStatusOnTheWay  OrderStatus = "on_the_way"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderStatuses lists every recognised status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusAccepted,
	OrderStatusPreparing,
	OrderStatusReady,
	OrderStatusAssigned,
	OrderStatusOnTheWay,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// Valid reports whether the status is recognised.
func (s OrderStatus) Valid() bool {
	for _, candidate := range OrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// DeliveryOnly reports whether the status applies exclusively to delivery orders.
func (s OrderStatus) DeliveryOnly() bool {
	return s == OrderStatusAssigned || s == OrderStatusOnTheWay
}

// Order is the central aggregate persisted for every placed order.
type Order struct {
	ID                  string
	CustomerRef         string
	Type                OrderType
	DeliveryAddress     *DeliveryAddress
	TableNumber         string
	Items               []OrderLineItem
	TotalAmount         int64
	Status              OrderStatus
	AssignedDeliveryRef string
	ExternalRef         string
	ExternalSyncedAt    *time.Time
	Customer            CustomerInfo
	Note                string
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsGuest reports whether the order was placed without an authenticated customer.
func (o Order) IsGuest() bool {
	return o.CustomerRef == ""
}

// OrderLineItem is one product/quantity/price entry fixed at creation.
type OrderLineItem struct {
	ProductRef  string
	DisplayName string
	Quantity    int
	UnitPrice   int64
}

// LineTotal returns unit price multiplied by quantity.
func (l OrderLineItem) LineTotal() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// DeliveryAddress holds the destination for delivery orders. Coordinates are stored, never tracked.
type DeliveryAddress struct {
	Line       string
	Detail     string
	PostalCode string
	Latitude   *float64
	Longitude  *float64
}

// CustomerInfo captures optional contact details supplied at checkout.
type CustomerInfo struct {
	Name  string
	Phone string
	Email string
}

// Product is the catalog record consulted for pricing and ERP resolution.
type Product struct {
	ID          string
	Name        string
	Description string
	Price       int64
	Available   bool
	ExternalID  string
	Category    string
	UpdatedAt   time.Time
}

// HealthStatus values reported by readiness probes.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
