// Package domain defines the core business entities for the HostBridge gateway.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus represents the lifecycle state of an order. Transitions are
// forward-only: a completed, cancelled or failed order never moves again.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusOnHold     OrderStatus = "on-hold"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusFailed     OrderStatus = "failed"
)

// IsTerminal reports whether the status admits no further payment transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled || s == OrderStatusFailed
}

// PaymentMethod records which payment flow the payer committed to.
type PaymentMethod string

const (
	PaymentMethodUndecided PaymentMethod = "pending_choice"
	PaymentMethodSTKPush   PaymentMethod = "stk_push"
	PaymentMethodManual    PaymentMethod = "manual"
)

// Order is the slice of the external store's order that payment reconciliation
// reads and mutates. Orders are created by the hosting platform in "pending";
// the gateway only ever moves them forward.
type Order struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	Number            string          `json:"number" db:"number"`
	Status            OrderStatus     `json:"status" db:"status"`
	Total             decimal.Decimal `json:"total" db:"total"`
	PhoneNumber       string          `json:"phone_number" db:"phone_number"`
	CheckoutRequestID string          `json:"checkout_request_id" db:"checkout_request_id"`
	TransactionID     string          `json:"transaction_id" db:"transaction_id"`
	PaymentMethod     PaymentMethod   `json:"payment_method" db:"payment_method"`
	PaymentData       json.RawMessage `json:"payment_data,omitempty" db:"payment_data"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
	PaidAt            *time.Time      `json:"paid_at,omitempty" db:"paid_at"`
}

// IsPaid reports whether a verified remote payment has been recorded. The
// transaction id is set exactly once, so presence is proof of payment even
// when the status write raced or failed.
func (o *Order) IsPaid() bool {
	return o.TransactionID != ""
}

// Reference is the stable payer-facing reference that matches remote
// transactions to this order. Derived from order identity, never regenerated.
func (o *Order) Reference() string {
	return o.Number
}

// ChargeAmount is the order total in whole currency units, rounded, as the
// remote API expects for push payments.
func (o *Order) ChargeAmount() int64 {
	return o.Total.Round(0).IntPart()
}

// OrderNote is an audit note attached to an order.
type OrderNote struct {
	ID        int64     `json:"id" db:"id"`
	OrderID   uuid.UUID `json:"order_id" db:"order_id"`
	Note      string    `json:"note" db:"note"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
