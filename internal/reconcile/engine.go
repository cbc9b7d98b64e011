// ==============================================================================
// RECONCILIATION ENGINE - internal/reconcile/engine.go
// ==============================================================================
// Package reconcile owns the per-order payment state machine: initiate a push
// payment, poll for its outcome, verify manually-entered transaction codes,
// and move the order forward exactly once on a verified remote signal.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"hostbridge/internal/domain"
	"hostbridge/internal/hostpay"
	"hostbridge/internal/phone"
	pkgerrors "hostbridge/pkg/errors"
	"hostbridge/pkg/logger"
)

// OrderStore is the adapter to the external order store. The engine holds no
// state of its own; every entry point re-reads the order through Get so guard
// checks always run against the freshest view.
type OrderStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	Update(ctx context.Context, o *domain.Order) error
	SetStatus(ctx context.Context, id uuid.UUID, status domain.OrderStatus, note string) error
	// MarkPaid records the payment atomically: transaction id (first write
	// wins), completed status, audit note and raw payment payload either all
	// take effect or none do.
	MarkPaid(ctx context.Context, id uuid.UUID, transactionID, note string, payload json.RawMessage) error
}

// AccountSource resolves the merchant account configured for charging.
type AccountSource interface {
	Selected(ctx context.Context) (*domain.Account, error)
}

// PaymentClient is the remote payment API surface the engine drives.
type PaymentClient interface {
	InitiateSTKPush(ctx context.Context, req hostpay.STKPushRequest) (hostpay.Payload, error)
	QuerySTKPush(ctx context.Context, checkoutRequestID string) (hostpay.Payload, error)
	VerifyTransaction(ctx context.Context, req hostpay.VerifyRequest) (hostpay.Payload, error)
}

type Engine struct {
	orders   OrderStore
	accounts AccountSource
	client   PaymentClient
	logger   logger.Logger
}

func NewEngine(orders OrderStore, accounts AccountSource, client PaymentClient, log logger.Logger) *Engine {
	return &Engine{
		orders:   orders,
		accounts: accounts,
		client:   client,
		logger:   log,
	}
}

// Result reasons for negative outcomes.
const (
	ReasonInvalidPhone   = "invalid_phone"
	ReasonNotConfigured  = "not_configured"
	ReasonInitiateFailed = "initiate_failed"
	ReasonNoRequest      = "no_request"
	ReasonInvalidCode    = "invalid_code"
	ReasonVerifyFailed   = "verify_failed"
	ReasonAmountMismatch = "amount_mismatch"
)

// InitiateResult is the outcome of an STK push initiation attempt.
type InitiateResult struct {
	Success           bool   `json:"success"`
	Reason            string `json:"reason,omitempty"`
	Message           string `json:"message"`
	CheckoutRequestID string `json:"checkout_request_id,omitempty"`
}

// InitiateSTKPush starts the push-payment flow for an order. Invalid input
// and missing configuration are reported as results, never as errors; errors
// are reserved for the order store itself.
func (e *Engine) InitiateSTKPush(ctx context.Context, orderID uuid.UUID, rawPhone string) (*InitiateResult, error) {
	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Processing STK Push", map[string]interface{}{
		"order_id": order.ID,
		"number":   order.Number,
	})

	if order.IsPaid() {
		if err := e.repair(ctx, order); err != nil {
			return nil, err
		}
		return &InitiateResult{
			Success: true,
			Message: "This order has already been paid.",
		}, nil
	}

	if !phone.Validate(rawPhone) {
		return &InitiateResult{
			Success: false,
			Reason:  ReasonInvalidPhone,
			Message: "Invalid phone number. Please enter a valid Kenyan mobile number.",
		}, nil
	}
	formatted, _ := phone.Format(rawPhone)

	shortcode, res := e.resolveShortcode(ctx)
	if res != nil {
		return &InitiateResult{Success: false, Reason: res.Reason, Message: res.Message}, nil
	}

	payload, err := e.client.InitiateSTKPush(ctx, hostpay.STKPushRequest{
		Shortcode:        shortcode,
		Amount:           order.ChargeAmount(),
		PhoneNumber:      formatted,
		Reason:           fmt.Sprintf("Payment for Order #%s", order.Number),
		AccountReference: order.Reference(),
	})
	if err != nil {
		e.logger.Error("STK Push failed", map[string]interface{}{
			"order_id": order.ID,
			"error":    err.Error(),
		})
		return &InitiateResult{
			Success: false,
			Reason:  ReasonInitiateFailed,
			Message: "Failed to initiate payment. Please try again or use manual payment.",
		}, nil
	}

	checkoutRequestID := extractCheckoutRequestID(payload)
	if checkoutRequestID == "" {
		return &InitiateResult{
			Success: false,
			Reason:  ReasonInitiateFailed,
			Message: "Failed to initiate payment. Please try again.",
		}, nil
	}

	// Re-initiation overwrites the previous request id; only the latest push
	// is authoritative.
	order.CheckoutRequestID = checkoutRequestID
	order.PhoneNumber = formatted
	order.PaymentMethod = domain.PaymentMethodSTKPush
	if err := e.orders.Update(ctx, order); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to persist push request")
	}

	e.logger.Info("STK Push initiated", map[string]interface{}{
		"order_id":            order.ID,
		"checkout_request_id": checkoutRequestID,
	})

	return &InitiateResult{
		Success:           true,
		Message:           "Payment request sent to your phone. Please enter your M-Pesa PIN to complete the payment.",
		CheckoutRequestID: checkoutRequestID,
	}, nil
}

// ChoosePaymentMethod records the payer's committed flow. Choosing manual
// parks the order on-hold until a transaction code is verified.
func (e *Engine) ChoosePaymentMethod(ctx context.Context, orderID uuid.UUID, method domain.PaymentMethod) error {
	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}

	if order.IsPaid() {
		return e.repair(ctx, order)
	}

	switch method {
	case domain.PaymentMethodSTKPush, domain.PaymentMethodManual:
	default:
		return fmt.Errorf("unknown payment method: %s", method)
	}

	order.PaymentMethod = method
	if err := e.orders.Update(ctx, order); err != nil {
		return pkgerrors.Wrap(err, "failed to persist payment method")
	}

	if method == domain.PaymentMethodManual {
		return e.orders.SetStatus(ctx, order.ID, domain.OrderStatusOnHold, "Awaiting manual M-Pesa payment.")
	}
	return e.orders.SetStatus(ctx, order.ID, domain.OrderStatusPending, "Awaiting M-Pesa payment confirmation.")
}

// configResult is an internal carrier for configuration failures.
type configResult struct {
	Reason  string
	Message string
}

func (e *Engine) resolveShortcode(ctx context.Context) (string, *configResult) {
	acc, err := e.accounts.Selected(ctx)
	if err != nil {
		e.logger.Error("Account resolution failed", map[string]interface{}{
			"error": err.Error(),
		})
		return "", &configResult{
			Reason:  ReasonNotConfigured,
			Message: "M-Pesa account not configured. Please contact support.",
		}
	}

	shortcode, ok := acc.Shortcode()
	if !ok {
		return "", &configResult{
			Reason:  ReasonNotConfigured,
			Message: "M-Pesa shortcode not found. Please contact support.",
		}
	}
	return shortcode, nil
}

// complete marks the order paid. Shared by the push and manual flows. The
// transaction id is written exactly once; repeated completions are no-ops on
// the id and only repair a missing terminal status.
func (e *Engine) complete(ctx context.Context, order *domain.Order, payload hostpay.Payload, transactionID string) error {
	if transactionID == "" {
		transactionID = extractReceipt(payload)
	}

	if order.IsPaid() {
		transactionID = order.TransactionID
	}

	raw := order.PaymentData
	if payload != nil {
		if encoded, err := json.Marshal(payload); err == nil {
			raw = encoded
		}
	}

	note := fmt.Sprintf("M-Pesa payment completed. Transaction ID: %s", transactionID)
	if err := e.orders.MarkPaid(ctx, order.ID, transactionID, note, raw); err != nil {
		return pkgerrors.Wrap(err, "failed to complete payment")
	}

	e.logger.Info("Payment completed", map[string]interface{}{
		"order_id": order.ID,
		"trans_id": transactionID,
	})
	return nil
}

// repair re-runs the completion step for an order that has a transaction id
// but a non-terminal status (a half-applied completion).
func (e *Engine) repair(ctx context.Context, order *domain.Order) error {
	if !order.IsPaid() || order.Status.IsTerminal() {
		return nil
	}

	e.logger.Warn("Repairing partially completed order", map[string]interface{}{
		"order_id": order.ID,
		"status":   order.Status,
	})
	return e.complete(ctx, order, nil, order.TransactionID)
}
