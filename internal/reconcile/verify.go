package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"hostbridge/internal/hostpay"
)

// amountTolerance absorbs rounding differences between the remote ledger's
// confirmed amount and the order total. Exact equality is not required.
var amountTolerance = decimal.NewFromFloat(0.01)

// VerifyResult is the outcome of a manual transaction-code verification.
type VerifyResult struct {
	Success  bool            `json:"success"`
	Reason   string          `json:"reason,omitempty"`
	Message  string          `json:"message"`
	Expected decimal.Decimal `json:"expected_amount,omitempty"`
	Paid     decimal.Decimal `json:"paid_amount,omitempty"`
}

// VerifyManual matches a payer-supplied transaction code against the remote
// ledger and completes the order when the remote confirms a payment for the
// right amount. Re-submitting a code for an already-paid order is an
// idempotent success; under no circumstances is a second completion applied.
func (e *Engine) VerifyManual(ctx context.Context, orderID uuid.UUID, rawCode string) (*VerifyResult, error) {
	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Verifying manual payment", map[string]interface{}{
		"order_id": order.ID,
		"number":   order.Number,
	})

	if order.IsPaid() {
		if err := e.repair(ctx, order); err != nil {
			return nil, err
		}
		return &VerifyResult{
			Success: true,
			Message: "This order has already been paid.",
		}, nil
	}

	code := strings.ToUpper(strings.TrimSpace(rawCode))
	if code == "" {
		return &VerifyResult{
			Success: false,
			Reason:  ReasonInvalidCode,
			Message: "Please enter a valid transaction ID.",
		}, nil
	}

	shortcode, cfgErr := e.resolveShortcode(ctx)
	if cfgErr != nil {
		return &VerifyResult{Success: false, Reason: cfgErr.Reason, Message: cfgErr.Message}, nil
	}

	payload, err := e.client.VerifyTransaction(ctx, hostpay.VerifyRequest{
		TransID:           code,
		BillRefNumber:     order.Reference(),
		Amount:            order.ChargeAmount(),
		BusinessShortcode: shortcode,
	})
	if err != nil {
		e.logger.Error("Verification failed", map[string]interface{}{
			"order_id": order.ID,
			"error":    err.Error(),
		})
		return &VerifyResult{
			Success: false,
			Reason:  ReasonVerifyFailed,
			Message: "Failed to verify payment. Please check the transaction ID and try again.",
		}, nil
	}

	if success, ok := payload.Bool("success"); !ok || !success {
		message, _ := payload.String("message")
		if message == "" {
			message = "Payment verification failed."
		}
		return &VerifyResult{
			Success: false,
			Reason:  ReasonVerifyFailed,
			Message: message,
		}, nil
	}

	paidFloat, _ := extractPaidAmount(payload)
	paid := decimal.NewFromFloat(paidFloat)

	if order.Total.Sub(paid).Abs().GreaterThanOrEqual(amountTolerance) {
		e.logger.Warn("Amount mismatch", map[string]interface{}{
			"order_id": order.ID,
			"paid":     paid.String(),
			"expected": order.Total.String(),
		})
		return &VerifyResult{
			Success:  false,
			Reason:   ReasonAmountMismatch,
			Message:  fmt.Sprintf("Payment amount mismatch. Expected: %s, Paid: %s", order.Total.StringFixed(2), paid.StringFixed(2)),
			Expected: order.Total,
			Paid:     paid,
		}, nil
	}

	// Prefer the ledger's own receipt identifier; the payer-typed code is
	// only the fallback when the response carries none.
	receipt := extractReceipt(payload)
	if receipt == "" {
		receipt = code
	}
	if err := e.complete(ctx, order, payload, receipt); err != nil {
		return nil, err
	}

	return &VerifyResult{
		Success: true,
		Message: "Payment verified successfully!",
	}, nil
}
