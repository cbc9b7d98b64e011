package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"hostbridge/internal/domain"
	"hostbridge/internal/hostpay"
)

// PollStatus is the externally visible outcome of a status query.
type PollStatus string

const (
	PollStatusCompleted PollStatus = "completed"
	PollStatusCancelled PollStatus = "cancelled"
	PollStatusFailed    PollStatus = "failed"
	PollStatusPending   PollStatus = "pending"
	PollStatusError     PollStatus = "error"
)

// Terminal reports whether further polling is pointless.
func (s PollStatus) Terminal() bool {
	return s == PollStatusCompleted || s == PollStatusCancelled || s == PollStatusFailed
}

// PollResult is the outcome of one push-status query. Status "error" means
// the query itself failed and is safe to retry; it is never terminal.
type PollResult struct {
	Success    bool       `json:"success"`
	Status     PollStatus `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	Message    string     `json:"message"`
	Suggestion string     `json:"suggestion,omitempty"`
}

const manualFallbackSuggestion = "You can complete the payment manually and verify it with your M-Pesa transaction code."

// QueryStatus checks the remote outcome of an initiated push payment and
// applies at most one forward transition to the order. Once the order is in
// a terminal state, subsequent calls report that state without touching the
// remote API or the order.
func (e *Engine) QueryStatus(ctx context.Context, orderID uuid.UUID) (*PollResult, error) {
	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.IsPaid() {
		if err := e.repair(ctx, order); err != nil {
			return nil, err
		}
		return &PollResult{
			Success: true,
			Status:  PollStatusCompleted,
			Message: "Payment completed!",
		}, nil
	}

	switch order.Status {
	case domain.OrderStatusCancelled:
		return &PollResult{
			Success:    false,
			Status:     PollStatusCancelled,
			Message:    "Payment was cancelled.",
			Suggestion: manualFallbackSuggestion,
		}, nil
	case domain.OrderStatusFailed:
		return &PollResult{
			Success:    false,
			Status:     PollStatusFailed,
			Message:    "Payment failed.",
			Suggestion: manualFallbackSuggestion,
		}, nil
	}

	if order.CheckoutRequestID == "" {
		return &PollResult{
			Success: false,
			Status:  PollStatusError,
			Reason:  ReasonNoRequest,
			Message: "No payment request found for this order.",
		}, nil
	}

	payload, err := e.client.QuerySTKPush(ctx, order.CheckoutRequestID)
	if err != nil {
		e.logger.Error("STK Push query failed", map[string]interface{}{
			"order_id": order.ID,
			"error":    err.Error(),
		})
		// Retryable: the remote call failed, nothing transitioned.
		return &PollResult{
			Success: false,
			Status:  PollStatusError,
			Message: "Failed to check payment status.",
		}, nil
	}

	return e.interpretPushOutcome(ctx, order, payload)
}

// interpretPushOutcome maps the remote response onto a transition. The API
// has carried its verdict in three shapes over time: result_code (current,
// possibly nested under data), a plain status string, and a legacy
// root-level ResultCode. They are tried in that precedence.
func (e *Engine) interpretPushOutcome(ctx context.Context, order *domain.Order, payload hostpay.Payload) (*PollResult, error) {
	data := payload.Data()

	if code, ok := data.String("result_code"); ok {
		return e.applyResultCode(ctx, order, payload, code)
	}

	if status, ok := data.String("status"); ok {
		switch status {
		case "completed", "success":
			return e.completeFromPoll(ctx, order, payload)
		case "failed":
			return e.failFromPoll(ctx, order, payload)
		}
	}

	if code, ok := payload.String("ResultCode"); ok {
		return e.applyResultCode(ctx, order, payload, code)
	}

	// Neither verdict shape present: still pending.
	return &PollResult{
		Success: true,
		Status:  PollStatusPending,
		Message: "Waiting for payment confirmation...",
	}, nil
}

func (e *Engine) applyResultCode(ctx context.Context, order *domain.Order, payload hostpay.Payload, code string) (*PollResult, error) {
	switch code {
	case "0":
		return e.completeFromPoll(ctx, order, payload)
	case "1032":
		if err := e.orders.SetStatus(ctx, order.ID, domain.OrderStatusCancelled, "Payment cancelled by user."); err != nil {
			return nil, err
		}
		return &PollResult{
			Success:    false,
			Status:     PollStatusCancelled,
			Message:    "Payment was cancelled.",
			Suggestion: manualFallbackSuggestion,
		}, nil
	case "1037":
		// No response from the user yet. Treated as still pending; if the
		// remote ever redefines 1037 as a permanent no-response failure this
		// mapping is the place to revisit.
		return &PollResult{
			Success: true,
			Status:  PollStatusPending,
			Message: "Waiting for payment confirmation...",
		}, nil
	}
	return e.failFromPoll(ctx, order, payload)
}

func (e *Engine) completeFromPoll(ctx context.Context, order *domain.Order, payload hostpay.Payload) (*PollResult, error) {
	if err := e.complete(ctx, order, payload, ""); err != nil {
		return nil, err
	}
	return &PollResult{
		Success: true,
		Status:  PollStatusCompleted,
		Message: "Payment completed successfully!",
	}, nil
}

func (e *Engine) failFromPoll(ctx context.Context, order *domain.Order, payload hostpay.Payload) (*PollResult, error) {
	message := extractResultDesc(payload)
	if message == "" {
		message = "Payment failed."
	}

	note := fmt.Sprintf("Payment failed: %s", message)
	if err := e.orders.SetStatus(ctx, order.ID, domain.OrderStatusFailed, note); err != nil {
		return nil, err
	}

	return &PollResult{
		Success:    false,
		Status:     PollStatusFailed,
		Message:    message,
		Suggestion: manualFallbackSuggestion,
	}, nil
}
