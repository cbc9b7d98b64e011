package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"hostbridge/internal/domain"
)

// Instructions are the step-by-step directions a payer follows to pay
// manually, shaped by the merchant account type.
type Instructions struct {
	Type      domain.AccountType `json:"type"`
	Shortcode string             `json:"shortcode"`
	Amount    int64              `json:"amount"`
	Reference string             `json:"reference"`
	Steps     []string           `json:"steps"`
}

// Instructions builds manual payment directions for an order against the
// configured merchant account.
func (e *Engine) Instructions(ctx context.Context, orderID uuid.UUID) (*Instructions, error) {
	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	acc, err := e.accounts.Selected(ctx)
	if err != nil {
		return nil, err
	}

	shortcode, ok := acc.Shortcode()
	if !ok {
		return nil, fmt.Errorf("account %s has no active shortcode", acc.ID)
	}

	ins := &Instructions{
		Type:      acc.Type(),
		Shortcode: shortcode,
		Amount:    order.ChargeAmount(),
		Reference: order.Reference(),
	}

	if ins.Type == domain.AccountTypePaybill {
		ins.Steps = []string{
			"Go to M-Pesa menu on your phone",
			"Select Lipa na M-Pesa",
			"Select Pay Bill",
			fmt.Sprintf("Enter Business Number: %s", shortcode),
			fmt.Sprintf("Enter Account Number: %s", ins.Reference),
			fmt.Sprintf("Enter Amount: %d", ins.Amount),
			"Enter your M-Pesa PIN",
			"Confirm the transaction",
		}
	} else {
		ins.Steps = []string{
			"Go to M-Pesa menu on your phone",
			"Select Lipa na M-Pesa",
			"Select Buy Goods and Services",
			fmt.Sprintf("Enter Till Number: %s", shortcode),
			fmt.Sprintf("Enter Amount: %d", ins.Amount),
			"Enter your M-Pesa PIN",
			"Confirm the transaction",
		}
	}

	return ins, nil
}
