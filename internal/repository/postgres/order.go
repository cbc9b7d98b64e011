package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"hostbridge/internal/domain"
	"hostbridge/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type OrderRepository struct {
	db *sqlx.DB
}

func NewOrderRepository(db *sqlx.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `
	id, number, status, total,
	COALESCE(phone_number, '') AS phone_number,
	COALESCE(checkout_request_id, '') AS checkout_request_id,
	COALESCE(transaction_id, '') AS transaction_id,
	payment_method, payment_data, created_at, updated_at, paid_at
`

func (r *OrderRepository) Create(ctx context.Context, o *domain.Order) error {
	query := `
        INSERT INTO orders (
            id, number, status, total, phone_number, checkout_request_id,
            transaction_id, payment_method, payment_data, created_at, updated_at
        ) VALUES (
            $1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, $11
        )
    `

	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, query,
		o.ID, o.Number, o.Status, o.Total, o.PhoneNumber, o.CheckoutRequestID,
		o.TransactionID, o.PaymentMethod, o.PaymentData, o.CreatedAt, o.UpdatedAt,
	)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" { // unique_violation
			return errors.ErrOrderAlreadyExists
		}
		return errors.Wrap(err, "failed to create order")
	}

	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	var o domain.Order
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	err := r.db.GetContext(ctx, &o, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find order")
	}

	return &o, nil
}

func (r *OrderRepository) FindByNumber(ctx context.Context, number string) (*domain.Order, error) {
	var o domain.Order
	query := `SELECT ` + orderColumns + ` FROM orders WHERE number = $1`

	err := r.db.GetContext(ctx, &o, query, number)
	if err == sql.ErrNoRows {
		return nil, errors.ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find order")
	}

	return &o, nil
}

// Update persists the mutable payment fields. The transaction id is not
// updated here; it is only ever written through MarkPaid.
func (r *OrderRepository) Update(ctx context.Context, o *domain.Order) error {
	query := `
		UPDATE orders SET
			phone_number = NULLIF($1, ''), checkout_request_id = NULLIF($2, ''),
			payment_method = $3, updated_at = NOW()
		WHERE id = $4
	`

	_, err := r.db.ExecContext(ctx, query,
		o.PhoneNumber, o.CheckoutRequestID, o.PaymentMethod, o.ID,
	)

	return errors.Wrap(err, "failed to update order")
}

// SetStatus moves the order to a new status and records the audit note in
// the same transaction.
func (r *OrderRepository) SetStatus(ctx context.Context, id uuid.UUID, status domain.OrderStatus, note string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update order status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrOrderNotFound
	}

	if note != "" {
		if err := insertNote(ctx, tx, id, note); err != nil {
			return err
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit status update")
}

// MarkPaid records a verified payment atomically: transaction id, completed
// status, paid timestamp, audit note and raw payment payload all land in one
// database transaction. The transaction id write is first-write-wins; a
// repeated call keeps the original id and only repairs the status.
func (r *OrderRepository) MarkPaid(ctx context.Context, id uuid.UUID, transactionID, note string, payload json.RawMessage) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := `
		UPDATE orders SET
			transaction_id = COALESCE(transaction_id, NULLIF($1, '')),
			payment_data = COALESCE(payment_data, $2),
			status = $3,
			paid_at = COALESCE(paid_at, NOW()),
			updated_at = NOW()
		WHERE id = $4
	`

	res, err := tx.ExecContext(ctx, query, transactionID, payload, domain.OrderStatusCompleted, id)
	if err != nil {
		return errors.Wrap(err, "failed to mark order paid")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrOrderNotFound
	}

	if note != "" {
		if err := insertNote(ctx, tx, id, note); err != nil {
			return err
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit payment")
}

func (r *OrderRepository) AddNote(ctx context.Context, id uuid.UUID, note string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO order_notes (order_id, note, created_at) VALUES ($1, $2, NOW())`,
		id, note,
	)
	return errors.Wrap(err, "failed to add order note")
}

func (r *OrderRepository) Notes(ctx context.Context, id uuid.UUID) ([]domain.OrderNote, error) {
	var notes []domain.OrderNote
	query := `SELECT id, order_id, note, created_at FROM order_notes WHERE order_id = $1 ORDER BY created_at ASC, id ASC`

	if err := r.db.SelectContext(ctx, &notes, query, id); err != nil {
		return nil, errors.Wrap(err, "failed to list order notes")
	}
	return notes, nil
}

func insertNote(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, note string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO order_notes (order_id, note, created_at) VALUES ($1, $2, NOW())`,
		id, note,
	)
	return errors.Wrap(err, "failed to record order note")
}
