package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/paymint/transfer-engine/internal/models"
)

const paymentColumns = `id, transfer_group_id, owner_id, status, created_at, updated_at`

func scanPayment(row pgx.Row) (models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.GroupID, &p.OwnerID, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// InsertPayment creates the payment wrapper for a transfer group.
func (q *Queries) InsertPayment(ctx context.Context, p *models.Payment) error {
	query := `
		INSERT INTO payments (id, transfer_group_id, owner_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := q.db.QueryRow(ctx, query, p.ID, p.GroupID, p.OwnerID, p.Status).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetPayment reads a payment without locking.
func (q *Queries) GetPayment(ctx context.Context, id uuid.UUID) (models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(q.db.QueryRow(ctx, query, id))
}

// GetPaymentForUpdate locks the payment row for a status transition.
func (q *Queries) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`
	return scanPayment(q.db.QueryRow(ctx, query, id))
}

// GetPaymentByGroup returns the payment wrapping a transfer group, if any.
func (q *Queries) GetPaymentByGroup(ctx context.Context, groupID uuid.UUID) (models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE transfer_group_id = $1`
	return scanPayment(q.db.QueryRow(ctx, query, groupID))
}

// UpdatePaymentStatus transitions a payment and returns affected rows.
func (q *Queries) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status string) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE payments SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return 0, fmt.Errorf("update payment status: %w", err)
	}
	return tag.RowsAffected(), nil
}
