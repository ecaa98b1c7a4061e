package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/paymint/transfer-engine/internal/domain"
	"github.com/paymint/transfer-engine/internal/models"
	"github.com/shopspring/decimal"
)

const transferColumns = `id, transfer_group_id, owner_id, type, from_account_id, to_account_id,
	from_currency, to_currency, fx_rate::text, amount_micros, balance_after_micros, reference_id, created_at`

func scanTransfer(row pgx.Row) (models.Transfer, error) {
	var t models.Transfer
	var rate string
	err := row.Scan(&t.ID, &t.GroupID, &t.OwnerID, &t.Type, &t.FromAccountID, &t.ToAccountID,
		&t.FromCurrency, &t.ToCurrency, &rate, &t.AmountMicros, &t.BalanceAfterMicros, &t.ReferenceID, &t.CreatedAt)
	if err != nil {
		return t, err
	}
	t.Rate, err = decimal.NewFromString(rate)
	if err != nil {
		return t, fmt.Errorf("parse fx_rate %q: %w", rate, err)
	}
	return t, nil
}

// InsertTransfer appends one leg. Partial unique indexes enforce exactly one
// WITHDRAWAL and at most one resolution (DEPOSIT or REFUNDED) per group.
func (q *Queries) InsertTransfer(ctx context.Context, t *models.Transfer) error {
	query := `
		INSERT INTO transfers (id, transfer_group_id, owner_id, type, from_account_id, to_account_id,
			from_currency, to_currency, fx_rate, amount_micros, balance_after_micros, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		RETURNING created_at
	`
	err := q.db.QueryRow(ctx, query,
		t.ID, t.GroupID, t.OwnerID, t.Type, t.FromAccountID, t.ToAccountID,
		t.FromCurrency, t.ToCurrency, t.Rate.String(), t.AmountMicros, t.BalanceAfterMicros, t.ReferenceID,
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert %s transfer: %w", t.Type, err)
	}
	return nil
}

// GetTransferByReference returns the withdrawal leg previously created for a
// client reference id, if any.
func (q *Queries) GetTransferByReference(ctx context.Context, referenceID string) (models.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE reference_id = $1`
	return scanTransfer(q.db.QueryRow(ctx, query, referenceID))
}

// GetWithdrawalByGroup returns the withdrawal leg of a transfer group.
func (q *Queries) GetWithdrawalByGroup(ctx context.Context, groupID uuid.UUID) (models.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE transfer_group_id = $1 AND type = $2`
	return scanTransfer(q.db.QueryRow(ctx, query, groupID, domain.TransferTypeWithdrawal))
}

// GetResolutionByGroup returns the DEPOSIT or REFUNDED leg of a group.
// pgx.ErrNoRows means the group is still pending.
func (q *Queries) GetResolutionByGroup(ctx context.Context, groupID uuid.UUID) (models.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers
		WHERE transfer_group_id = $1 AND type IN ($2, $3)`
	return scanTransfer(q.db.QueryRow(ctx, query, groupID, domain.TransferTypeDeposit, domain.TransferTypeRefunded))
}

// ListTransfersByAccount returns legs touching an account, newest first.
func (q *Queries) ListTransfersByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int32) ([]models.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers
		WHERE from_account_id = $1 OR to_account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := q.db.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var transfers []models.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// CountPendingGroups counts withdrawal legs with no resolution leg yet: the
// current size of the saga inconsistency window.
func (q *Queries) CountPendingGroups(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM transfers w
		WHERE w.type = $1
		AND NOT EXISTS (
			SELECT 1 FROM transfers r
			WHERE r.transfer_group_id = w.transfer_group_id AND r.type IN ($2, $3)
		)
	`, domain.TransferTypeWithdrawal, domain.TransferTypeDeposit, domain.TransferTypeRefunded).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending groups: %w", err)
	}
	return count, nil
}

// ListStalePendingWithdrawals returns withdrawal legs older than cutoff whose
// group still has no resolution leg.
func (q *Queries) ListStalePendingWithdrawals(ctx context.Context, cutoff time.Time, limit int32) ([]models.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers w
		WHERE w.type = $1 AND w.created_at < $2
		AND NOT EXISTS (
			SELECT 1 FROM transfers r
			WHERE r.transfer_group_id = w.transfer_group_id AND r.type IN ($3, $4)
		)
		ORDER BY w.created_at ASC
		LIMIT $5`
	rows, err := q.db.Query(ctx, query,
		domain.TransferTypeWithdrawal, cutoff, domain.TransferTypeDeposit, domain.TransferTypeRefunded, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending withdrawals: %w", err)
	}
	defer rows.Close()

	var transfers []models.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale withdrawal: %w", err)
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}
