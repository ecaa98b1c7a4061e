package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/paymint/transfer-engine/internal/models"
)

const accountColumns = `id, account_number, owner_id, currency, balance_micros, credential_hash, status, created_at`

func scanAccount(row pgx.Row) (models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.AccountNumber, &a.OwnerID, &a.Currency, &a.BalanceMicros, &a.CredentialHash, &a.Status, &a.CreatedAt)
	return a, err
}

// CreateAccount inserts a new account. The account number is assigned by the
// database sequence.
func (q *Queries) CreateAccount(ctx context.Context, a *models.Account) error {
	query := `
		INSERT INTO accounts (id, owner_id, currency, balance_micros, credential_hash, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING account_number, created_at
	`
	err := q.db.QueryRow(ctx, query, a.ID, a.OwnerID, a.Currency, a.BalanceMicros, a.CredentialHash, a.Status).
		Scan(&a.AccountNumber, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// GetAccount reads an account without locking it. Callers must not mutate
// balances based on this read.
func (q *Queries) GetAccount(ctx context.Context, id uuid.UUID) (models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(q.db.QueryRow(ctx, query, id))
}

// GetAccountByNumber resolves an account by its public account number.
func (q *Queries) GetAccountByNumber(ctx context.Context, number int64) (models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE account_number = $1`
	return scanAccount(q.db.QueryRow(ctx, query, number))
}

// GetAccountForUpdate locks the account row and re-reads its current state.
// Must be called inside RunInTx.
func (q *Queries) GetAccountForUpdate(ctx context.Context, id uuid.UUID) (models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	return scanAccount(q.db.QueryRow(ctx, query, id))
}

// LockAccountPair locks two accounts in ascending account-number order and
// returns them in that order. The total order over account numbers makes
// concurrent double-lock paths deadlock-free.
func (q *Queries) LockAccountPair(ctx context.Context, first, second uuid.UUID) ([]models.Account, error) {
	type ref struct {
		id     uuid.UUID
		number int64
	}
	refs := make([]ref, 0, 2)
	rows, err := q.db.Query(ctx, `SELECT id, account_number FROM accounts WHERE id = $1 OR id = $2`, first, second)
	if err != nil {
		return nil, fmt.Errorf("read account numbers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.id, &r.number); err != nil {
			return nil, fmt.Errorf("scan account number: %w", err)
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(refs) != 2 {
		return nil, pgx.ErrNoRows
	}
	if refs[0].number > refs[1].number {
		refs[0], refs[1] = refs[1], refs[0]
	}

	locked := make([]models.Account, 0, 2)
	for _, r := range refs {
		a, err := q.GetAccountForUpdate(ctx, r.id)
		if err != nil {
			return nil, fmt.Errorf("lock account %s: %w", r.id, err)
		}
		locked = append(locked, a)
	}
	return locked, nil
}

// CreditAccountBalance adds amount to the account balance and returns the new
// balance. The row must already be locked by the calling transaction.
func (q *Queries) CreditAccountBalance(ctx context.Context, id uuid.UUID, amountMicros int64) (int64, error) {
	var balance int64
	err := q.db.QueryRow(ctx, `
		UPDATE accounts SET balance_micros = balance_micros + $1 WHERE id = $2
		RETURNING balance_micros
	`, amountMicros, id).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("credit account %s: %w", id, err)
	}
	return balance, nil
}

// DebitAccountBalance subtracts amount from the account balance and returns
// the new balance. The WHERE guard keeps the balance non-negative even if a
// caller skipped the locked re-read; pgx.ErrNoRows signals the guard fired.
func (q *Queries) DebitAccountBalance(ctx context.Context, id uuid.UUID, amountMicros int64) (int64, error) {
	var balance int64
	err := q.db.QueryRow(ctx, `
		UPDATE accounts SET balance_micros = balance_micros - $1
		WHERE id = $2 AND balance_micros >= $1
		RETURNING balance_micros
	`, amountMicros, id).Scan(&balance)
	if err != nil {
		return 0, err
	}
	return balance, nil
}
