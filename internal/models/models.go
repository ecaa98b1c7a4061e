package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account holds balance state for one currency. The balance is mutated only
// through locked read-check-write inside a repository transaction.
type Account struct {
	ID             uuid.UUID `json:"id"`
	AccountNumber  int64     `json:"account_number"`
	OwnerID        uuid.UUID `json:"owner_id"`
	Currency       string    `json:"currency"`
	BalanceMicros  int64     `json:"balance_micros"`
	CredentialHash string    `json:"-"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// Transfer is one leg (WITHDRAWAL, DEPOSIT or REFUNDED) of a logical money
// movement. Legs of the same movement share GroupID. Rows are append-only.
type Transfer struct {
	ID                 uuid.UUID       `json:"id"`
	GroupID            uuid.UUID       `json:"transfer_group_id"`
	OwnerID            uuid.UUID       `json:"owner_id"`
	Type               string          `json:"type"`
	FromAccountID      uuid.UUID       `json:"from_account_id"`
	ToAccountID        uuid.UUID       `json:"to_account_id"`
	FromCurrency       string          `json:"from_currency"`
	ToCurrency         string          `json:"to_currency"`
	Rate               decimal.Decimal `json:"rate"`
	AmountMicros       int64           `json:"amount_micros"`
	BalanceAfterMicros int64           `json:"balance_after_micros"`
	ReferenceID        *string         `json:"reference_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Payment wraps a transfer group initiated on behalf of a payment rather
// than a direct user-to-user transfer. Payments are never deleted; CANCELLED
// is reachable only through the explicit refund flow.
type Payment struct {
	ID        uuid.UUID `json:"id"`
	GroupID   uuid.UUID `json:"transfer_group_id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
