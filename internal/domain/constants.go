package domain

const (
	// Transfer legs. A transfer group always starts with exactly one
	// WITHDRAWAL and is resolved by exactly one of DEPOSIT or REFUNDED.
	TransferTypeWithdrawal = "WITHDRAWAL"
	TransferTypeDeposit    = "DEPOSIT"
	TransferTypeRefunded   = "REFUNDED"

	// Payment statuses
	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusCancelled = "CANCELLED"

	// Account statuses
	AccountStatusActive = "ACTIVE"
	AccountStatusClosed = "CLOSED"
)

// RateDivisionScale is the decimal scale used for rate inversion and
// cross-rate division. Callers round down to micros for persisted amounts.
const RateDivisionScale = 12
