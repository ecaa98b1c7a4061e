package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/paymint/transfer-engine/internal/domain"
	"github.com/paymint/transfer-engine/internal/models"
	"github.com/paymint/transfer-engine/internal/observability"
	"github.com/paymint/transfer-engine/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// RateSource resolves a conversion rate for a currency pair.
type RateSource interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// SettlementScheduler accepts a committed withdrawal leg for asynchronous
// deposit settlement.
type SettlementScheduler interface {
	Submit(withdrawal models.Transfer)
}

// TransferService orchestrates the forward path of a transfer: it locks and
// debits the source account synchronously, records the withdrawal leg and
// schedules the deposit leg. Only the source row is locked, so two concurrent
// transfers in opposite directions between the same accounts cannot deadlock.
type TransferService struct {
	store   QueryStore
	rates   RateSource
	settler SettlementScheduler
}

func NewTransferService(store QueryStore, rates RateSource, settler SettlementScheduler) *TransferService {
	return &TransferService{
		store:   store,
		rates:   rates,
		settler: settler,
	}
}

// TransferRequest carries the collaborator-facing inbound contract. Amount is
// denominated in the destination account's currency.
type TransferRequest struct {
	FromAccountID   uuid.UUID
	Credential      string
	ToAccountNumber int64
	AmountMicros    int64
	ReferenceID     string
	PaymentID       *uuid.UUID
}

// TransferResult reflects only the withdrawal leg. The deposit leg settles
// asynchronously and its effect on the destination balance is not guaranteed
// to be visible yet.
type TransferResult struct {
	Withdrawal         models.Transfer
	DebitedMicros      int64
	BalanceAfterMicros int64
}

// Execute validates the request, debits the source under its row lock,
// persists the WITHDRAWAL leg and hands the group to the settlement pool.
// Rate resolution happens before any mutation: no rate, no debit.
func (s *TransferService) Execute(ctx context.Context, requesterID uuid.UUID, req TransferRequest) (*TransferResult, error) {
	if req.AmountMicros <= 0 {
		return nil, fmt.Errorf("%w: got %d", models.ErrInvalidAmount, req.AmountMicros)
	}

	queries := s.store.Queries()

	if req.ReferenceID != "" {
		existing, err := queries.GetTransferByReference(ctx, req.ReferenceID)
		if err == nil {
			return &TransferResult{
				Withdrawal:         existing,
				DebitedMicros:      existing.AmountMicros,
				BalanceAfterMicros: existing.BalanceAfterMicros,
			}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("check transfer reference: %w", err)
		}
	}

	source, err := queries.GetAccount(ctx, req.FromAccountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrAccountNotFound
		}
		return nil, fmt.Errorf("load source account: %w", err)
	}

	dest, err := queries.GetAccountByNumber(ctx, req.ToAccountNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrAccountNotFound
		}
		return nil, fmt.Errorf("load destination account: %w", err)
	}

	if source.ID == dest.ID {
		return nil, models.ErrSameAccount
	}
	if source.Status != domain.AccountStatusActive || dest.Status != domain.AccountStatusActive {
		return nil, models.ErrAccountInactive
	}

	// Fail closed: abort before any mutation if the rate cannot be resolved.
	rate, err := s.rates.Rate(ctx, source.Currency, dest.Currency)
	if err != nil {
		return nil, fmt.Errorf("resolve exchange rate %s/%s: %w", source.Currency, dest.Currency, err)
	}

	debit := domain.ApplyRate(req.AmountMicros, rate)
	if debit <= 0 {
		return nil, fmt.Errorf("%w: debit rounds to zero at rate %s", models.ErrInvalidAmount, rate)
	}

	withdrawal := models.Transfer{
		ID:            uuid.New(),
		GroupID:       uuid.New(),
		OwnerID:       requesterID,
		Type:          domain.TransferTypeWithdrawal,
		FromAccountID: source.ID,
		ToAccountID:   dest.ID,
		FromCurrency:  source.Currency,
		ToCurrency:    dest.Currency,
		Rate:          rate,
		AmountMicros:  debit,
	}
	if req.ReferenceID != "" {
		ref := req.ReferenceID
		withdrawal.ReferenceID = &ref
	}

	err = s.store.RunInTx(ctx, func(q *repository.Queries) error {
		// Re-read the source under its exclusive row lock; the unlocked read
		// above is only good for currencies and identities.
		locked, err := q.GetAccountForUpdate(ctx, source.ID)
		if err != nil {
			return fmt.Errorf("lock source account: %w", err)
		}
		if locked.OwnerID != requesterID {
			return models.ErrUnauthorized
		}
		if bcrypt.CompareHashAndPassword([]byte(locked.CredentialHash), []byte(req.Credential)) != nil {
			return models.ErrInvalidCredential
		}
		if locked.BalanceMicros < debit {
			return models.ErrInsufficientBalance
		}

		balance, err := q.DebitAccountBalance(ctx, locked.ID, debit)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrInsufficientBalance
			}
			return fmt.Errorf("debit source account: %w", err)
		}

		withdrawal.BalanceAfterMicros = balance
		if err := q.InsertTransfer(ctx, &withdrawal); err != nil {
			return err
		}

		if req.PaymentID != nil {
			payment := models.Payment{
				ID:      *req.PaymentID,
				GroupID: withdrawal.GroupID,
				OwnerID: requesterID,
				Status:  domain.PaymentStatusPending,
			}
			if err := q.InsertPayment(ctx, &payment); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Two requests can race past the reference check above; the loser's
		// transaction rolls back on the reference unique index and is served
		// the winner's withdrawal.
		if req.ReferenceID != "" && isUniqueViolation(err, "transfers_reference_id") {
			existing, lookupErr := queries.GetTransferByReference(ctx, req.ReferenceID)
			if lookupErr == nil {
				return &TransferResult{
					Withdrawal:         existing,
					DebitedMicros:      existing.AmountMicros,
					BalanceAfterMicros: existing.BalanceAfterMicros,
				}, nil
			}
		}
		return nil, err
	}

	observability.IncrementTransferLeg(domain.TransferTypeWithdrawal)
	zap.L().Info("withdrawal committed, deposit scheduled",
		zap.String("transfer_group_id", withdrawal.GroupID.String()),
		zap.String("from_currency", withdrawal.FromCurrency),
		zap.String("to_currency", withdrawal.ToCurrency),
		zap.Int64("debited_micros", debit),
	)

	// Scheduled outside the lock scope: the commit above already released
	// the source row.
	s.settler.Submit(withdrawal)

	return &TransferResult{
		Withdrawal:         withdrawal,
		DebitedMicros:      debit,
		BalanceAfterMicros: withdrawal.BalanceAfterMicros,
	}, nil
}
