package service

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymint/transfer-engine/internal/domain"
	"github.com/paymint/transfer-engine/internal/events"
	"github.com/paymint/transfer-engine/internal/models"
)

const krw10000 = 10_000_000_000 // 10000.000000 in micros

func TestExecute_DebitsSourceAndRecordsWithdrawal(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()

	ownerA := uuid.New()
	accountA := createTestAccount(t, store, ownerA, "KRW", krw10000)
	accountB := createTestAccount(t, store, uuid.New(), "KRW", 0)

	scheduler := &recordingScheduler{}
	svc := NewTransferService(store, fixedRates{}, scheduler)

	result, err := svc.Execute(ctx, ownerA, TransferRequest{
		FromAccountID:   accountA.ID,
		Credential:      testCredential,
		ToAccountNumber: accountB.AccountNumber,
		AmountMicros:    2_000_000_000,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2_000_000_000), result.DebitedMicros)
	assert.Equal(t, int64(8_000_000_000), result.BalanceAfterMicros)
	assert.Equal(t, int64(8_000_000_000), accountBalance(t, store, accountA.ID))

	// The deposit leg is asynchronous: the destination is untouched here.
	assert.Equal(t, int64(0), accountBalance(t, store, accountB.ID))

	withdrawal, err := store.Queries().GetWithdrawalByGroup(ctx, result.Withdrawal.GroupID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferTypeWithdrawal, withdrawal.Type)
	assert.Equal(t, accountA.ID, withdrawal.FromAccountID)
	assert.Equal(t, accountB.ID, withdrawal.ToAccountID)
	assert.Equal(t, int64(8_000_000_000), withdrawal.BalanceAfterMicros)

	submitted := scheduler.submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, withdrawal.GroupID, submitted[0].GroupID)
}

func TestExecute_CrossCurrencyDebitUsesRate(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()

	ownerA := uuid.New()
	accountA := createTestAccount(t, store, ownerA, "EUR", 10_000_000)
	accountB := createTestAccount(t, store, uuid.New(), "USD", 0)

	scheduler := &recordingScheduler{}
	// 0.9 EUR buys one USD.
	svc := NewTransferService(store, fixedRates{"EUR/USD": decimal.NewFromFloat(0.9)}, scheduler)

	result, err := svc.Execute(ctx, ownerA, TransferRequest{
		FromAccountID:   accountA.ID,
		Credential:      testCredential,
		ToAccountNumber: accountB.AccountNumber,
		AmountMicros:    1_000_000, // one USD, destination-denominated
	})
	require.NoError(t, err)

	assert.Equal(t, int64(900_000), result.DebitedMicros)
	assert.Equal(t, int64(9_100_000), accountBalance(t, store, accountA.ID))
	assert.True(t, result.Withdrawal.Rate.Equal(decimal.NewFromFloat(0.9)))
	assert.Equal(t, "EUR", result.Withdrawal.FromCurrency)
	assert.Equal(t, "USD", result.Withdrawal.ToCurrency)
}

func TestExecute_SameAccountRejected(t *testing.T) {
	store, _ := setupTestDB(t)

	ownerA := uuid.New()
	accountA := createTestAccount(t, store, ownerA, "KRW", krw10000)

	svc := NewTransferService(store, fixedRates{}, &recordingScheduler{})
	_, err := svc.Execute(context.Background(), ownerA, TransferRequest{
		FromAccountID:   accountA.ID,
		Credential:      testCredential,
		ToAccountNumber: accountA.AccountNumber,
		AmountMicros:    1_000_000,
	})
	assert.ErrorIs(t, err, models.ErrSameAccount)
	assert.Equal(t, int64(krw10000), accountBalance(t, store, accountA.ID))
}

func TestExecute_InsufficientBalance(t *testing.T) {
	store, _ := setupTestDB(t)

	ownerA := uuid.New()
	accountA := createTestAccount(t, store, ownerA, "KRW", 1_000_000)
	accountB := createTestAccount(t, store, uuid.New(), "KRW", 0)

	scheduler := &recordingScheduler{}
	svc := NewTransferService(store, fixedRates{}, scheduler)
	_, err := svc.Execute(context.Background(), ownerA, TransferRequest{
		FromAccountID:   accountA.ID,
		Credential:      testCredential,
		ToAccountNumber: accountB.AccountNumber,
		AmountMicros:    2_000_000,
	})
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)
	assert.Equal(t, int64(1_000_000), accountBalance(t, store, accountA.ID))
	assert.Empty(t, scheduler.submitted())
}

func TestExecute_InvalidCredential(t *testing.T) {
	store, _ := setupTestDB(t)

	ownerA := uuid.New()
	accountA := createTestAccount(t, store, ownerA, "KRW", krw10000)
	accountB := createTestAccount(t, store, uuid.New(), "KRW", 0)

	svc := NewTransferService(store, fixedRates{}, &recordingScheduler{})
	_, err := svc.Execute(context.Background(), ownerA, TransferRequest{
		FromAccountID:   accountA.ID,
		Credential:      "wrong",
		ToAccountNumber: accountB.AccountNumber,
		AmountMicros:    1_000_000,
	})
	assert.ErrorIs(t, err, models.ErrInvalidCredential)
	assert.Equal(t, int64(krw10000), accountBalance(t, store, accountA.ID))
}

func TestExecute_RequesterMustOwnSource(t *testing.T) {
	store, _ := setupTestDB(t)

	accountA := createTestAccount(t, store, uuid.New(), "KRW", krw10000)
	accountB := createTestAccount(t, store, uuid.New(), "KRW", 0)

	svc := NewTransferService(store, fixedRates{}, &recordingScheduler{})
	_, err := svc.Execute(context.Background(), uuid.New(), TransferRequest{
		FromAccountID:   accountA.ID,
		Credential:      testCredential,
		ToAccountNumber: accountB.AccountNumber,
		AmountMicros:    1_000_000,
	})
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.Equal(t, int64(krw10000), accountBalance(t, store, accountA.ID))
}

func TestExecute_FailsClosedWithoutRate(t *testing.T) {
	store, _ := setupTestDB(t)

	ownerA := uuid.New()
	accountA := createTestAccount(t, store, ownerA, "EUR", 10_000_000)
	accountB := createTestAccount(t, store, uuid.New(), "USD", 0)

	scheduler := &recordingScheduler{}
	svc := NewTransferService(store, fixedRates{}, scheduler)
	_, err := svc.Execute(context.Background(), ownerA, TransferRequest{
		FromAccountID:   accountA.ID,
		Credential:      testCredential,
		ToAccountNumber: accountB.AccountNumber,
		AmountMicros:    1_000_000,
	})
	require.Error(t, err)
	assert.Equal(t, int64(10_000_000), accountBalance(t, store, accountA.ID))
	assert.Empty(t, scheduler.submitted())
}

func TestExecute_ReferenceIDDeduplicates(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()

	ownerA := uuid.New()
	accountA := createTestAccount(t, store, ownerA, "KRW", krw10000)
	accountB := createTestAccount(t, store, uuid.New(), "KRW", 0)

	scheduler := &recordingScheduler{}
	svc := NewTransferService(store, fixedRates{}, scheduler)

	req := TransferRequest{
		FromAccountID:   accountA.ID,
		Credential:      testCredential,
		ToAccountNumber: accountB.AccountNumber,
		AmountMicros:    2_000_000_000,
		ReferenceID:     "client-retry-7f3a",
	}

	first, err := svc.Execute(ctx, ownerA, req)
	require.NoError(t, err)

	second, err := svc.Execute(ctx, ownerA, req)
	require.NoError(t, err)

	assert.Equal(t, first.Withdrawal.ID, second.Withdrawal.ID)
	assert.Equal(t, int64(8_000_000_000), accountBalance(t, store, accountA.ID))
	assert.Len(t, scheduler.submitted(), 1, "a replayed request must not re-schedule settlement")
}

func TestExecute_RejectsNonPositiveAmount(t *testing.T) {
	store, _ := setupTestDB(t)

	ownerA := uuid.New()
	accountA := createTestAccount(t, store, ownerA, "KRW", krw10000)
	accountB := createTestAccount(t, store, uuid.New(), "KRW", 0)

	svc := NewTransferService(store, fixedRates{}, &recordingScheduler{})
	for _, amount := range []int64{0, -1_000_000} {
		_, err := svc.Execute(context.Background(), ownerA, TransferRequest{
			FromAccountID:   accountA.ID,
			Credential:      testCredential,
			ToAccountNumber: accountB.AccountNumber,
			AmountMicros:    amount,
		})
		assert.ErrorIs(t, err, models.ErrInvalidAmount)
	}
	assert.Equal(t, int64(krw10000), accountBalance(t, store, accountA.ID))
}

// gateRates blocks rate resolution until released, holding callers at the
// point after the reference dedup check but before any mutation.
type gateRates struct {
	arrived chan struct{}
	release chan struct{}
}

func (g gateRates) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	g.arrived <- struct{}{}
	<-g.release
	return decimal.NewFromInt(1), nil
}

func TestExecute_ConcurrentSameReferenceDebitsOnce(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()

	ownerA := uuid.New()
	accountA := createTestAccount(t, store, ownerA, "KRW", krw10000)
	accountB := createTestAccount(t, store, uuid.New(), "KRW", 0)

	gate := gateRates{arrived: make(chan struct{}), release: make(chan struct{})}
	scheduler := &recordingScheduler{}
	svc := NewTransferService(store, gate, scheduler)

	req := TransferRequest{
		FromAccountID:   accountA.ID,
		Credential:      testCredential,
		ToAccountNumber: accountB.AccountNumber,
		AmountMicros:    2_000_000_000,
		ReferenceID:     "client-retry-9b1c",
	}

	type outcome struct {
		result *TransferResult
		err    error
	}
	outcomes := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			result, err := svc.Execute(ctx, ownerA, req)
			outcomes <- outcome{result: result, err: err}
		}()
	}

	// Both callers are past the reference check once they block in rate
	// resolution; releasing them races their transactions on the reference
	// unique index.
	<-gate.arrived
	<-gate.arrived
	close(gate.release)

	first := <-outcomes
	second := <-outcomes
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Equal(t, first.result.Withdrawal.ID, second.result.Withdrawal.ID)

	assert.Equal(t, int64(8_000_000_000), accountBalance(t, store, accountA.ID))
	assert.Len(t, scheduler.submitted(), 1, "only the winning request schedules settlement")
}

func TestExecute_ConcurrentOppositeDirectionsDoNotDeadlock(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()

	ownerA := uuid.New()
	ownerB := uuid.New()
	accountA := createTestAccount(t, store, ownerA, "KRW", krw10000)
	accountB := createTestAccount(t, store, ownerB, "KRW", krw10000)

	channel := events.NewMemoryChannel(16)
	defer channel.Close()
	settlement := NewSettlementService(store, channel)
	svc := NewTransferService(store, fixedRates{}, inlineScheduler{svc: settlement})

	const transfersPerDirection = 8
	const amount = 100_000_000 // 100 KRW

	var wg sync.WaitGroup
	errs := make(chan error, transfersPerDirection*2)
	for i := 0; i < transfersPerDirection; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Execute(ctx, ownerA, TransferRequest{
				FromAccountID:   accountA.ID,
				Credential:      testCredential,
				ToAccountNumber: accountB.AccountNumber,
				AmountMicros:    amount,
			})
			errs <- err
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Execute(ctx, ownerB, TransferRequest{
				FromAccountID:   accountB.ID,
				Credential:      testCredential,
				ToAccountNumber: accountA.AccountNumber,
				AmountMicros:    amount,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Equal flows in both directions: money is conserved and both balances
	// end where they started.
	assert.Equal(t, int64(krw10000), accountBalance(t, store, accountA.ID))
	assert.Equal(t, int64(krw10000), accountBalance(t, store, accountB.ID))
}
