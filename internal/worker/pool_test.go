package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymint/transfer-engine/internal/models"
)

type recordingSettler struct {
	mu     sync.Mutex
	groups []uuid.UUID
	delay  time.Duration
}

func (s *recordingSettler) Settle(ctx context.Context, withdrawal models.Transfer) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = append(s.groups, withdrawal.GroupID)
	return nil
}

func (s *recordingSettler) settled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups)
}

func newWithdrawal() models.Transfer {
	return models.Transfer{ID: uuid.New(), GroupID: uuid.New()}
}

func TestSettlementPool_SettlesSubmittedTasks(t *testing.T) {
	settler := &recordingSettler{}
	pool := NewSettlementPool(settler, 2, 8)
	pool.Start(context.Background())
	defer pool.Stop()

	for i := 0; i < 5; i++ {
		pool.Submit(newWithdrawal())
	}

	assert.Eventually(t, func() bool {
		return settler.settled() == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSettlementPool_OverflowRunsOnCaller(t *testing.T) {
	settler := &recordingSettler{}
	// Never started: nothing drains the queue, so once it fills the
	// overflow path must run the task synchronously on the caller.
	pool := NewSettlementPool(settler, 1, 1)

	pool.Submit(newWithdrawal()) // fills the queue
	require.Equal(t, 0, settler.settled())

	pool.Submit(newWithdrawal()) // overflows, runs inline
	assert.Equal(t, 1, settler.settled())
}

func TestSettlementPool_StopDrainsQueue(t *testing.T) {
	settler := &recordingSettler{delay: 5 * time.Millisecond}
	pool := NewSettlementPool(settler, 1, 16)
	pool.Start(context.Background())

	for i := 0; i < 10; i++ {
		pool.Submit(newWithdrawal())
	}
	pool.Stop()

	assert.Equal(t, 10, settler.settled(), "no queued withdrawal may be lost on shutdown")
}

func TestSettlementPool_StartAndStopAreIdempotent(t *testing.T) {
	settler := &recordingSettler{}
	pool := NewSettlementPool(settler, 1, 1)
	pool.Start(context.Background())
	pool.Start(context.Background())
	pool.Stop()
	pool.Stop()
}
