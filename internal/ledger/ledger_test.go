package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bar-loyalty-api/internal/database"
	"bar-loyalty-api/internal/events"
	"bar-loyalty-api/internal/models"
	"bar-loyalty-api/internal/txlog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *database.DB) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(db, txlog.New(db), opts...), db
}

func earn(user, venue, points int64) Mutation {
	return Mutation{UserID: user, VenueID: venue, Delta: points, Record: models.Transaction{Type: models.TxEarn}}
}

func spend(user, venue, points int64) Mutation {
	return Mutation{UserID: user, VenueID: venue, Delta: -points, Record: models.Transaction{Type: models.TxSpend}}
}

func TestGetBalance_MissingKeyIsZero(t *testing.T) {
	l, _ := newTestLedger(t)

	points, err := l.GetBalance(context.Background(), 7, 3)
	require.NoError(t, err)
	require.Equal(t, int64(0), points)
}

func TestApplyDelta_CreditThenDebit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	txn, err := l.ApplyDelta(ctx, earn(1, 1, 40))
	require.NoError(t, err)
	require.Equal(t, int64(0), txn.BalanceBefore)
	require.Equal(t, int64(40), txn.BalanceAfter)
	require.NotEmpty(t, txn.ID)
	require.Positive(t, txn.Seq)

	txn, err = l.ApplyDelta(ctx, spend(1, 1, 15))
	require.NoError(t, err)
	require.Equal(t, int64(40), txn.BalanceBefore)
	require.Equal(t, int64(25), txn.BalanceAfter)
	require.Equal(t, int64(-15), txn.Points)

	points, err := l.GetBalance(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, int64(25), points)
}

func TestApplyDelta_RejectsNegativeAndLeavesBalance(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()

	_, err := l.ApplyDelta(ctx, earn(1, 1, 5))
	require.NoError(t, err)

	_, err = l.ApplyDelta(ctx, spend(1, 1, 10))
	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(5), insufficient.Balance)
	require.Equal(t, int64(10), insufficient.Requested)

	points, err := l.GetBalance(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, int64(5), points)

	txns, err := db.ListKeyTransactions(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, txns, 1)
}

func TestApplyDelta_ZeroDeltaRejected(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.ApplyDelta(context.Background(), Mutation{UserID: 1, VenueID: 1, Record: models.Transaction{Type: models.TxAdminAdd}})
	require.Error(t, err)
}

func TestApplyDelta_NonceIsSingleUse(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	m := earn(1, 1, 3)
	m.Nonce = "nonce-1"
	_, err := l.ApplyDelta(ctx, m)
	require.NoError(t, err)

	_, err = l.ApplyDelta(ctx, m)
	require.ErrorIs(t, err, ErrTokenReplayed)

	points, err := l.GetBalance(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, int64(3), points)
}

func TestApplyDelta_RejectedDebitKeepsNonce(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	m := spend(1, 1, 10)
	m.Nonce = "nonce-2"
	_, err := l.ApplyDelta(ctx, m)
	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)

	// the failed attempt rolled back, so the same token works once funded
	_, err = l.ApplyDelta(ctx, earn(1, 1, 10))
	require.NoError(t, err)
	_, err = l.ApplyDelta(ctx, m)
	require.NoError(t, err)
}

func TestApplyDelta_ChainHasNoGaps(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := earn(1, 1, int64(i%5+1))
			if i%3 == 0 {
				m = spend(1, 1, 2)
			}
			_, err := l.ApplyDelta(ctx, m)
			var insufficient *InsufficientBalanceError
			if err != nil && !errors.As(err, &insufficient) {
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	txns, err := db.ListKeyTransactions(ctx, 1, 1)
	require.NoError(t, err)
	require.NotEmpty(t, txns)

	require.Equal(t, int64(0), txns[0].BalanceBefore)
	for i := 1; i < len(txns); i++ {
		require.Equal(t, txns[i-1].BalanceAfter, txns[i].BalanceBefore, "gap at seq %d", txns[i].Seq)
		require.True(t, txns[i].CreatedAt.After(txns[i-1].CreatedAt))
	}
	for _, txn := range txns {
		require.GreaterOrEqual(t, txn.BalanceAfter, int64(0))
	}

	points, err := l.GetBalance(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, txns[len(txns)-1].BalanceAfter, points)
}

func TestApplyDelta_ConcurrentDebitsNeverOverspend(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.ApplyDelta(ctx, earn(1, 1, 100))
	require.NoError(t, err)

	const workers = 25
	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.ApplyDelta(ctx, spend(1, 1, 7))
			var insufficient *InsufficientBalanceError
			switch {
			case err == nil:
				ok.Add(1)
			case errors.As(err, &insufficient):
				rejected.Add(1)
			default:
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(100/7), ok.Load())
	require.Equal(t, int32(workers-100/7), rejected.Load())

	points, err := l.GetBalance(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, int64(100%7), points)
}

func TestApplyDelta_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.ApplyDelta(ctx, earn(1, 1, 10))
	require.NoError(t, err)
	_, err = l.ApplyDelta(ctx, earn(1, 2, 20))
	require.NoError(t, err)

	balances, err := l.Balances(ctx, 1)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	require.Equal(t, int64(10), balances[0].Points)
	require.Equal(t, int64(20), balances[1].Points)
}

func TestApplyDelta_PublishesCommitted(t *testing.T) {
	m := events.NewManager(true, nil)
	var got atomic.Value
	m.Subscribe(events.EventTransactionCommitted, func(ctx context.Context, e events.Event) error {
		got.Store(e.Data.(events.TransactionCommittedData).Transaction.ID)
		return nil
	})

	l, _ := newTestLedger(t, WithEvents(m))
	txn, err := l.ApplyDelta(context.Background(), earn(1, 1, 1))
	require.NoError(t, err)
	m.Wait()

	require.Equal(t, txn.ID, got.Load())
}

type conflictingStore struct {
	Store
	calls atomic.Int32
}

func (s *conflictingStore) InTx(ctx context.Context, fn func(tx *database.Tx) error) error {
	s.calls.Add(1)
	return database.ErrConflict
}

func TestApplyDelta_ConflictsSurfaceAfterRetries(t *testing.T) {
	_, db := newTestLedger(t)
	store := &conflictingStore{Store: db}
	l := New(store, txlog.New(db), WithRetry(3, time.Millisecond))

	_, err := l.ApplyDelta(context.Background(), earn(1, 1, 1))
	require.ErrorIs(t, err, ErrConcurrency)
	require.Equal(t, int32(3), store.calls.Load())
}
