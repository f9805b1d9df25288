// Package ledger owns per-user, per-venue point balances. Every change to a
// balance commits together with its transaction record or not at all.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"bar-loyalty-api/internal/database"
	"bar-loyalty-api/internal/events"
	"bar-loyalty-api/internal/keylock"
	"bar-loyalty-api/internal/models"
	"bar-loyalty-api/internal/txlog"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 20 * time.Millisecond
)

var (
	// ErrTokenReplayed is returned when a mutation carries a nonce that was already consumed.
	ErrTokenReplayed = errors.New("ledger: token already used")
	// ErrConcurrency is returned when the store kept reporting write conflicts after all retries.
	ErrConcurrency = errors.New("ledger: concurrent update conflict")
)

// InsufficientBalanceError is returned when a debit would make a balance negative.
type InsufficientBalanceError struct {
	Balance   int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d, need %d", e.Balance, e.Requested)
}

// Store is the persistence the ledger commits through.
type Store interface {
	InTx(ctx context.Context, fn func(tx *database.Tx) error) error
	GetBalance(ctx context.Context, userID, venueID int64) (int64, error)
	ListBalances(ctx context.Context, userID int64) ([]models.Balance, error)
}

// Mutation is one signed change to a balance. Record carries the descriptive
// fields of the transaction (type, item, purchase, admin); the ledger fills in
// the points and balances.
type Mutation struct {
	UserID  int64
	VenueID int64
	Delta   int64
	Nonce   string
	Record  models.Transaction
}

// Ledger applies mutations linearizably per balance key.
type Ledger struct {
	store       Store
	log         *txlog.Log
	locks       *keylock.Locker
	events      *events.Manager
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
	backoff     time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRetry sets how many times a conflicting commit is attempted and the base delay between attempts.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(l *Ledger) {
		if attempts > 0 {
			l.maxAttempts = attempts
		}
		if backoff >= 0 {
			l.backoff = backoff
		}
	}
}

// WithEvents publishes committed transactions on the given manager.
func WithEvents(m *events.Manager) Option {
	return func(l *Ledger) { l.events = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the time stamped on balance rows.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a ledger writing balances to store and records to log.
func New(store Store, log *txlog.Log, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		log:         log,
		locks:       keylock.New(),
		logger:      slog.Default(),
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func lockKey(userID, venueID int64) string {
	return strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(venueID, 10)
}

// GetBalance returns the committed balance of a key. A key never written reads as zero.
func (l *Ledger) GetBalance(ctx context.Context, userID, venueID int64) (int64, error) {
	points, err := l.store.GetBalance(ctx, userID, venueID)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return points, nil
}

// Balances returns every venue balance of a user.
func (l *Ledger) Balances(ctx context.Context, userID int64) ([]models.Balance, error) {
	balances, err := l.store.ListBalances(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	return balances, nil
}

// ApplyDelta reads the balance, rejects a negative result, consumes the nonce,
// writes the new balance and appends the transaction record in one commit.
// Mutations of the same key never interleave.
func (l *Ledger) ApplyDelta(ctx context.Context, m Mutation) (models.Transaction, error) {
	if m.Delta == 0 {
		return models.Transaction{}, errors.New("ledger: zero delta")
	}

	unlock := l.locks.Lock(lockKey(m.UserID, m.VenueID))
	defer unlock()

	var (
		committed models.Transaction
		err       error
	)
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		committed, err = l.commit(ctx, m)
		if !errors.Is(err, database.ErrConflict) {
			break
		}

		l.logger.Warn("balance commit conflicted",
			"user_id", m.UserID,
			"bar_id", m.VenueID,
			"attempt", attempt,
			"error", err,
		)
		if attempt == l.maxAttempts {
			return models.Transaction{}, fmt.Errorf("%w: %v", ErrConcurrency, err)
		}

		select {
		case <-ctx.Done():
			return models.Transaction{}, ctx.Err()
		case <-time.After(l.backoff * time.Duration(attempt)):
		}
	}
	if err != nil {
		return models.Transaction{}, err
	}

	l.logger.Debug("balance committed",
		"transaction_id", committed.ID,
		"user_id", committed.UserID,
		"bar_id", committed.VenueID,
		"type", string(committed.Type),
		"points", committed.Points,
		"balance_after", committed.BalanceAfter,
	)
	l.events.PublishTransactionCommitted(ctx, committed)

	return committed, nil
}

func (l *Ledger) commit(ctx context.Context, m Mutation) (models.Transaction, error) {
	var committed models.Transaction

	err := l.store.InTx(ctx, func(tx *database.Tx) error {
		before, err := tx.Balance(ctx, m.UserID, m.VenueID)
		if err != nil {
			return err
		}

		after := before + m.Delta
		if after < 0 {
			return &InsufficientBalanceError{Balance: before, Requested: -m.Delta}
		}

		now := l.now().UTC()
		if m.Nonce != "" {
			if err := tx.ConsumeNonce(ctx, m.Nonce, m.UserID, m.VenueID, now); err != nil {
				if errors.Is(err, database.ErrNonceUsed) {
					return ErrTokenReplayed
				}
				return err
			}
		}

		if err := tx.SetBalance(ctx, m.UserID, m.VenueID, after, now); err != nil {
			return err
		}

		record := m.Record
		record.UserID = m.UserID
		record.VenueID = m.VenueID
		record.Points = m.Delta
		record.BalanceBefore = before
		record.BalanceAfter = after

		committed, err = l.log.Append(ctx, tx, record)
		return err
	})
	if err != nil {
		return models.Transaction{}, err
	}
	return committed, nil
}
