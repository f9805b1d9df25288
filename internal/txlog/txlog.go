// Package txlog is the append-only history of committed balance mutations.
// Records are written only from inside a ledger commit and are never updated.
package txlog

import (
	"context"
	"fmt"
	"time"

	"bar-loyalty-api/internal/database"
	"bar-loyalty-api/internal/models"
	"bar-loyalty-api/internal/validation"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	defaultTopItems     = 10
)

// Writer appends records inside an open ledger transaction.
type Writer interface {
	LastTransactionTime(ctx context.Context) (time.Time, error)
	InsertTransaction(ctx context.Context, txn *models.Transaction) error
}

// Reader queries committed records.
type Reader interface {
	LatestTransaction(ctx context.Context, f database.TransactionFilter) (*models.Transaction, error)
	ListTransactions(ctx context.Context, f database.TransactionFilter) ([]models.Transaction, error)
	VenueStats(ctx context.Context, f database.StatsFilter) (database.StatsRows, error)
}

// Log reads and writes the transaction history.
type Log struct {
	store    Reader
	now      func() time.Time
	topItems int
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source used to stamp appended records.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// WithTopItems sets how many items statistics rank.
func WithTopItems(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.topItems = n
		}
	}
}

// New creates a transaction log over the given store.
func New(store Reader, opts ...Option) *Log {
	l := &Log{
		store:    store,
		now:      time.Now,
		topItems: defaultTopItems,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stamps txn with an id and creation time and writes it through w.
// Creation times strictly increase across the log, so a watermark taken from
// one record never hides the next one.
func (l *Log) Append(ctx context.Context, w Writer, txn models.Transaction) (models.Transaction, error) {
	if !txn.Type.Valid() {
		return models.Transaction{}, fmt.Errorf("unknown transaction type %q", txn.Type)
	}
	if txn.BalanceBefore+txn.Points != txn.BalanceAfter {
		return models.Transaction{}, fmt.Errorf("transaction does not balance: %d%+d != %d",
			txn.BalanceBefore, txn.Points, txn.BalanceAfter)
	}

	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}

	last, err := w.LastTransactionTime(ctx)
	if err != nil {
		return models.Transaction{}, err
	}
	created := l.now().UTC()
	if !created.After(last) {
		created = last.Add(time.Nanosecond)
	}
	txn.CreatedAt = created

	if err := w.InsertTransaction(ctx, &txn); err != nil {
		return models.Transaction{}, err
	}
	return txn, nil
}

// LatestQuery narrows LatestFor. Since is exclusive.
type LatestQuery struct {
	VenueID *int64
	Since   *time.Time
}

// LatestFor returns the newest transaction of a user, or nil when none matches.
// Polling clients pass the watermark they captured before showing a token.
func (l *Log) LatestFor(ctx context.Context, userID int64, q LatestQuery) (*models.Transaction, error) {
	txn, err := l.store.LatestTransaction(ctx, database.TransactionFilter{
		UserID:  userID,
		VenueID: q.VenueID,
		Since:   q.Since,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load latest transaction: %w", err)
	}
	return txn, nil
}

// History lists a user's transactions newest first.
func (l *Log) History(ctx context.Context, userID int64, venueID *int64, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	txns, err := l.store.ListTransactions(ctx, database.TransactionFilter{
		UserID:  userID,
		VenueID: venueID,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction history: %w", err)
	}
	return txns, nil
}

// StatsFor aggregates a venue's transactions in [from, to). A zero to means now.
func (l *Log) StatsFor(ctx context.Context, venueID int64, from, to time.Time, txType *models.TransactionType) (models.VenueStats, error) {
	if to.IsZero() {
		to = l.now().UTC()
	}
	if !from.Before(to) {
		return models.VenueStats{}, &validation.ValidationError{
			Field:   "from",
			Message: "must be before to",
		}
	}

	rows, err := l.store.VenueStats(ctx, database.StatsFilter{
		VenueID: venueID,
		From:    from,
		To:      to,
		Type:    txType,
		TopN:    l.topItems,
	})
	if err != nil {
		return models.VenueStats{}, fmt.Errorf("failed to aggregate venue stats: %w", err)
	}

	stats := models.VenueStats{
		VenueID:       venueID,
		From:          from.UTC(),
		To:            to.UTC(),
		Type:          txType,
		CountByType:   make(map[models.TransactionType]int64, len(rows.Totals)),
		PurchaseTotal: decimal.Zero,
		DistinctUsers: rows.DistinctUsers,
		TopItems:      rows.TopItems,
	}
	if stats.TopItems == nil {
		stats.TopItems = []models.ItemPopularity{}
	}

	for txType, total := range rows.Totals {
		stats.CountByType[txType] = total.Count
		stats.Count += total.Count
		stats.NetPoints += total.Points

		switch txType {
		case models.TxEarn:
			stats.PointsEarned = total.Points
		case models.TxSpend:
			stats.PointsSpent = -total.Points
		case models.TxAdminAdd:
			stats.PointsAdded = total.Points
		case models.TxAdminRemove:
			stats.PointsRemoved = -total.Points
		}
	}

	for _, amount := range rows.PurchaseAmounts {
		stats.PurchaseTotal = stats.PurchaseTotal.Add(amount)
	}

	return stats, nil
}
