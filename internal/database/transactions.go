package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bar-loyalty-api/internal/models"

	"github.com/shopspring/decimal"
)

const transactionColumns = `seq, id, user_id, venue_id, type, points, balance_before, balance_after,
	purchase_amount, item_id, item_name, admin_id, reason, created_at`

// InsertTransaction appends a transaction record and fills in its Seq.
func (t *Tx) InsertTransaction(ctx context.Context, txn *models.Transaction) error {
	var purchase sql.NullString
	if txn.PurchaseAmount != nil {
		purchase = sql.NullString{String: txn.PurchaseAmount.String(), Valid: true}
	}
	var itemID, adminID sql.NullInt64
	if txn.ItemID != nil {
		itemID = sql.NullInt64{Int64: *txn.ItemID, Valid: true}
	}
	if txn.AdminID != nil {
		adminID = sql.NullInt64{Int64: *txn.AdminID, Valid: true}
	}
	var itemName sql.NullString
	if txn.ItemName != nil {
		itemName = sql.NullString{String: *txn.ItemName, Valid: true}
	}

	res, err := t.tx.ExecContext(ctx, `INSERT INTO transactions (
		id, user_id, venue_id, type, points, balance_before, balance_after,
		purchase_amount, item_id, item_name, admin_id, reason, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.UserID,
		txn.VenueID,
		string(txn.Type),
		txn.Points,
		txn.BalanceBefore,
		txn.BalanceAfter,
		purchase,
		itemID,
		itemName,
		adminID,
		txn.Reason,
		formatTime(txn.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", txn.ID, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read transaction seq: %w", err)
	}
	txn.Seq = seq
	return nil
}

// LastTransactionTime returns the creation time of the newest transaction, or
// the zero time when the log is empty.
func (t *Tx) LastTransactionTime(ctx context.Context) (time.Time, error) {
	var createdAt string
	err := t.tx.QueryRowContext(ctx,
		`SELECT created_at FROM transactions ORDER BY seq DESC LIMIT 1`,
	).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last transaction: %w", err)
	}
	return parseTime(createdAt)
}

// TransactionFilter narrows transaction queries. Zero values mean "any".
type TransactionFilter struct {
	UserID  int64
	VenueID *int64
	Since   *time.Time // exclusive
	Limit   int
}

// LatestTransaction returns the newest transaction of a user matching the filter, or nil.
func (db *DB) LatestTransaction(ctx context.Context, f TransactionFilter) (*models.Transaction, error) {
	f.Limit = 1
	txns, err := db.ListTransactions(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(txns) == 0 {
		return nil, nil
	}
	return &txns[0], nil
}

// ListTransactions returns a user's transactions newest first.
func (db *DB) ListTransactions(ctx context.Context, f TransactionFilter) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ?`
	args := []interface{}{f.UserID}

	if f.VenueID != nil {
		query += " AND venue_id = ?"
		args = append(args, *f.VenueID)
	}
	if f.Since != nil {
		query += " AND created_at > ?"
		args = append(args, formatTime(*f.Since))
	}
	query += " ORDER BY created_at DESC, seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	txns := []models.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txns, nil
}

// ListKeyTransactions returns every transaction of one balance key in append order.
func (db *DB) ListKeyTransactions(ctx context.Context, userID, venueID int64) ([]models.Transaction, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = ? AND venue_id = ? ORDER BY seq`, userID, venueID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txns, nil
}

func scanTransaction(rows *sql.Rows) (models.Transaction, error) {
	var (
		txn       models.Transaction
		txType    string
		purchase  sql.NullString
		itemID    sql.NullInt64
		itemName  sql.NullString
		adminID   sql.NullInt64
		createdAt string
	)
	err := rows.Scan(
		&txn.Seq,
		&txn.ID,
		&txn.UserID,
		&txn.VenueID,
		&txType,
		&txn.Points,
		&txn.BalanceBefore,
		&txn.BalanceAfter,
		&purchase,
		&itemID,
		&itemName,
		&adminID,
		&txn.Reason,
		&createdAt,
	)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("failed to scan transaction: %w", err)
	}

	txn.Type = models.TransactionType(txType)
	if purchase.Valid {
		amount, err := decimal.NewFromString(purchase.String)
		if err != nil {
			return models.Transaction{}, fmt.Errorf("failed to parse purchase_amount: %w", err)
		}
		txn.PurchaseAmount = &amount
	}
	if itemID.Valid {
		txn.ItemID = &itemID.Int64
	}
	if itemName.Valid {
		txn.ItemName = &itemName.String
	}
	if adminID.Valid {
		txn.AdminID = &adminID.Int64
	}
	if txn.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Transaction{}, err
	}
	return txn, nil
}

// StatsFilter selects the slice of a venue's log that statistics are computed over.
type StatsFilter struct {
	VenueID int64
	From    time.Time // inclusive
	To      time.Time // exclusive
	Type    *models.TransactionType
	TopN    int
}

// TypeTotal is the count and signed point sum of one transaction type.
type TypeTotal struct {
	Count  int64
	Points int64
}

// StatsRows holds the raw aggregates of a venue's transactions.
type StatsRows struct {
	Totals          map[models.TransactionType]TypeTotal
	DistinctUsers   int64
	PurchaseAmounts []decimal.Decimal
	TopItems        []models.ItemPopularity
}

func (f StatsFilter) where() (string, []interface{}) {
	clauses := []string{"venue_id = ?", "created_at >= ?", "created_at < ?"}
	args := []interface{}{f.VenueID, formatTime(f.From), formatTime(f.To)}
	if f.Type != nil {
		clauses = append(clauses, "type = ?")
		args = append(args, string(*f.Type))
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// VenueStats aggregates a venue's transactions within the filter.
func (db *DB) VenueStats(ctx context.Context, f StatsFilter) (StatsRows, error) {
	where, args := f.where()
	out := StatsRows{Totals: make(map[models.TransactionType]TypeTotal)}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT type, COUNT(*), COALESCE(SUM(points), 0) FROM transactions`+where+` GROUP BY type`, args...)
	if err != nil {
		return StatsRows{}, fmt.Errorf("failed to query type totals: %w", err)
	}
	for rows.Next() {
		var txType string
		var total TypeTotal
		if err := rows.Scan(&txType, &total.Count, &total.Points); err != nil {
			rows.Close()
			return StatsRows{}, fmt.Errorf("failed to scan type totals: %w", err)
		}
		out.Totals[models.TransactionType(txType)] = total
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return StatsRows{}, fmt.Errorf("error iterating type totals: %w", err)
	}

	err = db.conn.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM transactions`+where, args...,
	).Scan(&out.DistinctUsers)
	if err != nil {
		return StatsRows{}, fmt.Errorf("failed to count distinct users: %w", err)
	}

	// purchase amounts are decimal text, summed by the caller
	rows, err = db.conn.QueryContext(ctx,
		`SELECT purchase_amount FROM transactions`+where+` AND purchase_amount IS NOT NULL`, args...)
	if err != nil {
		return StatsRows{}, fmt.Errorf("failed to query purchase amounts: %w", err)
	}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return StatsRows{}, fmt.Errorf("failed to scan purchase amount: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			rows.Close()
			return StatsRows{}, fmt.Errorf("failed to parse purchase amount: %w", err)
		}
		out.PurchaseAmounts = append(out.PurchaseAmounts, amount)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return StatsRows{}, fmt.Errorf("error iterating purchase amounts: %w", err)
	}

	topN := f.TopN
	if topN <= 0 {
		topN = 10
	}
	itemArgs := append(append([]interface{}{}, args...), topN)
	rows, err = db.conn.QueryContext(ctx,
		`SELECT item_id, COALESCE(MAX(item_name), ''), COUNT(*), COALESCE(-SUM(points), 0) FROM transactions`+where+
			` AND item_id IS NOT NULL GROUP BY item_id ORDER BY COUNT(*) DESC, item_id ASC LIMIT ?`, itemArgs...)
	if err != nil {
		return StatsRows{}, fmt.Errorf("failed to query item popularity: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item models.ItemPopularity
		if err := rows.Scan(&item.ItemID, &item.ItemName, &item.Count, &item.PointsSpent); err != nil {
			return StatsRows{}, fmt.Errorf("failed to scan item popularity: %w", err)
		}
		out.TopItems = append(out.TopItems, item)
	}
	if err := rows.Err(); err != nil {
		return StatsRows{}, fmt.Errorf("error iterating item popularity: %w", err)
	}

	return out, nil
}
