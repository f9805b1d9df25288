package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bar-loyalty-api/internal/models"
)

// Balance returns the balance of a key inside the transaction; missing rows read as zero.
func (t *Tx) Balance(ctx context.Context, userID, venueID int64) (int64, error) {
	var points int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT points FROM balances WHERE user_id = ? AND venue_id = ?`,
		userID, venueID,
	).Scan(&points)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return points, nil
}

// SetBalance writes the balance of a key, creating the row on first use.
func (t *Tx) SetBalance(ctx context.Context, userID, venueID, points int64, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO balances (user_id, venue_id, points, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, venue_id) DO UPDATE SET
			points = excluded.points,
			updated_at = excluded.updated_at`,
		userID, venueID, points, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to write balance: %w", err)
	}
	return nil
}

// ConsumeNonce records a token nonce as used. A second call with the same nonce
// returns ErrNonceUsed.
func (t *Tx) ConsumeNonce(ctx context.Context, nonce string, userID, venueID int64, now time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO token_nonces (nonce, user_id, venue_id, consumed_at) VALUES (?, ?, ?, ?)`,
		nonce, userID, venueID, formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrNonceUsed
		}
		return fmt.Errorf("failed to consume nonce: %w", err)
	}
	return nil
}

// GetBalance returns the committed balance of a key; missing rows read as zero.
func (db *DB) GetBalance(ctx context.Context, userID, venueID int64) (int64, error) {
	var points int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT points FROM balances WHERE user_id = ? AND venue_id = ?`,
		userID, venueID,
	).Scan(&points)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify(fmt.Errorf("failed to read balance: %w", err))
	}
	return points, nil
}

// ListBalances returns every balance row of a user ordered by venue.
func (db *DB) ListBalances(ctx context.Context, userID int64) ([]models.Balance, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT user_id, venue_id, points, updated_at FROM balances WHERE user_id = ? ORDER BY venue_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	balances := []models.Balance{}
	for rows.Next() {
		var b models.Balance
		var updatedAt string
		if err := rows.Scan(&b.UserID, &b.VenueID, &b.Points, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating balances: %w", err)
	}

	return balances, nil
}
