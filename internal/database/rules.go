package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bar-loyalty-api/internal/models"

	"github.com/shopspring/decimal"
)

// GetRule returns the stored accrual rule of a venue, or nil when none was ever set.
func (db *DB) GetRule(ctx context.Context, venueID int64) (*models.VenueAccrualRule, error) {
	var (
		rule          models.VenueAccrualRule
		rate, minimum string
		active        bool
		updatedAt     string
	)
	err := db.conn.QueryRowContext(ctx, `SELECT venue_id, points_per_unit, minimum_purchase, is_active, updated_at
		FROM venue_rules WHERE venue_id = ?`, venueID,
	).Scan(&rule.VenueID, &rate, &minimum, &active, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query rule: %w", err)
	}

	if rule.PointsPerCurrencyUnit, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("failed to parse points_per_unit: %w", err)
	}
	if rule.MinimumPurchase, err = decimal.NewFromString(minimum); err != nil {
		return nil, fmt.Errorf("failed to parse minimum_purchase: %w", err)
	}
	rule.IsActive = active
	if rule.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &rule, nil
}

// UpsertRule creates or replaces the accrual rule of a venue.
func (db *DB) UpsertRule(ctx context.Context, rule models.VenueAccrualRule) error {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO venue_rules (
		venue_id, points_per_unit, minimum_purchase, is_active, updated_at
	) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(venue_id) DO UPDATE SET
		points_per_unit = excluded.points_per_unit,
		minimum_purchase = excluded.minimum_purchase,
		is_active = excluded.is_active,
		updated_at = excluded.updated_at`,
		rule.VenueID,
		rule.PointsPerCurrencyUnit.String(),
		rule.MinimumPurchase.String(),
		rule.IsActive,
		formatTime(rule.UpdatedAt),
	)
	if err != nil {
		return classify(fmt.Errorf("failed to upsert rule: %w", err))
	}
	return nil
}

// InsertRuleIfAbsent stores the rule only when the venue has none yet and
// reports whether it was inserted.
func (db *DB) InsertRuleIfAbsent(ctx context.Context, rule models.VenueAccrualRule) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `INSERT INTO venue_rules (
		venue_id, points_per_unit, minimum_purchase, is_active, updated_at
	) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(venue_id) DO NOTHING`,
		rule.VenueID,
		rule.PointsPerCurrencyUnit.String(),
		rule.MinimumPurchase.String(),
		rule.IsActive,
		formatTime(rule.UpdatedAt),
	)
	if err != nil {
		return false, classify(fmt.Errorf("failed to insert rule: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}
