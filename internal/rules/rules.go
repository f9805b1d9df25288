// Package rules resolves the accrual rule that converts a purchase at a venue
// into points. Rules are read through a cache and persisted in the database;
// a venue without an override uses the configured default.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"bar-loyalty-api/internal/cache"
	"bar-loyalty-api/internal/events"
	"bar-loyalty-api/internal/keylock"
	"bar-loyalty-api/internal/models"
	"bar-loyalty-api/internal/validation"

	"github.com/shopspring/decimal"
)

// Store is the persistence boundary for venue rules.
type Store interface {
	GetRule(ctx context.Context, venueID int64) (*models.VenueAccrualRule, error)
	UpsertRule(ctx context.Context, rule models.VenueAccrualRule) error
	InsertRuleIfAbsent(ctx context.Context, rule models.VenueAccrualRule) (bool, error)
}

// Defaults is the rule applied to venues without an admin override.
type Defaults struct {
	PointsPerCurrencyUnit decimal.Decimal
	MinimumPurchase       decimal.Decimal
	IsActive              bool
}

// DefaultDefaults earns one point per 100 currency units with no minimum.
func DefaultDefaults() Defaults {
	return Defaults{
		PointsPerCurrencyUnit: decimal.RequireFromString("0.01"),
		MinimumPurchase:       decimal.Zero,
		IsActive:              true,
	}
}

// Resolver is the only access path to venue accrual rules.
type Resolver struct {
	store    Store
	cache    cache.Cache
	cacheTTL time.Duration
	defaults Defaults
	locks    *keylock.Locker
	events   *events.Manager
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache enables read-through caching of rules.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

// WithEvents publishes rule updates on the given manager.
func WithEvents(m *events.Manager) Option {
	return func(r *Resolver) { r.events = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source stamped on updated rules.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver creates a resolver over the given store.
func NewResolver(store Store, defaults Defaults, opts ...Option) *Resolver {
	r := &Resolver{
		store:    store,
		defaults: defaults,
		locks:    keylock.New(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cacheKey(venueID int64) string {
	return "rule:" + strconv.FormatInt(venueID, 10)
}

// Default returns the built-in rule for a venue.
func (r *Resolver) Default(venueID int64) models.VenueAccrualRule {
	return models.VenueAccrualRule{
		VenueID:               venueID,
		PointsPerCurrencyUnit: r.defaults.PointsPerCurrencyUnit,
		MinimumPurchase:       r.defaults.MinimumPurchase,
		IsActive:              r.defaults.IsActive,
	}
}

// GetRule returns the current rule of a venue. A venue without an override
// gets the default rule; only storage failures produce an error.
func (r *Resolver) GetRule(ctx context.Context, venueID int64) (models.VenueAccrualRule, error) {
	if rule, ok := r.cached(ctx, venueID); ok {
		return rule, nil
	}

	// fill under the venue lock so a concurrent SetRule cannot be overwritten
	// with the value read before it
	unlock := r.locks.Lock(cacheKey(venueID))
	defer unlock()

	if rule, ok := r.cached(ctx, venueID); ok {
		return rule, nil
	}

	rule, err := r.load(ctx, venueID)
	if err != nil {
		return models.VenueAccrualRule{}, err
	}

	r.remember(ctx, rule)
	return rule, nil
}

func (r *Resolver) cached(ctx context.Context, venueID int64) (models.VenueAccrualRule, bool) {
	if r.cache == nil {
		return models.VenueAccrualRule{}, false
	}
	var rule models.VenueAccrualRule
	err := cache.GetJSON(ctx, r.cache, cacheKey(venueID), &rule)
	if err == nil {
		return rule, true
	}
	if !errors.Is(err, cache.ErrNotFound) {
		r.logger.Warn("rule cache read failed", "bar_id", venueID, "error", err)
	}
	return models.VenueAccrualRule{}, false
}

// SetRule merges the patch over the venue's current rule and stores the result.
// Calls for the same venue are serialized; the last one to complete wins.
func (r *Resolver) SetRule(ctx context.Context, venueID int64, patch models.RulePatch) (models.VenueAccrualRule, error) {
	if err := validation.ValidateID(venueID, "bar_id"); err != nil {
		return models.VenueAccrualRule{}, err
	}
	if err := validation.ValidateRulePatch(patch); err != nil {
		return models.VenueAccrualRule{}, err
	}

	unlock := r.locks.Lock(cacheKey(venueID))
	defer unlock()

	current, err := r.load(ctx, venueID)
	if err != nil {
		return models.VenueAccrualRule{}, err
	}

	merged := Merge(current, patch)
	merged.UpdatedAt = r.now().UTC()
	if err := validation.ValidateRule(merged); err != nil {
		return models.VenueAccrualRule{}, err
	}

	// drop the cached copy first so a failed cache write cannot leave the
	// previous rule behind
	r.forget(ctx, venueID)
	if err := r.store.UpsertRule(ctx, merged); err != nil {
		return models.VenueAccrualRule{}, fmt.Errorf("failed to store rule: %w", err)
	}
	if err := r.remember(ctx, merged); err != nil {
		r.forget(ctx, venueID)
	}

	r.logger.Info("accrual rule updated",
		"bar_id", venueID,
		"points_per_currency_unit", merged.PointsPerCurrencyUnit.String(),
		"minimum_purchase", merged.MinimumPurchase.String(),
		"is_active", merged.IsActive,
	)
	r.events.PublishRuleUpdated(ctx, merged)

	return merged, nil
}

// Merge applies the non-nil fields of patch to rule.
func Merge(rule models.VenueAccrualRule, patch models.RulePatch) models.VenueAccrualRule {
	if patch.PointsPerCurrencyUnit != nil {
		rule.PointsPerCurrencyUnit = *patch.PointsPerCurrencyUnit
	}
	if patch.MinimumPurchase != nil {
		rule.MinimumPurchase = *patch.MinimumPurchase
	}
	if patch.IsActive != nil {
		rule.IsActive = *patch.IsActive
	}
	return rule
}

// Points returns floor(amount * rate).
func Points(rule models.VenueAccrualRule, amount decimal.Decimal) int64 {
	return amount.Mul(rule.PointsPerCurrencyUnit).Floor().IntPart()
}

func (r *Resolver) load(ctx context.Context, venueID int64) (models.VenueAccrualRule, error) {
	stored, err := r.store.GetRule(ctx, venueID)
	if err != nil {
		return models.VenueAccrualRule{}, fmt.Errorf("failed to load rule for bar %d: %w", venueID, err)
	}
	if stored == nil {
		return r.Default(venueID), nil
	}
	return *stored, nil
}

func (r *Resolver) remember(ctx context.Context, rule models.VenueAccrualRule) error {
	if r.cache == nil {
		return nil
	}
	if err := cache.SetJSON(ctx, r.cache, cacheKey(rule.VenueID), rule, r.cacheTTL); err != nil {
		r.logger.Warn("rule cache write failed", "bar_id", rule.VenueID, "error", err)
		return err
	}
	return nil
}

func (r *Resolver) forget(ctx context.Context, venueID int64) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, cacheKey(venueID)); err != nil {
		r.logger.Warn("rule cache delete failed", "bar_id", venueID, "error", err)
	}
}
