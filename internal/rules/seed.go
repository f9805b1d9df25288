package rules

import (
	"context"
	"fmt"
	"os"

	"bar-loyalty-api/internal/models"
	"bar-loyalty-api/internal/validation"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// SeedRule is one venue entry of the seed file:
//
//	bars:
//	  - bar_id: 1
//	    points_per_currency_unit: "0.01"
//	    minimum_purchase: "0"
//	    is_active: true
type SeedRule struct {
	VenueID               int64  `yaml:"bar_id"`
	PointsPerCurrencyUnit string `yaml:"points_per_currency_unit"`
	MinimumPurchase       string `yaml:"minimum_purchase"`
	IsActive              *bool  `yaml:"is_active"`
}

type seedFile struct {
	Bars []SeedRule `yaml:"bars"`
}

// LoadSeedFile reads venue rule seeds from a YAML file.
func LoadSeedFile(path string) ([]SeedRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return f.Bars, nil
}

// Seed stores a rule for every seeded venue that has no rule yet. Existing
// admin overrides are left untouched. It returns the number of rules inserted.
func (r *Resolver) Seed(ctx context.Context, seeds []SeedRule) (int, error) {
	inserted := 0
	for i, seed := range seeds {
		rule, err := r.fromSeed(seed)
		if err != nil {
			return inserted, fmt.Errorf("invalid seed at index %d: %w", i, err)
		}

		ok, err := r.store.InsertRuleIfAbsent(ctx, rule)
		if err != nil {
			return inserted, fmt.Errorf("failed to seed rule for bar %d: %w", rule.VenueID, err)
		}
		if ok {
			inserted++
			r.forget(ctx, rule.VenueID)
		}
	}

	r.logger.Info("accrual rules seeded", "seeds", len(seeds), "inserted", inserted)
	return inserted, nil
}

func (r *Resolver) fromSeed(seed SeedRule) (models.VenueAccrualRule, error) {
	rule := r.Default(seed.VenueID)
	rule.UpdatedAt = r.now().UTC()

	var patch models.RulePatch
	if seed.PointsPerCurrencyUnit != "" {
		rate, err := decimal.NewFromString(seed.PointsPerCurrencyUnit)
		if err != nil {
			return models.VenueAccrualRule{}, &validation.ValidationError{
				Field:   "points_per_currency_unit",
				Message: "must be a decimal number",
			}
		}
		patch.PointsPerCurrencyUnit = &rate
	}
	if seed.MinimumPurchase != "" {
		minimum, err := decimal.NewFromString(seed.MinimumPurchase)
		if err != nil {
			return models.VenueAccrualRule{}, &validation.ValidationError{
				Field:   "minimum_purchase",
				Message: "must be a decimal number",
			}
		}
		patch.MinimumPurchase = &minimum
	}
	patch.IsActive = seed.IsActive

	rule = Merge(rule, patch)
	if err := validation.ValidateRule(rule); err != nil {
		return models.VenueAccrualRule{}, err
	}
	return rule, nil
}
