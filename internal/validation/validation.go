package validation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"bar-loyalty-api/internal/models"

	"github.com/shopspring/decimal"
)

var (
	maxPurchaseAmount = decimal.NewFromInt(1_000_000)
	maxAccrualRate    = decimal.NewFromInt(1_000)
)

const (
	maxAdjustment   = 10_000_000
	maxItemPrice    = 10_000_000
	maxReasonLength = 500
	maxNameLength   = 200
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateID checks that a numeric identifier is positive.
func ValidateID(id int64, fieldName string) error {
	if id <= 0 {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a positive integer",
		}
	}
	return nil
}

// ParseID parses a path or query parameter into a positive identifier.
func ParseID(raw, fieldName string) (int64, error) {
	raw = SanitizeString(raw)
	if raw == "" {
		return 0, &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &ValidationError{
			Field:   fieldName,
			Message: "must be an integer",
		}
	}
	if err := ValidateID(id, fieldName); err != nil {
		return 0, err
	}
	return id, nil
}

// ValidateRule checks a complete accrual rule.
func ValidateRule(rule models.VenueAccrualRule) error {
	if err := ValidateID(rule.VenueID, "bar_id"); err != nil {
		return err
	}

	if !rule.PointsPerCurrencyUnit.IsPositive() {
		return &ValidationError{
			Field:   "points_per_currency_unit",
			Message: "must be greater than zero",
		}
	}

	if rule.PointsPerCurrencyUnit.GreaterThan(maxAccrualRate) {
		return &ValidationError{
			Field:   "points_per_currency_unit",
			Message: "exceeds maximum allowed rate",
		}
	}

	if rule.MinimumPurchase.IsNegative() {
		return &ValidationError{
			Field:   "minimum_purchase",
			Message: "must be non-negative",
		}
	}

	if rule.MinimumPurchase.GreaterThan(maxPurchaseAmount) {
		return &ValidationError{
			Field:   "minimum_purchase",
			Message: "exceeds maximum allowed amount",
		}
	}

	return nil
}

// ValidateRulePatch rejects patches that set nothing.
func ValidateRulePatch(patch models.RulePatch) error {
	if patch.PointsPerCurrencyUnit == nil && patch.MinimumPurchase == nil && patch.IsActive == nil {
		return &ValidationError{
			Field:   "rule",
			Message: "at least one field must be provided",
		}
	}
	return nil
}

// ValidatePurchaseAmount checks the amount entered by staff on an earn scan.
// Zero is allowed here; the venue rule decides whether it earns anything.
func ValidatePurchaseAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &ValidationError{
			Field:   "purchase_amount",
			Message: "cannot be negative",
		}
	}

	if amount.GreaterThan(maxPurchaseAmount) {
		return &ValidationError{
			Field:   "purchase_amount",
			Message: "exceeds maximum allowed amount",
		}
	}

	return nil
}

// ValidateAdjustment checks an admin balance adjustment request.
func ValidateAdjustment(req models.AdjustRequest) error {
	if err := ValidateID(req.UserID, "user_id"); err != nil {
		return err
	}

	if err := ValidateID(req.BarID, "bar_id"); err != nil {
		return err
	}

	if req.Delta == 0 {
		return &ValidationError{
			Field:   "delta",
			Message: "must not be zero",
		}
	}

	if req.Delta > maxAdjustment || req.Delta < -maxAdjustment {
		return &ValidationError{
			Field:   "delta",
			Message: "exceeds maximum allowed adjustment",
		}
	}

	if len(req.Reason) > maxReasonLength {
		return &ValidationError{
			Field:   "reason",
			Message: fmt.Sprintf("cannot exceed %d characters", maxReasonLength),
		}
	}

	return nil
}

// ValidateMintRequest checks a client request for a new QR token.
func ValidateMintRequest(req models.MintTokenRequest) error {
	if !req.Type.Valid() {
		return &ValidationError{
			Field:   "type",
			Message: "must be 'earn' or 'spend'",
		}
	}

	if err := ValidateID(req.UserID, "userId"); err != nil {
		return err
	}

	if err := ValidateID(req.BarID, "barId"); err != nil {
		return err
	}

	if len(req.BarName) > maxNameLength {
		return &ValidationError{
			Field:   "barName",
			Message: fmt.Sprintf("cannot exceed %d characters", maxNameLength),
		}
	}

	if req.Type != models.TokenSpend {
		return nil
	}

	if err := ValidateID(req.ItemID, "itemId"); err != nil {
		return err
	}

	if req.ItemName == "" {
		return &ValidationError{
			Field:   "itemName",
			Message: "is required",
		}
	}

	if len(req.ItemName) > maxNameLength {
		return &ValidationError{
			Field:   "itemName",
			Message: fmt.Sprintf("cannot exceed %d characters", maxNameLength),
		}
	}

	if req.ItemPrice <= 0 || req.ItemPrice > maxItemPrice {
		return &ValidationError{
			Field:   "itemPrice",
			Message: "must be a positive point amount",
		}
	}

	return nil
}

// ParseTransactionType parses an optional transaction type filter.
func ParseTransactionType(raw string) (*models.TransactionType, error) {
	raw = SanitizeString(raw)
	if raw == "" {
		return nil, nil
	}
	t := models.TransactionType(strings.ToLower(raw))
	if !t.Valid() {
		return nil, &ValidationError{
			Field:   "type",
			Message: "must be one of earn, spend, admin_add, admin_remove",
		}
	}
	return &t, nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

func ValidateTimeString(timeStr string) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "is required",
		}
	}

	t, err := time.Parse(time.RFC3339, timeStr)
	if err != nil {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "must be a valid RFC3339 timestamp",
		}
	}

	return t, nil
}
