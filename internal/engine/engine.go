// Package engine turns scanned QR tokens and admin adjustments into committed
// balance mutations.
//
// A token has no persisted state: it is issued by the client, validated on
// arrival, and either consumed by exactly one commit or refused. Refusals are
// returned as *Error with a stable Code.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bar-loyalty-api/internal/events"
	"bar-loyalty-api/internal/features"
	"bar-loyalty-api/internal/ledger"
	"bar-loyalty-api/internal/metrics"
	"bar-loyalty-api/internal/models"
	"bar-loyalty-api/internal/rules"
	"bar-loyalty-api/internal/token"
	"bar-loyalty-api/internal/tracing"
	"bar-loyalty-api/internal/validation"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const (
	opSpend  = "spend"
	opEarn   = "earn"
	opAdjust = "adjust"
	opMint   = "mint"
)

// SpendRequest redeems a spend token. StaffVenueID is the venue the scanning
// staff member works at, or zero when the device is not bound to a venue.
type SpendRequest struct {
	Token        string
	AdminID      int64
	StaffVenueID int64
}

// EarnRequest credits a purchase against an earn token.
type EarnRequest struct {
	Token          string
	PurchaseAmount decimal.Decimal
	AdminID        int64
	StaffVenueID   int64
}

// AdjustRequest is a manual balance change by an authenticated admin.
type AdjustRequest struct {
	UserID  int64
	VenueID int64
	Delta   int64
	AdminID int64
	Reason  string
}

// Engine validates tokens and commits balance mutations through the ledger.
type Engine struct {
	codec    *token.Codec
	rules    *rules.Resolver
	ledger   *ledger.Ledger
	features *features.Manager
	events   *events.Manager
	metrics  *metrics.Metrics
	tracer   *tracing.Tracer
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithFeatures enables flag-dependent checks (nonce requirement, venue cross-check).
func WithFeatures(f *features.Manager) Option {
	return func(e *Engine) { e.features = f }
}

// WithEvents publishes rejected operations.
func WithEvents(m *events.Manager) Option {
	return func(e *Engine) { e.events = m }
}

// WithMetrics records operation outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer wraps each operation in a span.
func WithTracer(t *tracing.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an engine.
func New(codec *token.Codec, resolver *rules.Resolver, l *ledger.Ledger, opts ...Option) *Engine {
	e := &Engine{
		codec:  codec,
		rules:  resolver,
		ledger: l,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessSpend decodes a spend token and debits the item price from the
// token's balance.
func (e *Engine) ProcessSpend(ctx context.Context, req SpendRequest) (result models.TransactionResult, err error) {
	ctx, done := e.begin(ctx, opSpend)
	var t models.PointToken
	defer func() { done(err, t.UserID, t.VenueID) }()

	t, err = e.accept(req.Token, models.TokenSpend, req.StaffVenueID)
	if err != nil {
		return models.TransactionResult{}, err
	}

	itemID := t.ItemID
	itemName := t.ItemName
	record := models.Transaction{
		Type:     models.TxSpend,
		ItemID:   &itemID,
		ItemName: &itemName,
		AdminID:  optionalID(req.AdminID),
	}

	txn, err := e.apply(ctx, ledger.Mutation{
		UserID:  t.UserID,
		VenueID: t.VenueID,
		Delta:   -t.ItemPrice,
		Nonce:   t.Nonce,
		Record:  record,
	})
	if err != nil {
		return models.TransactionResult{}, err
	}

	return models.TransactionResult{
		NewBalance:  txn.BalanceAfter,
		Transaction: txn,
	}, nil
}

// ProcessEarn decodes an earn token and credits the points the venue's
// accrual rule grants for the purchase amount.
func (e *Engine) ProcessEarn(ctx context.Context, req EarnRequest) (result models.TransactionResult, err error) {
	ctx, done := e.begin(ctx, opEarn)
	var t models.PointToken
	defer func() { done(err, t.UserID, t.VenueID) }()

	t, err = e.accept(req.Token, models.TokenEarn, req.StaffVenueID)
	if err != nil {
		return models.TransactionResult{}, err
	}

	if err = validation.ValidatePurchaseAmount(req.PurchaseAmount); err != nil {
		return models.TransactionResult{}, err
	}

	rule, err := e.rules.GetRule(ctx, t.VenueID)
	if err != nil {
		return models.TransactionResult{}, err
	}
	if !rule.IsActive {
		return models.TransactionResult{}, newError(CodeAccrualDisabled, nil)
	}
	if req.PurchaseAmount.LessThan(rule.MinimumPurchase) {
		return models.TransactionResult{}, &Error{Code: CodeBelowMinimum, Minimum: rule.MinimumPurchase}
	}

	points := rules.Points(rule, req.PurchaseAmount)
	if points <= 0 {
		return models.TransactionResult{}, newError(CodeZeroPoints, nil)
	}

	amount := req.PurchaseAmount
	txn, err := e.apply(ctx, ledger.Mutation{
		UserID:  t.UserID,
		VenueID: t.VenueID,
		Delta:   points,
		Nonce:   t.Nonce,
		Record: models.Transaction{
			Type:           models.TxEarn,
			PurchaseAmount: &amount,
			AdminID:        optionalID(req.AdminID),
		},
	})
	if err != nil {
		return models.TransactionResult{}, err
	}

	return models.TransactionResult{
		NewBalance:   txn.BalanceAfter,
		PointsEarned: points,
		Transaction:  txn,
	}, nil
}

// AdminAdjust changes a balance without a token. A removal larger than the
// balance is refused rather than floored at zero.
func (e *Engine) AdminAdjust(ctx context.Context, req AdjustRequest) (result models.TransactionResult, err error) {
	ctx, done := e.begin(ctx, opAdjust)
	defer func() { done(err, req.UserID, req.VenueID) }()

	err = validation.ValidateAdjustment(models.AdjustRequest{
		UserID: req.UserID,
		BarID:  req.VenueID,
		Delta:  req.Delta,
		Reason: req.Reason,
	})
	if err == nil {
		err = validation.ValidateID(req.AdminID, "admin_id")
	}
	if err != nil {
		return models.TransactionResult{}, newError(CodeInvalidAdjustment, err)
	}

	txType := models.TxAdminAdd
	if req.Delta < 0 {
		txType = models.TxAdminRemove
	}
	adminID := req.AdminID

	txn, err := e.apply(ctx, ledger.Mutation{
		UserID:  req.UserID,
		VenueID: req.VenueID,
		Delta:   req.Delta,
		Record: models.Transaction{
			Type:    txType,
			AdminID: &adminID,
			Reason:  validation.SanitizeString(req.Reason),
		},
	})
	if err != nil {
		return models.TransactionResult{}, err
	}

	return models.TransactionResult{
		NewBalance:  txn.BalanceAfter,
		Transaction: txn,
	}, nil
}

// IssueToken mints a server-side token carrying a single-use nonce.
func (e *Engine) IssueToken(ctx context.Context, req models.MintTokenRequest) (t models.PointToken, encoded string, err error) {
	_, done := e.begin(ctx, opMint)
	defer func() { done(err, req.UserID, req.BarID) }()

	if err = validation.ValidateMintRequest(req); err != nil {
		return models.PointToken{}, "", err
	}

	var item *token.Item
	if req.Type == models.TokenSpend {
		item = &token.Item{ID: req.ItemID, Name: req.ItemName, Price: req.ItemPrice}
	}

	t, encoded, err = e.codec.Mint(req.Type, req.UserID, req.BarID, validation.SanitizeString(req.BarName), item)
	if err != nil {
		return models.PointToken{}, "", fmt.Errorf("failed to mint token: %w", err)
	}
	return t, encoded, nil
}

// accept decodes a token and checks everything that does not need the ledger.
func (e *Engine) accept(raw string, kind models.TokenKind, staffVenueID int64) (models.PointToken, error) {
	t, err := e.codec.Decode(raw)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return t, newError(CodeTokenExpired, err)
		}
		return models.PointToken{}, newError(CodeInvalidToken, err)
	}

	if t.Kind != kind {
		return t, newError(CodeInvalidToken, fmt.Errorf("expected a %s token, got %s", kind, t.Kind))
	}

	if t.Nonce == "" && e.features.IsEnabled(features.FeatureRequireTokenNonce) {
		return t, newError(CodeInvalidToken, errors.New("token was not issued by the server"))
	}

	if staffVenueID != 0 && staffVenueID != t.VenueID && e.features.IsEnabled(features.FeatureVenueCrossCheck) {
		return t, newError(CodeInvalidToken, fmt.Errorf("token is for bar %d, scanned at bar %d", t.VenueID, staffVenueID))
	}

	return t, nil
}

// apply commits a mutation and translates ledger failures into engine errors.
func (e *Engine) apply(ctx context.Context, m ledger.Mutation) (models.Transaction, error) {
	txn, err := e.ledger.ApplyDelta(ctx, m)
	if err == nil {
		e.metrics.AddPoints(string(txn.Type), txn.Points)
		return txn, nil
	}

	var insufficient *ledger.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		return models.Transaction{}, &Error{Code: CodeInsufficientBalance, Balance: insufficient.Balance, Err: err}
	case errors.Is(err, ledger.ErrTokenReplayed):
		return models.Transaction{}, newError(CodeTokenReplayed, err)
	case errors.Is(err, ledger.ErrConcurrency):
		return models.Transaction{}, newError(CodeConcurrencyConflict, err)
	}
	return models.Transaction{}, fmt.Errorf("failed to apply balance change: %w", err)
}

// begin starts the span and timer of an operation. The returned function
// records the outcome.
func (e *Engine) begin(ctx context.Context, op string) (context.Context, func(err error, userID, venueID int64)) {
	start := time.Now()
	ctx, span := e.tracer.StartSpan(ctx, "engine."+op)

	return ctx, func(err error, userID, venueID int64) {
		outcome := Outcome(err)
		span.SetAttributes(
			attribute.String("loyalty.outcome", outcome),
			attribute.Int64("loyalty.user_id", userID),
			attribute.Int64("loyalty.bar_id", venueID),
		)
		tracing.Finish(span, err)
		e.metrics.ObserveOperation(op, outcome, time.Since(start))

		var engineErr *Error
		switch {
		case err == nil:
		case errors.As(err, &engineErr):
			e.logger.Info("operation refused",
				"operation", op,
				"code", string(engineErr.Code),
				"user_id", userID,
				"bar_id", venueID,
				"error", err,
			)
			e.events.PublishTransactionRejected(ctx, events.TransactionRejectedData{
				Operation: op,
				Code:      string(engineErr.Code),
				UserID:    userID,
				VenueID:   venueID,
			})
		default:
			var vErr *validation.ValidationError
			if !errors.As(err, &vErr) {
				e.logger.Error("operation failed", "operation", op, "user_id", userID, "bar_id", venueID, "error", err)
			}
		}
	}
}

// Outcome returns the metric label for an operation result.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return string(engineErr.Code)
	}
	var vErr *validation.ValidationError
	if errors.As(err, &vErr) {
		return "invalid_input"
	}
	return "error"
}

func optionalID(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}
