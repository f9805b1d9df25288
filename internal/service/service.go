package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bar-loyalty-api/internal/cache"
	"bar-loyalty-api/internal/config"
	"bar-loyalty-api/internal/database"
	"bar-loyalty-api/internal/engine"
	"bar-loyalty-api/internal/events"
	"bar-loyalty-api/internal/features"
	"bar-loyalty-api/internal/ledger"
	"bar-loyalty-api/internal/metrics"
	"bar-loyalty-api/internal/models"
	"bar-loyalty-api/internal/rules"
	"bar-loyalty-api/internal/token"
	"bar-loyalty-api/internal/tracing"
	"bar-loyalty-api/internal/txlog"
	"bar-loyalty-api/internal/validation"
)

// Service provides business logic for the loyalty API.
type Service struct {
	engine *engine.Engine
	rules  *rules.Resolver
	ledger *ledger.Ledger
	log    *txlog.Log
}

// Options carries the optional collaborators. Nil members are disabled.
type Options struct {
	Cache    cache.Cache
	Events   *events.Manager
	Features *features.Manager
	Metrics  *metrics.Metrics
	Tracer   *tracing.Tracer
	Logger   *slog.Logger
	Clock    func() time.Time
}

// NewService builds the rule resolver, transaction log, ledger and engine on top of db.
func NewService(db *database.DB, cfg *config.Config, opts Options) (*Service, error) {
	rate, minimum, err := cfg.DefaultRule()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	codecOpts := []token.Option{
		token.WithWindow(cfg.TokenWindow()),
		token.WithClockSkew(time.Duration(cfg.Ledger.ClockSkew) * time.Second),
	}
	ruleOpts := []rules.Option{rules.WithEvents(opts.Events), rules.WithLogger(logger)}
	logOpts := []txlog.Option{txlog.WithTopItems(cfg.Stats.TopItems)}
	ledgerOpts := []ledger.Option{
		ledger.WithRetry(cfg.Ledger.RetryAttempts, time.Duration(cfg.Ledger.RetryBackoff)*time.Millisecond),
		ledger.WithEvents(opts.Events),
		ledger.WithLogger(logger),
	}
	if opts.Clock != nil {
		codecOpts = append(codecOpts, token.WithClock(opts.Clock))
		ruleOpts = append(ruleOpts, rules.WithClock(opts.Clock))
		logOpts = append(logOpts, txlog.WithClock(opts.Clock))
		ledgerOpts = append(ledgerOpts, ledger.WithClock(opts.Clock))
	}
	if opts.Cache != nil && opts.Features.IsEnabled(features.FeatureRuleCache) {
		ruleOpts = append(ruleOpts, rules.WithCache(opts.Cache, time.Duration(cfg.Redis.TTL)*time.Second))
	}

	resolver := rules.NewResolver(db, rules.Defaults{
		PointsPerCurrencyUnit: rate,
		MinimumPurchase:       minimum,
		IsActive:              cfg.Rules.DefaultIsActive,
	}, ruleOpts...)
	log := txlog.New(db, logOpts...)
	l := ledger.New(db, log, ledgerOpts...)
	e := engine.New(token.NewCodec(codecOpts...), resolver, l,
		engine.WithFeatures(opts.Features),
		engine.WithEvents(opts.Events),
		engine.WithMetrics(opts.Metrics),
		engine.WithTracer(opts.Tracer),
		engine.WithLogger(logger),
	)

	return &Service{engine: e, rules: resolver, ledger: l, log: log}, nil
}

// SeedRules applies the venue rule seed file. Existing rules are kept.
func (s *Service) SeedRules(ctx context.Context, path string) (int, error) {
	seeds, err := rules.LoadSeedFile(path)
	if err != nil {
		return 0, err
	}
	return s.rules.Seed(ctx, seeds)
}

// IssueToken mints a single-use token for the QR screen.
func (s *Service) IssueToken(ctx context.Context, req models.MintTokenRequest) (models.MintTokenResponse, error) {
	t, encoded, err := s.engine.IssueToken(ctx, req)
	if err != nil {
		return models.MintTokenResponse{}, err
	}
	return models.MintTokenResponse{
		Token:     encoded,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
	}, nil
}

// Spend redeems a scanned spend token.
func (s *Service) Spend(ctx context.Context, req engine.SpendRequest) (models.TransactionResult, error) {
	return s.engine.ProcessSpend(ctx, req)
}

// Earn credits a purchase against a scanned earn token.
func (s *Service) Earn(ctx context.Context, req engine.EarnRequest) (models.TransactionResult, error) {
	return s.engine.ProcessEarn(ctx, req)
}

// Adjust applies a manual admin correction.
func (s *Service) Adjust(ctx context.Context, req engine.AdjustRequest) (models.TransactionResult, error) {
	return s.engine.AdminAdjust(ctx, req)
}

// GetRule returns the effective accrual rule of a venue.
func (s *Service) GetRule(ctx context.Context, venueID int64) (models.VenueAccrualRule, error) {
	if err := validation.ValidateID(venueID, "bar_id"); err != nil {
		return models.VenueAccrualRule{}, err
	}
	return s.rules.GetRule(ctx, venueID)
}

// SetRule applies a partial rule update.
func (s *Service) SetRule(ctx context.Context, venueID int64, patch models.RulePatch) (models.VenueAccrualRule, error) {
	return s.rules.SetRule(ctx, venueID, patch)
}

// Stats aggregates a venue's transaction log over [from, to).
func (s *Service) Stats(ctx context.Context, venueID int64, from, to time.Time, txType *models.TransactionType) (models.VenueStats, error) {
	if err := validation.ValidateID(venueID, "bar_id"); err != nil {
		return models.VenueStats{}, err
	}
	return s.log.StatsFor(ctx, venueID, from, to, txType)
}

// Balance returns one venue balance of a user.
func (s *Service) Balance(ctx context.Context, userID, venueID int64) (models.BalanceResponse, error) {
	if err := validation.ValidateID(userID, "user_id"); err != nil {
		return models.BalanceResponse{}, err
	}
	if err := validation.ValidateID(venueID, "bar_id"); err != nil {
		return models.BalanceResponse{}, err
	}

	points, err := s.ledger.GetBalance(ctx, userID, venueID)
	if err != nil {
		return models.BalanceResponse{}, err
	}
	return models.BalanceResponse{UserID: userID, BarID: venueID, Points: points}, nil
}

// Balances lists every venue balance of a user.
func (s *Service) Balances(ctx context.Context, userID int64) (models.BalancesResponse, error) {
	if err := validation.ValidateID(userID, "user_id"); err != nil {
		return models.BalancesResponse{}, err
	}

	balances, err := s.ledger.Balances(ctx, userID)
	if err != nil {
		return models.BalancesResponse{}, err
	}
	if balances == nil {
		balances = []models.Balance{}
	}
	return models.BalancesResponse{UserID: userID, Balances: balances}, nil
}

// History lists a user's transactions newest first.
func (s *Service) History(ctx context.Context, userID int64, venueID *int64, limit int) (models.TransactionsResponse, error) {
	if err := validation.ValidateID(userID, "user_id"); err != nil {
		return models.TransactionsResponse{}, err
	}

	txns, err := s.log.History(ctx, userID, venueID, limit)
	if err != nil {
		return models.TransactionsResponse{}, err
	}
	if txns == nil {
		txns = []models.Transaction{}
	}
	return models.TransactionsResponse{UserID: userID, Transactions: txns}, nil
}

// Latest returns the newest transaction of a user after the watermark in q.
func (s *Service) Latest(ctx context.Context, userID int64, q txlog.LatestQuery) (models.LatestTransactionResponse, error) {
	if err := validation.ValidateID(userID, "user_id"); err != nil {
		return models.LatestTransactionResponse{}, err
	}

	txn, err := s.log.LatestFor(ctx, userID, q)
	if err != nil {
		return models.LatestTransactionResponse{}, fmt.Errorf("failed to poll transactions: %w", err)
	}
	return models.LatestTransactionResponse{UserID: userID, Transaction: txn}, nil
}
