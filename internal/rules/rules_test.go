package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bar-loyalty-api/internal/cache"
	"bar-loyalty-api/internal/database"
	"bar-loyalty-api/internal/models"
	"bar-loyalty-api/internal/validation"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 10, 21, 20, 0, 0, 0, time.UTC)

func newTestResolver(t *testing.T, opts ...Option) (*Resolver, *database.DB) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "rules.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewResolver(db, DefaultDefaults(), opts...), db
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func requireSameRule(t *testing.T, want, got models.VenueAccrualRule) {
	t.Helper()
	require.Equal(t, want.VenueID, got.VenueID)
	require.True(t, want.PointsPerCurrencyUnit.Equal(got.PointsPerCurrencyUnit), "rate %s != %s", want.PointsPerCurrencyUnit, got.PointsPerCurrencyUnit)
	require.True(t, want.MinimumPurchase.Equal(got.MinimumPurchase), "minimum %s != %s", want.MinimumPurchase, got.MinimumPurchase)
	require.Equal(t, want.IsActive, got.IsActive)
	require.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
}

func TestGetRule_FallsBackToDefault(t *testing.T) {
	r, _ := newTestResolver(t)

	rule, err := r.GetRule(context.Background(), 99)
	require.NoError(t, err)
	requireSameRule(t, r.Default(99), rule)
	require.True(t, rule.IsActive)
}

func TestGetRule_Idempotent(t *testing.T) {
	for name, opts := range map[string][]Option{
		"no cache":   nil,
		"with cache": {WithCache(cache.NewInMemoryCache(), time.Minute)},
	} {
		t.Run(name, func(t *testing.T) {
			r, _ := newTestResolver(t, opts...)
			ctx := context.Background()

			_, err := r.SetRule(ctx, 1, models.RulePatch{PointsPerCurrencyUnit: dec("0.25")})
			require.NoError(t, err)

			first, err := r.GetRule(ctx, 1)
			require.NoError(t, err)
			second, err := r.GetRule(ctx, 1)
			require.NoError(t, err)
			requireSameRule(t, first, second)
		})
	}
}

func TestSetRule_MergesOverCurrent(t *testing.T) {
	r, _ := newTestResolver(t, WithCache(cache.NewInMemoryCache(), time.Minute))
	ctx := context.Background()

	merged, err := r.SetRule(ctx, 1, models.RulePatch{MinimumPurchase: dec("50")})
	require.NoError(t, err)
	require.True(t, merged.PointsPerCurrencyUnit.Equal(decimal.RequireFromString("0.01")))
	require.True(t, merged.MinimumPurchase.Equal(decimal.NewFromInt(50)))
	require.Equal(t, testNow, merged.UpdatedAt)

	inactive := false
	merged, err = r.SetRule(ctx, 1, models.RulePatch{IsActive: &inactive})
	require.NoError(t, err)
	require.False(t, merged.IsActive)
	require.True(t, merged.MinimumPurchase.Equal(decimal.NewFromInt(50)))

	got, err := r.GetRule(ctx, 1)
	require.NoError(t, err)
	requireSameRule(t, merged, got)
}

func TestSetRule_PersistsAcrossResolvers(t *testing.T) {
	r, db := newTestResolver(t)
	ctx := context.Background()

	_, err := r.SetRule(ctx, 3, models.RulePatch{PointsPerCurrencyUnit: dec("0.1")})
	require.NoError(t, err)

	restarted := NewResolver(db, DefaultDefaults())
	got, err := restarted.GetRule(ctx, 3)
	require.NoError(t, err)
	require.True(t, got.PointsPerCurrencyUnit.Equal(decimal.RequireFromString("0.1")))
}

func TestSetRule_RejectsInvalid(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	_, err := r.SetRule(ctx, 1, models.RulePatch{PointsPerCurrencyUnit: dec("0")})
	var vErr *validation.ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "points_per_currency_unit", vErr.Field)

	_, err = r.SetRule(ctx, 1, models.RulePatch{})
	require.ErrorAs(t, err, &vErr)

	// rejected updates leave the default in place
	got, err := r.GetRule(ctx, 1)
	require.NoError(t, err)
	requireSameRule(t, r.Default(1), got)
}

func TestSetRule_ConcurrentWritesSerialize(t *testing.T) {
	r, _ := newTestResolver(t, WithCache(cache.NewInMemoryCache(), time.Minute))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rate := decimal.NewFromInt(int64(i))
			_, err := r.SetRule(ctx, 5, models.RulePatch{PointsPerCurrencyUnit: &rate})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// whichever write completed last, cache and store agree
	cached, err := r.GetRule(ctx, 5)
	require.NoError(t, err)
	fresh, err := NewResolver(r.store, DefaultDefaults()).GetRule(ctx, 5)
	require.NoError(t, err)
	requireSameRule(t, fresh, cached)
}

// flakyCache fails every write once failSet is switched on.
type flakyCache struct {
	cache.Cache
	failSet atomic.Bool
}

func (f *flakyCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.failSet.Load() {
		return errors.New("cache unavailable")
	}
	return f.Cache.Set(ctx, key, value, ttl)
}

func TestSetRule_FailedCacheWriteDropsStaleRule(t *testing.T) {
	flaky := &flakyCache{Cache: cache.NewInMemoryCache()}
	r, _ := newTestResolver(t, WithCache(flaky, time.Minute))
	ctx := context.Background()

	before, err := r.GetRule(ctx, 3)
	require.NoError(t, err)
	requireSameRule(t, r.Default(3), before)

	flaky.failSet.Store(true)
	updated, err := r.SetRule(ctx, 3, models.RulePatch{PointsPerCurrencyUnit: dec("0.25")})
	require.NoError(t, err)

	got, err := r.GetRule(ctx, 3)
	require.NoError(t, err)
	requireSameRule(t, updated, got)
	require.True(t, got.PointsPerCurrencyUnit.Equal(decimal.RequireFromString("0.25")))
}

func TestPoints_Floors(t *testing.T) {
	rule := models.VenueAccrualRule{PointsPerCurrencyUnit: decimal.RequireFromString("0.01")}

	require.Equal(t, int64(2), Points(rule, decimal.NewFromInt(250)))
	require.Equal(t, int64(0), Points(rule, decimal.NewFromInt(99)))
	require.Equal(t, int64(1), Points(rule, decimal.RequireFromString("199.99")))

	rule.PointsPerCurrencyUnit = decimal.RequireFromString("1.5")
	require.Equal(t, int64(15), Points(rule, decimal.RequireFromString("10.4")))
}

func TestSeed_DoesNotOverwriteOverrides(t *testing.T) {
	r, _ := newTestResolver(t, WithCache(cache.NewInMemoryCache(), time.Minute))
	ctx := context.Background()

	_, err := r.SetRule(ctx, 1, models.RulePatch{PointsPerCurrencyUnit: dec("0.5")})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "bars.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bars:
  - bar_id: 1
    points_per_currency_unit: "0.02"
  - bar_id: 2
    points_per_currency_unit: "0.05"
    minimum_purchase: "100"
    is_active: false
`), 0o600))

	seeds, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, seeds, 2)

	inserted, err := r.Seed(ctx, seeds)
	require.NoError(t, err)
	require.Equal(t, 1, inserted)

	one, err := r.GetRule(ctx, 1)
	require.NoError(t, err)
	require.True(t, one.PointsPerCurrencyUnit.Equal(decimal.RequireFromString("0.5")))

	two, err := r.GetRule(ctx, 2)
	require.NoError(t, err)
	require.False(t, two.IsActive)
	require.True(t, two.MinimumPurchase.Equal(decimal.NewFromInt(100)))
}

func TestSeed_RejectsBadNumbers(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Seed(context.Background(), []SeedRule{{VenueID: 1, PointsPerCurrencyUnit: "lots"}})
	require.Error(t, err)
}
