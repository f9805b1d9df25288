package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"bar-loyalty-api/internal/config"
	"bar-loyalty-api/internal/database"
	"bar-loyalty-api/internal/features"
	"bar-loyalty-api/internal/middleware"
	"bar-loyalty-api/internal/models"
	"bar-loyalty-api/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type testServer struct {
	router *chi.Mux
	mu     sync.Mutex
	now    time.Time
}

func (s *testServer) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *testServer) advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

// caller is sent as the header-based principal used when auth is disabled.
type caller struct {
	role   middleware.Role
	userID int64
	barID  int64
}

var (
	admin = caller{role: middleware.RoleAdmin, userID: 900}
	staff = caller{role: middleware.RoleStaff, userID: 500, barID: 2}
)

func client(userID int64) caller {
	return caller{role: middleware.RoleClient, userID: userID}
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "handler.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := &testServer{now: time.Date(2025, 10, 21, 22, 0, 0, 0, time.UTC)}
	svc, err := service.NewService(db, config.Default(), service.Options{
		Features: features.NewDefaultManager(nil),
		Clock:    s.clock,
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}

	h := NewHandler(svc)
	h.now = s.clock

	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: false}, nil)
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		h.Routes(r)
	})
	s.router = r
	return s
}

func (s *testServer) do(t *testing.T, c caller, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Role", string(c.role))
	if c.userID != 0 {
		req.Header.Set("X-User-ID", strconv.FormatInt(c.userID, 10))
	}
	if c.barID != 0 {
		req.Header.Set("X-Bar-ID", strconv.FormatInt(c.barID, 10))
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) mint(t *testing.T, req models.MintTokenRequest) string {
	t.Helper()
	rr := s.do(t, client(req.UserID), http.MethodPost, "/tokens", req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 minting token, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var resp models.MintTokenResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	return resp.Token
}

func (s *testServer) credit(t *testing.T, userID, barID, points int64) {
	t.Helper()
	rr := s.do(t, admin, http.MethodPost, "/admin/adjustments", models.AdjustRequest{UserID: userID, BarID: barID, Delta: points})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 crediting points, got %d. Body: %s", rr.Code, rr.Body.String())
	}
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal error response: %v", err)
	}
	return resp
}

func earnToken(userID, barID int64) models.MintTokenRequest {
	return models.MintTokenRequest{Type: models.TokenEarn, UserID: userID, BarID: barID, BarName: "The Anchor"}
}

func spendToken(userID, barID, price int64) models.MintTokenRequest {
	return models.MintTokenRequest{
		Type: models.TokenSpend, UserID: userID, BarID: barID, BarName: "The Anchor",
		ItemID: 7, ItemName: "Lager", ItemPrice: price,
	}
}

func TestHealthCheck(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	if rr.Body.String() != "OK" {
		t.Errorf("Expected body 'OK', got '%s'", rr.Body.String())
	}
}

func TestEarn_Success(t *testing.T) {
	s := setupTestServer(t)

	token := s.mint(t, earnToken(1, 2))
	rr := s.do(t, staff, http.MethodPost, "/scan/earn", models.EarnRequest{Token: token, PurchaseAmount: decimal.NewFromInt(250)})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	var result models.TransactionResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if result.PointsEarned != 2 || result.NewBalance != 2 {
		t.Errorf("Expected 2 points and balance 2, got %+v", result)
	}
	if result.Transaction.AdminID == nil || *result.Transaction.AdminID != staff.userID {
		t.Errorf("Expected the scanning staff member on the record, got %v", result.Transaction.AdminID)
	}

	rr = s.do(t, client(1), http.MethodGet, "/users/1/balances/2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var balance models.BalanceResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &balance); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if balance.Points != 2 {
		t.Errorf("Expected 2 points, got %d", balance.Points)
	}
}

func TestEarn_AcceptsStringAmount(t *testing.T) {
	s := setupTestServer(t)

	token := s.mint(t, earnToken(1, 2))
	body := `{"token":"` + token + `","purchaseAmount":"1000.50"}`
	rr := s.do(t, staff, http.MethodPost, "/scan/earn", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}
}

func TestSpend_InsufficientBalance(t *testing.T) {
	s := setupTestServer(t)
	s.credit(t, 1, 2, 5)

	token := s.mint(t, spendToken(1, 2, 8))
	rr := s.do(t, staff, http.MethodPost, "/scan/spend", models.SpendRequest{Token: token})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected status 422, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	resp := decodeError(t, rr)
	if resp.Code != "insufficient_balance" {
		t.Errorf("Expected code insufficient_balance, got %s", resp.Code)
	}
	if resp.Balance == nil || *resp.Balance != 5 {
		t.Errorf("Expected balance 5 in the response, got %v", resp.Balance)
	}
}

func TestSpend_ReplayedToken(t *testing.T) {
	s := setupTestServer(t)
	s.credit(t, 1, 2, 20)

	token := s.mint(t, spendToken(1, 2, 8))
	if rr := s.do(t, staff, http.MethodPost, "/scan/spend", models.SpendRequest{Token: token}); rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	rr := s.do(t, staff, http.MethodPost, "/scan/spend", models.SpendRequest{Token: token})
	if rr.Code != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	if code := decodeError(t, rr).Code; code != "token_replayed" {
		t.Errorf("Expected code token_replayed, got %s", code)
	}
}

func TestSpend_ExpiredToken(t *testing.T) {
	s := setupTestServer(t)
	s.credit(t, 1, 2, 20)

	token := s.mint(t, spendToken(1, 2, 8))
	s.advance(10 * time.Minute)

	rr := s.do(t, staff, http.MethodPost, "/scan/spend", models.SpendRequest{Token: token})
	if rr.Code != http.StatusGone {
		t.Fatalf("Expected status 410, got %d. Body: %s", rr.Code, rr.Body.String())
	}
}

func TestSpend_WrongVenue(t *testing.T) {
	s := setupTestServer(t)
	s.credit(t, 1, 3, 20)

	token := s.mint(t, spendToken(1, 3, 8))
	rr := s.do(t, staff, http.MethodPost, "/scan/spend", models.SpendRequest{Token: token})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	if code := decodeError(t, rr).Code; code != "invalid_token" {
		t.Errorf("Expected code invalid_token, got %s", code)
	}
}

func TestScan_RejectsBadBodies(t *testing.T) {
	s := setupTestServer(t)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"empty body", nil, http.StatusBadRequest},
		{"invalid json", "invalid json", http.StatusBadRequest},
		{"garbage token", models.SpendRequest{Token: "not-a-token"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(t, staff, http.MethodPost, "/scan/spend", tt.body)
			if rr.Code != tt.want {
				t.Errorf("Expected status %d, got %d. Body: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestEarn_BelowMinimum(t *testing.T) {
	s := setupTestServer(t)

	rr := s.do(t, admin, http.MethodPut, "/bars/2/rule", map[string]string{"minimum_purchase": "500"})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200 updating rule, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	token := s.mint(t, earnToken(1, 2))
	rr = s.do(t, staff, http.MethodPost, "/scan/earn", models.EarnRequest{Token: token, PurchaseAmount: decimal.NewFromInt(250)})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected status 422, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	resp := decodeError(t, rr)
	if resp.Code != "below_minimum" {
		t.Errorf("Expected code below_minimum, got %s", resp.Code)
	}
	if resp.MinimumPurchase == nil || !resp.MinimumPurchase.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Expected minimum 500 in the response, got %v", resp.MinimumPurchase)
	}
}

func TestEarn_AccrualDisabled(t *testing.T) {
	s := setupTestServer(t)

	if rr := s.do(t, admin, http.MethodPut, "/bars/2/rule", map[string]bool{"is_active": false}); rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200 updating rule, got %d", rr.Code)
	}

	token := s.mint(t, earnToken(1, 2))
	rr := s.do(t, staff, http.MethodPost, "/scan/earn", models.EarnRequest{Token: token, PurchaseAmount: decimal.NewFromInt(250)})
	if rr.Code != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d. Body: %s", rr.Code, rr.Body.String())
	}
}

func TestRule_GetAndUpdate(t *testing.T) {
	s := setupTestServer(t)

	rr := s.do(t, staff, http.MethodGet, "/bars/4/rule", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var rule models.VenueAccrualRule
	if err := json.Unmarshal(rr.Body.Bytes(), &rule); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if !rule.PointsPerCurrencyUnit.Equal(decimal.RequireFromString("0.01")) || !rule.IsActive {
		t.Errorf("Expected the default rule, got %+v", rule)
	}

	if rr := s.do(t, staff, http.MethodPut, "/bars/4/rule", map[string]string{"points_per_currency_unit": "0.1"}); rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for staff, got %d", rr.Code)
	}

	rr = s.do(t, admin, http.MethodPut, "/bars/4/rule", map[string]string{"points_per_currency_unit": "-1"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for a negative rate, got %d", rr.Code)
	}

	rr = s.do(t, admin, http.MethodPut, "/bars/4/rule", map[string]string{"points_per_currency_unit": "0.1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &rule); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if !rule.PointsPerCurrencyUnit.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("Expected rate 0.1, got %s", rule.PointsPerCurrencyUnit)
	}
}

func TestAdjust(t *testing.T) {
	s := setupTestServer(t)

	req := models.AdjustRequest{UserID: 1, BarID: 2, Delta: 30, Reason: "welcome bonus"}
	if rr := s.do(t, staff, http.MethodPost, "/admin/adjustments", req); rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for staff, got %d", rr.Code)
	}

	rr := s.do(t, admin, http.MethodPost, "/admin/adjustments", req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var result models.TransactionResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if result.Transaction.Type != models.TxAdminAdd || result.Transaction.Reason != "welcome bonus" {
		t.Errorf("Unexpected transaction %+v", result.Transaction)
	}

	rr = s.do(t, admin, http.MethodPost, "/admin/adjustments", models.AdjustRequest{UserID: 1, BarID: 2, Delta: -100})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422 for an overdraw, got %d", rr.Code)
	}

	rr = s.do(t, admin, http.MethodPost, "/admin/adjustments", models.AdjustRequest{UserID: 1, BarID: 2, Delta: 0})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for a zero delta, got %d", rr.Code)
	}
	if code := decodeError(t, rr).Code; code != "invalid_adjustment" {
		t.Errorf("Expected code invalid_adjustment, got %s", code)
	}
}

func TestUserRoutes_ClientsSeeOnlyThemselves(t *testing.T) {
	s := setupTestServer(t)

	if rr := s.do(t, client(1), http.MethodGet, "/users/1/balances", nil); rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 for own balances, got %d", rr.Code)
	}
	if rr := s.do(t, client(1), http.MethodGet, "/users/2/balances", nil); rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for another user's balances, got %d", rr.Code)
	}
	if rr := s.do(t, admin, http.MethodGet, "/users/2/balances", nil); rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 for admin, got %d", rr.Code)
	}
	if rr := s.do(t, client(1), http.MethodPost, "/tokens", earnToken(2, 2)); rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 minting for another user, got %d", rr.Code)
	}
	if rr := s.do(t, admin, http.MethodGet, "/users/abc/balances", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for a malformed id, got %d", rr.Code)
	}
}

func TestBalances_ListsVenues(t *testing.T) {
	s := setupTestServer(t)
	s.credit(t, 1, 2, 10)
	s.credit(t, 1, 3, 4)

	rr := s.do(t, client(1), http.MethodGet, "/users/1/balances", nil)
	var resp models.BalancesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if len(resp.Balances) != 2 {
		t.Fatalf("Expected 2 balances, got %d", len(resp.Balances))
	}
}

func TestTransactions_HistoryAndLatest(t *testing.T) {
	s := setupTestServer(t)
	s.credit(t, 1, 2, 10)
	watermark := s.clock()
	s.advance(time.Second)

	rr := s.do(t, client(1), http.MethodGet, "/users/1/transactions/latest?since="+watermark.Format(time.RFC3339Nano), nil)
	var latest models.LatestTransactionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &latest); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if latest.Transaction != nil {
		t.Errorf("Expected no transaction after the watermark, got %+v", latest.Transaction)
	}

	s.credit(t, 1, 3, 5)

	rr = s.do(t, client(1), http.MethodGet, "/users/1/transactions/latest?since="+watermark.Format(time.RFC3339Nano), nil)
	if err := json.Unmarshal(rr.Body.Bytes(), &latest); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if latest.Transaction == nil || latest.Transaction.VenueID != 3 {
		t.Errorf("Expected the bar 3 credit after the watermark, got %+v", latest.Transaction)
	}

	rr = s.do(t, client(1), http.MethodGet, "/users/1/transactions?bar_id=2", nil)
	var history models.TransactionsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &history); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if len(history.Transactions) != 1 || history.Transactions[0].VenueID != 2 {
		t.Errorf("Expected one bar 2 transaction, got %+v", history.Transactions)
	}

	for _, path := range []string{
		"/users/1/transactions?limit=0",
		"/users/1/transactions?bar_id=x",
		"/users/1/transactions/latest?since=yesterday",
	} {
		if rr := s.do(t, client(1), http.MethodGet, path, nil); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", path, rr.Code)
		}
	}
}

func TestStats(t *testing.T) {
	s := setupTestServer(t)
	s.credit(t, 1, 2, 10)
	s.credit(t, 2, 2, 6)
	s.advance(time.Minute)

	rr := s.do(t, staff, http.MethodGet, "/bars/2/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var stats models.VenueStats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if stats.Count != 2 || stats.PointsAdded != 16 || stats.DistinctUsers != 2 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	if rr := s.do(t, staff, http.MethodGet, "/bars/3/stats", nil); rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for another bar, got %d", rr.Code)
	}
	if rr := s.do(t, staff, http.MethodGet, "/bars/2/stats?type=refund", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for an unknown type, got %d", rr.Code)
	}
	if rr := s.do(t, client(1), http.MethodGet, "/bars/2/stats", nil); rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for clients, got %d", rr.Code)
	}
}
