package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TokenKind is the kind of transaction a QR token authorizes.
type TokenKind string

const (
	TokenEarn  TokenKind = "earn"
	TokenSpend TokenKind = "spend"
)

// Valid reports whether k is a known token kind.
func (k TokenKind) Valid() bool {
	return k == TokenEarn || k == TokenSpend
}

// PointToken is the decoded content of a QR token. It is never persisted.
type PointToken struct {
	Kind      TokenKind
	UserID    int64
	VenueID   int64
	VenueName string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// Spend only.
	ItemID    int64
	ItemName  string
	ItemPrice int64
	// Nonce is set on server-minted tokens and consumed exactly once.
	Nonce string
}

// VenueAccrualRule converts a purchase amount at a venue into earned points.
type VenueAccrualRule struct {
	VenueID               int64           `json:"bar_id"`
	PointsPerCurrencyUnit decimal.Decimal `json:"points_per_currency_unit"`
	MinimumPurchase       decimal.Decimal `json:"minimum_purchase"`
	IsActive              bool            `json:"is_active"`
	UpdatedAt             time.Time       `json:"updated_at,omitempty"`
}

// RulePatch is a partial update of a VenueAccrualRule. Nil fields are left unchanged.
type RulePatch struct {
	PointsPerCurrencyUnit *decimal.Decimal `json:"points_per_currency_unit,omitempty"`
	MinimumPurchase       *decimal.Decimal `json:"minimum_purchase,omitempty"`
	IsActive              *bool            `json:"is_active,omitempty"`
}

// BalanceKey identifies one balance row.
type BalanceKey struct {
	UserID  int64
	VenueID int64
}

// Balance is a user's point count at a single venue.
type Balance struct {
	UserID    int64     `json:"user_id"`
	VenueID   int64     `json:"bar_id"`
	Points    int64     `json:"points"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransactionType classifies a committed balance mutation.
type TransactionType string

const (
	TxEarn        TransactionType = "earn"
	TxSpend       TransactionType = "spend"
	TxAdminAdd    TransactionType = "admin_add"
	TxAdminRemove TransactionType = "admin_remove"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxEarn, TxSpend, TxAdminAdd, TxAdminRemove:
		return true
	}
	return false
}

// Transaction is the immutable audit record of one committed balance mutation.
type Transaction struct {
	ID             string           `json:"id"`  // uuid
	Seq            int64            `json:"seq"` // append order
	UserID         int64            `json:"user_id"`
	VenueID        int64            `json:"bar_id"`
	Type           TransactionType  `json:"type"`
	Points         int64            `json:"points"` // signed
	BalanceBefore  int64            `json:"balance_before"`
	BalanceAfter   int64            `json:"balance_after"`
	PurchaseAmount *decimal.Decimal `json:"purchase_amount,omitempty"`
	ItemID         *int64           `json:"item_id,omitempty"`
	ItemName       *string          `json:"item_name,omitempty"`
	AdminID        *int64           `json:"admin_id,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// TransactionResult is returned by every successful engine operation.
type TransactionResult struct {
	NewBalance   int64       `json:"new_balance"`
	PointsEarned int64       `json:"points_earned,omitempty"`
	Transaction  Transaction `json:"transaction"`
}

// ItemPopularity counts how often a menu item was redeemed.
type ItemPopularity struct {
	ItemID      int64  `json:"item_id"`
	ItemName    string `json:"item_name"`
	Count       int64  `json:"count"`
	PointsSpent int64  `json:"points_spent"`
}

// VenueStats aggregates the transaction log of one venue over a time range.
type VenueStats struct {
	VenueID       int64                     `json:"bar_id"`
	From          time.Time                 `json:"from"`
	To            time.Time                 `json:"to"`
	Type          *TransactionType          `json:"type,omitempty"`
	Count         int64                     `json:"count"`
	CountByType   map[TransactionType]int64 `json:"count_by_type"`
	PointsEarned  int64                     `json:"points_earned"`
	PointsSpent   int64                     `json:"points_spent"`
	PointsAdded   int64                     `json:"points_added"`
	PointsRemoved int64                     `json:"points_removed"`
	NetPoints     int64                     `json:"net_points"`
	PurchaseTotal decimal.Decimal           `json:"purchase_total"`
	DistinctUsers int64                     `json:"distinct_users"`
	TopItems      []ItemPopularity          `json:"top_items"`
}

// MintTokenRequest is the request body for POST /tokens.
type MintTokenRequest struct {
	Type      TokenKind `json:"type"`
	UserID    int64     `json:"userId"`
	BarID     int64     `json:"barId"`
	BarName   string    `json:"barName"`
	ItemID    int64     `json:"itemId,omitempty"`
	ItemName  string    `json:"itemName,omitempty"`
	ItemPrice int64     `json:"itemPrice,omitempty"`
}

// MintTokenResponse carries the opaque token to render as a QR code.
type MintTokenResponse struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SpendRequest is the request body for POST /scan/spend.
type SpendRequest struct {
	Token string `json:"token"`
}

// EarnRequest is the request body for POST /scan/earn.
type EarnRequest struct {
	Token          string          `json:"token"`
	PurchaseAmount decimal.Decimal `json:"purchaseAmount"`
}

// AdjustRequest is the request body for POST /admin/adjustments.
type AdjustRequest struct {
	UserID int64  `json:"userId"`
	BarID  int64  `json:"barId"`
	Delta  int64  `json:"delta"`
	Reason string `json:"reason,omitempty"`
}

// BalanceResponse is the response for a single balance lookup.
type BalanceResponse struct {
	UserID int64 `json:"user_id"`
	BarID  int64 `json:"bar_id"`
	Points int64 `json:"points"`
}

// BalancesResponse lists every venue balance of a user.
type BalancesResponse struct {
	UserID   int64     `json:"user_id"`
	Balances []Balance `json:"balances"`
}

// LatestTransactionResponse is returned to polling clients. Transaction is nil when
// nothing newer than the watermark exists.
type LatestTransactionResponse struct {
	UserID      int64        `json:"user_id"`
	Transaction *Transaction `json:"transaction"`
}

// TransactionsResponse lists transaction history.
type TransactionsResponse struct {
	UserID       int64         `json:"user_id"`
	Transactions []Transaction `json:"transactions"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error           string           `json:"error"`
	Code            string           `json:"code,omitempty"`
	Balance         *int64           `json:"balance,omitempty"`
	MinimumPurchase *decimal.Decimal `json:"minimum_purchase,omitempty"`
}
