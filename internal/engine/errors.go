package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Code identifies why the engine refused an operation. Codes are stable and
// shown to the scanning staff device.
type Code string

const (
	CodeInvalidToken        Code = "invalid_token"
	CodeTokenExpired        Code = "token_expired"
	CodeTokenReplayed       Code = "token_replayed"
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeAccrualDisabled     Code = "accrual_disabled"
	CodeBelowMinimum        Code = "below_minimum"
	CodeZeroPoints          Code = "zero_points"
	CodeInvalidAdjustment   Code = "invalid_adjustment"
	CodeConcurrencyConflict Code = "concurrency_conflict"
)

// Class groups codes by what the caller can do about them.
type Class string

const (
	// ClassToken errors are terminal for the token; the client must mint a new one.
	ClassToken Class = "token"
	// ClassBalance errors may be retried once the balance allows it.
	ClassBalance Class = "balance"
	// ClassRule errors depend on venue configuration or the entered amount.
	ClassRule Class = "rule"
	// ClassConcurrency errors are transient; the store stayed contended after retries.
	ClassConcurrency Class = "concurrency"
	// ClassInput errors are malformed requests from a trusted caller.
	ClassInput Class = "input"
)

var classes = map[Code]Class{
	CodeInvalidToken:        ClassToken,
	CodeTokenExpired:        ClassToken,
	CodeTokenReplayed:       ClassToken,
	CodeInsufficientBalance: ClassBalance,
	CodeAccrualDisabled:     ClassRule,
	CodeBelowMinimum:        ClassRule,
	CodeZeroPoints:          ClassRule,
	CodeInvalidAdjustment:   ClassInput,
	CodeConcurrencyConflict: ClassConcurrency,
}

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrInvalidToken        = &Error{Code: CodeInvalidToken}
	ErrTokenExpired        = &Error{Code: CodeTokenExpired}
	ErrTokenReplayed       = &Error{Code: CodeTokenReplayed}
	ErrInsufficientBalance = &Error{Code: CodeInsufficientBalance}
	ErrAccrualDisabled     = &Error{Code: CodeAccrualDisabled}
	ErrBelowMinimum        = &Error{Code: CodeBelowMinimum}
	ErrZeroPoints          = &Error{Code: CodeZeroPoints}
	ErrInvalidAdjustment   = &Error{Code: CodeInvalidAdjustment}
	ErrConcurrency         = &Error{Code: CodeConcurrencyConflict}
)

// Error is a refused engine operation. Balance is set for insufficient_balance
// and Minimum for below_minimum.
type Error struct {
	Code    Code
	Balance int64
	Minimum decimal.Decimal
	Err     error
}

// Class returns the error's class.
func (e *Error) Class() Class {
	return classes[e.Code]
}

func (e *Error) Error() string {
	switch e.Code {
	case CodeInsufficientBalance:
		return fmt.Sprintf("%s: balance is %d", e.Code, e.Balance)
	case CodeBelowMinimum:
		return fmt.Sprintf("%s: minimum purchase is %s", e.Code, e.Minimum.String())
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}
