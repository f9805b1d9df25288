// Package token encodes and decodes the QR payload exchanged between the
// client app and the staff scanning device.
//
// The payload is a UTF-8 JSON object transported as base64 text:
//
//	{"type":"spend","userId":7,"barId":1,"barName":"North","timestamp":1700000000000,
//	 "expiresAt":1700000300000,"itemId":3,"itemName":"IPA","itemPrice":40}
//
// Timestamps are Unix milliseconds. The optional "nonce" key is only present on
// server-minted tokens.
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"bar-loyalty-api/internal/models"

	"github.com/google/uuid"
)

// DefaultWindow is the fixed lifetime of a token.
const DefaultWindow = 5 * time.Minute

// maxTokenLength bounds the accepted input; real payloads are a few hundred bytes.
const maxTokenLength = 4096

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrMissingField   = errors.New("missing token field")
	ErrExpired        = errors.New("token expired")
)

// DecodeError describes why a token could not be accepted.
type DecodeError struct {
	Kind   error
	Field  string
	Detail string
}

func (e *DecodeError) Error() string {
	switch {
	case e.Field != "" && e.Detail != "":
		return fmt.Sprintf("%v: %s: %s", e.Kind, e.Field, e.Detail)
	case e.Field != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Field)
	case e.Detail != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
	}
	return e.Kind.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Kind
}

func malformed(field, detail string) error {
	return &DecodeError{Kind: ErrMalformedToken, Field: field, Detail: detail}
}

func missing(field string) error {
	return &DecodeError{Kind: ErrMissingField, Field: field}
}

// payload is the wire shape. Pointers distinguish absent keys from zero values.
type payload struct {
	Type      string  `json:"type"`
	UserID    *int64  `json:"userId"`
	BarID     *int64  `json:"barId"`
	BarName   string  `json:"barName"`
	Timestamp *int64  `json:"timestamp"`
	ExpiresAt *int64  `json:"expiresAt"`
	ItemID    *int64  `json:"itemId,omitempty"`
	ItemName  *string `json:"itemName,omitempty"`
	ItemPrice *int64  `json:"itemPrice,omitempty"`
	Nonce     string  `json:"nonce,omitempty"`
}

// Item describes the menu item a spend token redeems.
type Item struct {
	ID    int64
	Name  string
	Price int64
}

// Codec converts PointTokens to and from their QR text form.
type Codec struct {
	window time.Duration
	skew   time.Duration
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source used for expiry checks and minting.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// WithWindow overrides the token lifetime.
func WithWindow(window time.Duration) Option {
	return func(c *Codec) {
		if window > 0 {
			c.window = window
		}
	}
}

// WithClockSkew sets how far in the future a token's issue time may lie.
func WithClockSkew(skew time.Duration) Option {
	return func(c *Codec) {
		if skew >= 0 {
			c.skew = skew
		}
	}
}

// NewCodec creates a codec with the default 5 minute window.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{
		window: DefaultWindow,
		skew:   time.Minute,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the codec's current time.
func (c *Codec) Now() time.Time {
	return c.now()
}

// Encode serializes a token into its base64 QR form.
func (c *Codec) Encode(t models.PointToken) (string, error) {
	if err := c.validateRecord(t); err != nil {
		return "", err
	}

	issued := t.IssuedAt.UnixMilli()
	expires := t.ExpiresAt.UnixMilli()
	p := payload{
		Type:      string(t.Kind),
		UserID:    &t.UserID,
		BarID:     &t.VenueID,
		BarName:   t.VenueName,
		Timestamp: &issued,
		ExpiresAt: &expires,
		Nonce:     t.Nonce,
	}
	if t.Kind == models.TokenSpend {
		p.ItemID = &t.ItemID
		p.ItemName = &t.ItemName
		p.ItemPrice = &t.ItemPrice
	}

	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses a scanned token and checks its shape and time bounds.
//
// When the only problem is expiry, the decoded token is returned together with
// an error wrapping ErrExpired so callers can still log who it belonged to.
func (c *Codec) Decode(raw string) (models.PointToken, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return models.PointToken{}, malformed("", "empty token")
	}
	if len(raw) > maxTokenLength {
		return models.PointToken{}, malformed("", "token too long")
	}

	data, err := decodeBase64(raw)
	if err != nil {
		return models.PointToken{}, malformed("", "not base64")
	}
	if !utf8.Valid(data) {
		return models.PointToken{}, malformed("", "payload is not UTF-8")
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.PointToken{}, malformed("", "payload is not a token object")
	}

	t, err := c.fromPayload(p)
	if err != nil {
		return models.PointToken{}, err
	}

	if c.now().UnixMilli() > t.ExpiresAt.UnixMilli() {
		return t, &DecodeError{Kind: ErrExpired, Detail: "expired at " + t.ExpiresAt.Format(time.RFC3339)}
	}
	return t, nil
}

// Mint issues a new token valid for the codec window, carrying a random nonce.
func (c *Codec) Mint(kind models.TokenKind, userID, venueID int64, venueName string, item *Item) (models.PointToken, string, error) {
	issued := c.now().UTC().Truncate(time.Millisecond)
	t := models.PointToken{
		Kind:      kind,
		UserID:    userID,
		VenueID:   venueID,
		VenueName: venueName,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(c.window),
		Nonce:     uuid.NewString(),
	}
	if kind == models.TokenSpend {
		if item == nil {
			return models.PointToken{}, "", missing("itemId")
		}
		t.ItemID = item.ID
		t.ItemName = item.Name
		t.ItemPrice = item.Price
	}

	encoded, err := c.Encode(t)
	if err != nil {
		return models.PointToken{}, "", err
	}
	return t, encoded, nil
}

func (c *Codec) fromPayload(p payload) (models.PointToken, error) {
	if p.Type == "" {
		return models.PointToken{}, missing("type")
	}
	kind := models.TokenKind(p.Type)
	if !kind.Valid() {
		return models.PointToken{}, malformed("type", "unknown token type "+p.Type)
	}
	if p.UserID == nil {
		return models.PointToken{}, missing("userId")
	}
	if p.BarID == nil {
		return models.PointToken{}, missing("barId")
	}
	if p.Timestamp == nil {
		return models.PointToken{}, missing("timestamp")
	}
	if p.ExpiresAt == nil {
		return models.PointToken{}, missing("expiresAt")
	}

	t := models.PointToken{
		Kind:      kind,
		UserID:    *p.UserID,
		VenueID:   *p.BarID,
		VenueName: p.BarName,
		IssuedAt:  time.UnixMilli(*p.Timestamp).UTC(),
		ExpiresAt: time.UnixMilli(*p.ExpiresAt).UTC(),
		Nonce:     p.Nonce,
	}

	if kind == models.TokenSpend {
		if p.ItemID == nil {
			return models.PointToken{}, missing("itemId")
		}
		if p.ItemName == nil {
			return models.PointToken{}, missing("itemName")
		}
		if p.ItemPrice == nil {
			return models.PointToken{}, missing("itemPrice")
		}
		t.ItemID = *p.ItemID
		t.ItemName = *p.ItemName
		t.ItemPrice = *p.ItemPrice
	}

	if err := c.validateRecord(t); err != nil {
		return models.PointToken{}, err
	}
	if t.IssuedAt.After(c.now().Add(c.skew)) {
		return models.PointToken{}, malformed("timestamp", "issued in the future")
	}
	return t, nil
}

// validateRecord checks the invariants shared by Encode and Decode.
func (c *Codec) validateRecord(t models.PointToken) error {
	if !t.Kind.Valid() {
		return malformed("type", fmt.Sprintf("unknown token type %q", t.Kind))
	}
	if t.UserID <= 0 {
		return malformed("userId", "must be positive")
	}
	if t.VenueID <= 0 {
		return malformed("barId", "must be positive")
	}
	if t.IssuedAt.IsZero() {
		return missing("timestamp")
	}
	if t.ExpiresAt.IsZero() {
		return missing("expiresAt")
	}
	// The wire format carries epoch milliseconds.
	if !t.IssuedAt.Equal(t.IssuedAt.Truncate(time.Millisecond)) {
		return malformed("timestamp", "must have millisecond precision")
	}
	if !t.ExpiresAt.Equal(t.ExpiresAt.Truncate(time.Millisecond)) {
		return malformed("expiresAt", "must have millisecond precision")
	}
	lifetime := t.ExpiresAt.Sub(t.IssuedAt)
	if lifetime < 0 {
		return malformed("expiresAt", "precedes timestamp")
	}
	if lifetime > c.window {
		return malformed("expiresAt", fmt.Sprintf("lifetime exceeds %s", c.window))
	}

	switch t.Kind {
	case models.TokenSpend:
		if t.ItemID <= 0 {
			return malformed("itemId", "must be positive")
		}
		if strings.TrimSpace(t.ItemName) == "" {
			return missing("itemName")
		}
		if t.ItemPrice <= 0 {
			return malformed("itemPrice", "must be positive")
		}
	case models.TokenEarn:
		if t.ItemID != 0 || t.ItemName != "" || t.ItemPrice != 0 {
			return malformed("itemId", "earn tokens carry no item")
		}
	}
	return nil
}

// decodeBase64 accepts padded and unpadded, standard and URL-safe alphabets.
func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
