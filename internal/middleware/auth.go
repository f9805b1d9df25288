package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Role is the caller's role in the loyalty program.
type Role string

const (
	RoleClient Role = "client"
	RoleStaff  Role = "staff"
	RoleAdmin  Role = "admin"
)

// Principal is the authenticated caller. VenueID is the bar a staff member's
// device is bound to, or zero.
type Principal struct {
	UserID  int64
	Role    Role
	VenueID int64
}

// Claims is the JWT payload carried in the Authorization header.
type Claims struct {
	Role    Role  `json:"role"`
	VenueID int64 `json:"bar_id,omitempty"`
	jwt.RegisteredClaims
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	Enabled   bool
	Secret    string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

type contextKey string

const principalKey contextKey = "loyalty.principal"

// Authenticator verifies HMAC-signed bearer tokens.
//
// When disabled, the principal is read from the X-User-ID, X-Role and X-Bar-ID
// headers; this mode is meant for trusted networks and local development.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	return &Authenticator{
		cfg:    cfg,
		secret: []byte(strings.TrimSpace(cfg.Secret)),
		logger: logger,
	}
}

// sign issues a token for p valid for ttl.
func (a *Authenticator) sign(p Principal, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth secret not configured")
	}
	now := time.Now()
	claims := Claims{
		Role:    p.Role,
		VenueID: p.VenueID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.UserID, 10),
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware authenticates the request and stores the principal in its context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			p   Principal
			err error
		)
		if a.cfg.Enabled {
			p, err = a.fromBearer(r.Header.Get("Authorization"))
		} else {
			p, err = fromHeaders(r.Header)
		}
		if err != nil {
			a.logger.Info("authentication failed", "path", r.URL.Path, "error", err)
			writeAuthError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeAuthError(w, http.StatusForbidden, "forbidden")
		})
	}
}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

func (a *Authenticator) fromBearer(header string) (Principal, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return Principal{}, errors.New("missing bearer token")
	}
	if len(a.secret) == 0 {
		return Principal{}, errors.New("auth secret not configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid token: %w", err)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return Principal{}, errors.New("invalid subject")
	}
	if !claims.Role.valid() {
		return Principal{}, fmt.Errorf("unknown role %q", claims.Role)
	}

	return Principal{UserID: userID, Role: claims.Role, VenueID: claims.VenueID}, nil
}

func fromHeaders(h http.Header) (Principal, error) {
	p := Principal{Role: RoleAdmin}
	if role := h.Get("X-Role"); role != "" {
		p.Role = Role(strings.ToLower(role))
		if !p.Role.valid() {
			return Principal{}, fmt.Errorf("unknown role %q", role)
		}
	}
	if raw := h.Get("X-User-ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return Principal{}, errors.New("invalid X-User-ID")
		}
		p.UserID = id
	}
	if raw := h.Get("X-Bar-ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return Principal{}, errors.New("invalid X-Bar-ID")
		}
		p.VenueID = id
	}
	return p, nil
}

func (r Role) valid() bool {
	return r == RoleClient || r == RoleStaff || r == RoleAdmin
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `","code":"` + msg + `"}`))
}
