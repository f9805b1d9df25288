package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"bar-loyalty-api/internal/engine"
	"bar-loyalty-api/internal/middleware"
	"bar-loyalty-api/internal/models"
	"bar-loyalty-api/internal/service"
	"bar-loyalty-api/internal/txlog"
	"bar-loyalty-api/internal/validation"

	"github.com/go-chi/chi/v5"
)

const defaultStatsRange = 24 * time.Hour

var codeStatus = map[engine.Code]int{
	engine.CodeInvalidToken:        http.StatusBadRequest,
	engine.CodeTokenExpired:        http.StatusGone,
	engine.CodeTokenReplayed:       http.StatusConflict,
	engine.CodeInsufficientBalance: http.StatusUnprocessableEntity,
	engine.CodeBelowMinimum:        http.StatusUnprocessableEntity,
	engine.CodeZeroPoints:          http.StatusUnprocessableEntity,
	engine.CodeAccrualDisabled:     http.StatusConflict,
	engine.CodeInvalidAdjustment:   http.StatusBadRequest,
	engine.CodeConcurrencyConflict: http.StatusServiceUnavailable,
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	maxBodySize int64
	logger      *slog.Logger
	now         func() time.Time
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	Logger      *slog.Logger
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// Routes mounts the API on r. Callers must authenticate requests before they
// reach these routes.
func (h *Handler) Routes(r chi.Router) {
	staff := middleware.RequireRole(middleware.RoleStaff, middleware.RoleAdmin)
	admin := middleware.RequireRole(middleware.RoleAdmin)

	r.With(middleware.RequireRole(middleware.RoleClient, middleware.RoleAdmin)).Post("/tokens", h.IssueToken)

	r.Route("/scan", func(r chi.Router) {
		r.Use(staff)
		r.Post("/spend", h.Spend)
		r.Post("/earn", h.Earn)
	})

	r.With(admin).Post("/admin/adjustments", h.Adjust)

	r.Route("/bars/{bar_id}", func(r chi.Router) {
		r.Get("/rule", h.GetRule)
		r.With(admin).Put("/rule", h.SetRule)
		r.With(staff).Get("/stats", h.GetStats)
	})

	r.Route("/users/{user_id}", func(r chi.Router) {
		r.Use(requireSelf)
		r.Get("/balances", h.GetBalances)
		r.Get("/balances/{bar_id}", h.GetBalance)
		r.Get("/transactions", h.GetTransactions)
		r.Get("/transactions/latest", h.GetLatestTransaction)
	})
}

// requireSelf lets clients read only their own user routes.
func requireSelf(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := middleware.PrincipalFromContext(r.Context())
		if !ok {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if p.Role == middleware.RoleClient && chi.URLParam(r, "user_id") != strconv.FormatInt(p.UserID, 10) {
			respondError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IssueToken handles POST /tokens
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req models.MintTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, _ := middleware.PrincipalFromContext(r.Context())
	if p.Role == middleware.RoleClient && p.UserID != req.UserID {
		respondError(w, http.StatusForbidden, "tokens can only be issued for the caller")
		return
	}

	resp, err := h.service.IssueToken(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

// Spend handles POST /scan/spend
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	var req models.SpendRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, _ := middleware.PrincipalFromContext(r.Context())
	result, err := h.service.Spend(r.Context(), engine.SpendRequest{
		Token:        validation.SanitizeString(req.Token),
		AdminID:      p.UserID,
		StaffVenueID: p.VenueID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Earn handles POST /scan/earn
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	var req models.EarnRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, _ := middleware.PrincipalFromContext(r.Context())
	result, err := h.service.Earn(r.Context(), engine.EarnRequest{
		Token:          validation.SanitizeString(req.Token),
		PurchaseAmount: req.PurchaseAmount,
		AdminID:        p.UserID,
		StaffVenueID:   p.VenueID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Adjust handles POST /admin/adjustments
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req models.AdjustRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, _ := middleware.PrincipalFromContext(r.Context())
	result, err := h.service.Adjust(r.Context(), engine.AdjustRequest{
		UserID:  req.UserID,
		VenueID: req.BarID,
		Delta:   req.Delta,
		AdminID: p.UserID,
		Reason:  req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// GetRule handles GET /bars/{bar_id}/rule
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	venueID, err := validation.ParseID(chi.URLParam(r, "bar_id"), "bar_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	rule, err := h.service.GetRule(r.Context(), venueID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// SetRule handles PUT /bars/{bar_id}/rule
func (h *Handler) SetRule(w http.ResponseWriter, r *http.Request) {
	venueID, err := validation.ParseID(chi.URLParam(r, "bar_id"), "bar_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var patch models.RulePatch
	if !h.decode(w, r, &patch) {
		return
	}

	rule, err := h.service.SetRule(r.Context(), venueID, patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// GetStats handles GET /bars/{bar_id}/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	venueID, err := validation.ParseID(chi.URLParam(r, "bar_id"), "bar_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	p, _ := middleware.PrincipalFromContext(r.Context())
	if p.Role == middleware.RoleStaff && p.VenueID != 0 && p.VenueID != venueID {
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	query := r.URL.Query()
	to, err := parseTimeParam(query.Get("to"), "to")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	from, err := parseTimeParam(query.Get("from"), "from")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if from.IsZero() {
		end := to
		if end.IsZero() {
			end = h.now().UTC()
		}
		from = end.Add(-defaultStatsRange)
	}
	txType, err := validation.ParseTransactionType(query.Get("type"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	stats, err := h.service.Stats(r.Context(), venueID, from, to, txType)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// GetBalances handles GET /users/{user_id}/balances
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	userID, err := validation.ParseID(chi.URLParam(r, "user_id"), "user_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp, err := h.service.Balances(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetBalance handles GET /users/{user_id}/balances/{bar_id}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := validation.ParseID(chi.URLParam(r, "user_id"), "user_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	venueID, err := validation.ParseID(chi.URLParam(r, "bar_id"), "bar_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp, err := h.service.Balance(r.Context(), userID, venueID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetTransactions handles GET /users/{user_id}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, err := validation.ParseID(chi.URLParam(r, "user_id"), "user_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	query := r.URL.Query()
	venueID, err := optionalID(query.Get("bar_id"), "bar_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	limit := 0
	if raw := validation.SanitizeString(query.Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			h.fail(w, r, &validation.ValidationError{Field: "limit", Message: "must be a positive integer"})
			return
		}
	}

	resp, err := h.service.History(r.Context(), userID, venueID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetLatestTransaction handles GET /users/{user_id}/transactions/latest
func (h *Handler) GetLatestTransaction(w http.ResponseWriter, r *http.Request) {
	userID, err := validation.ParseID(chi.URLParam(r, "user_id"), "user_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	query := r.URL.Query()
	venueID, err := optionalID(query.Get("bar_id"), "bar_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	since, err := parseTimeParam(query.Get("since"), "since")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	q := txlog.LatestQuery{VenueID: venueID}
	if !since.IsZero() {
		q.Since = &since
	}

	resp, err := h.service.Latest(r.Context(), userID, q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body into dst and writes the error response itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	// Limit request body size to prevent abuse
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			respondError(w, http.StatusBadRequest, "request body is required")
		case errors.As(err, &tooLarge):
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
		default:
			respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		}
		return false
	}
	return true
}

// fail maps err to a status code and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		engineErr *engine.Error
		vErr      *validation.ValidationError
	)
	switch {
	case errors.As(err, &engineErr):
		resp := models.ErrorResponse{Error: engineErr.Error(), Code: string(engineErr.Code)}
		switch engineErr.Code {
		case engine.CodeInsufficientBalance:
			balance := engineErr.Balance
			resp.Balance = &balance
		case engine.CodeBelowMinimum:
			minimum := engineErr.Minimum
			resp.MinimumPurchase = &minimum
		}
		status, ok := codeStatus[engineErr.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		respondJSON(w, status, resp)
	case errors.As(err, &vErr):
		respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: vErr.Error(), Code: "invalid_input"})
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

func optionalID(raw, field string) (*int64, error) {
	if validation.SanitizeString(raw) == "" {
		return nil, nil
	}
	id, err := validation.ParseID(raw, field)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func parseTimeParam(raw, field string) (time.Time, error) {
	raw = validation.SanitizeString(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := validation.ValidateTimeString(raw)
	if err != nil {
		return time.Time{}, &validation.ValidationError{Field: field, Message: "must be a valid RFC3339 timestamp"}
	}
	return t.UTC(), nil
}

// respondJSON sends a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, models.ErrorResponse{Error: message})
}
