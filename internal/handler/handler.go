// Package handler содержит HTTP-обработчики API сервиса криптоплатежей.
package handler

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cryptopay-system/internal/middleware"
	"github.com/mmeshcher/cryptopay-system/internal/model"
	"github.com/mmeshcher/cryptopay-system/internal/rates"
	"github.com/mmeshcher/cryptopay-system/internal/repository"
	"github.com/mmeshcher/cryptopay-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateIntent(ctx context.Context, userID int64, fiatAmount decimal.Decimal, currency string) (*service.PaymentDetails, error)
	CancelIntent(ctx context.Context, userID int64) error
	Reconcile(ctx context.Context, userID int64, txHash string) (*service.ReconcileResult, error)
	Subscription(ctx context.Context, userID int64) (*model.Entitlement, error)
	GrantSubscription(ctx context.Context, userID int64, months int) (*model.Entitlement, string, error)
	RevokeSubscription(ctx context.Context, userID int64) error
}

// Handler реализует HTTP-обработчики API сервиса криптоплатежей.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	adminToken     string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, adminToken string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		adminToken:     adminToken,
	}
}

// requireAdmin пропускает запросы только с корректным административным токеном.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if h.adminToken == "" || !hmac.Equal([]byte(token), []byte(h.adminToken)) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type sessionRequest struct {
	UserID int64 `json:"user_id"`
}

// CreateSession выдаёт подписанный cookie для указанного пользователя.
// Вызывается доверенным фронтендом, уже аутентифицировавшим пользователя.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	h.authMiddleware.SetAuthCookie(w, req.UserID)
	w.WriteHeader(http.StatusOK)
}

type createPaymentRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type paymentResponse struct {
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Address   string `json:"address"`
	Memo      string `json:"memo,omitempty"`
	WindowEnd string `json:"window_end"`
	Rate      string `json:"rate"`
}

// CreatePayment создаёт платёжное намерение для текущего пользователя.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Currency == "" || !req.Amount.IsPositive() {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	details, err := h.service.CreateIntent(r.Context(), userID, req.Amount, req.Currency)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnknownPlan):
			http.Error(w, "unknown subscription plan", http.StatusUnprocessableEntity)
		case errors.Is(err, service.ErrUnsupportedCurrency):
			http.Error(w, "unsupported currency", http.StatusUnprocessableEntity)
		case errors.Is(err, rates.ErrRateUnavailable):
			http.Error(w, "exchange rate unavailable", http.StatusBadGateway)
		default:
			h.logger.Error("create payment error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	resp := paymentResponse{
		Amount:    details.Intent.RequiredAmount.String(),
		Currency:  details.Intent.Currency,
		Address:   details.Address,
		Memo:      details.Memo,
		WindowEnd: details.Intent.WindowEnd.Format(time.RFC3339),
		Rate:      details.Intent.LockedRate.String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode payment response error", zap.Error(err))
	}
}

// CancelPayment удаляет последнее незавершённое намерение текущего пользователя.
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.CancelIntent(r.Context(), userID); err != nil {
		if errors.Is(err, repository.ErrIntentNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("cancel payment error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type confirmRequest struct {
	Hash string `json:"hash"`
}

type confirmResponse struct {
	ActiveUntil string `json:"active_until"`
	InviteLink  string `json:"invite_link,omitempty"`
}

// ConfirmPayment сверяет указанный хэш транзакции с депозитом и намерением
// текущего пользователя. Каждый терминальный исход сверки отображается в
// отдельный HTTP-статус, чтобы фронтенд мог показать точную причину отказа.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.Reconcile(r.Context(), userID, req.Hash)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidHash):
			http.Error(w, "invalid transaction hash", http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrDepositNotFound):
			http.Error(w, "transaction not found", http.StatusNotFound)
		case errors.Is(err, service.ErrDepositPending):
			http.Error(w, "transaction is still processing", http.StatusConflict)
		case errors.Is(err, repository.ErrDepositAlreadyClaimed):
			http.Error(w, "transaction already used", http.StatusConflict)
		case errors.Is(err, repository.ErrIntentNotFound):
			http.Error(w, "no payment intent, contact support", http.StatusNotFound)
		case errors.Is(err, service.ErrCurrencyMismatch):
			http.Error(w, "deposit currency does not match", http.StatusUnprocessableEntity)
		case errors.Is(err, service.ErrWindowExpired):
			http.Error(w, "payment window has expired", http.StatusGone)
		case errors.Is(err, service.ErrInsufficientAmount):
			http.Error(w, "deposit amount is insufficient", http.StatusPaymentRequired)
		default:
			h.logger.Error("confirm payment error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	resp := confirmResponse{
		ActiveUntil: result.Entitlement.EndsAt.Format(time.RFC3339),
		InviteLink:  result.InviteLink,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode confirm response error", zap.Error(err))
	}
}

type subscriptionResponse struct {
	StartsAt string `json:"starts_at"`
	EndsAt   string `json:"ends_at"`
}

// GetSubscription возвращает активную подписку текущего пользователя.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	entitlement, err := h.service.Subscription(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrEntitlementNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.logger.Error("get subscription error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := subscriptionResponse{
		StartsAt: entitlement.StartsAt.Format(time.RFC3339),
		EndsAt:   entitlement.EndsAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode subscription response error", zap.Error(err))
	}
}

type grantRequest struct {
	UserID int64 `json:"user_id"`
	Months int   `json:"months"`
}

type grantResponse struct {
	UserID      int64  `json:"user_id"`
	ActiveUntil string `json:"active_until"`
	InviteLink  string `json:"invite_link,omitempty"`
}

// GrantSubscription выдаёт подписку административным путём.
func (h *Handler) GrantSubscription(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID <= 0 || req.Months <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entitlement, link, err := h.service.GrantSubscription(r.Context(), req.UserID, req.Months)
	if err != nil {
		h.logger.Error("grant subscription error", zap.Error(err), zap.Int64("userID", req.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := grantResponse{
		UserID:      entitlement.UserID,
		ActiveUntil: entitlement.EndsAt.Format(time.RFC3339),
		InviteLink:  link,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode grant response error", zap.Error(err))
	}
}

// RevokeSubscription отзывает подписку административным путём.
func (h *Handler) RevokeSubscription(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RevokeSubscription(r.Context(), userID); err != nil {
		if errors.Is(err, repository.ErrEntitlementNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("revoke subscription error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
