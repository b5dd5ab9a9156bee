package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cryptopay-system/internal/middleware"
	"github.com/mmeshcher/cryptopay-system/internal/model"
	"github.com/mmeshcher/cryptopay-system/internal/rates"
	"github.com/mmeshcher/cryptopay-system/internal/repository"
	"github.com/mmeshcher/cryptopay-system/internal/service"
)

type stubService struct {
	createResp *service.PaymentDetails
	createErr  error

	cancelErr error

	reconcileResp *service.ReconcileResult
	reconcileErr  error

	subscriptionResp *model.Entitlement
	subscriptionErr  error

	grantResp *model.Entitlement
	grantLink string
	grantErr  error

	revokeErr error
}

func (s *stubService) CreateIntent(ctx context.Context, userID int64, fiatAmount decimal.Decimal, currency string) (*service.PaymentDetails, error) {
	return s.createResp, s.createErr
}

func (s *stubService) CancelIntent(ctx context.Context, userID int64) error {
	return s.cancelErr
}

func (s *stubService) Reconcile(ctx context.Context, userID int64, txHash string) (*service.ReconcileResult, error) {
	return s.reconcileResp, s.reconcileErr
}

func (s *stubService) Subscription(ctx context.Context, userID int64) (*model.Entitlement, error) {
	return s.subscriptionResp, s.subscriptionErr
}

func (s *stubService) GrantSubscription(ctx context.Context, userID int64, months int) (*model.Entitlement, string, error) {
	return s.grantResp, s.grantLink, s.grantErr
}

func (s *stubService) RevokeSubscription(ctx context.Context, userID int64) error {
	return s.revokeErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth, "admin-token")
}

func authorizedRequest(t *testing.T, h *Handler, method, target string, body []byte) *http.Request {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, 1)
	req.AddCookie(rec.Result().Cookies()[0])

	return req
}

func TestCreatePayment_Success(t *testing.T) {
	windowEnd := time.Now().UTC().Add(45 * time.Minute)
	svc := &stubService{
		createResp: &service.PaymentDetails{
			Intent: model.PaymentIntent{
				RequiredAmount: decimal.NewFromInt(3),
				LockedRate:     decimal.NewFromInt(2),
				Currency:       "TON",
				WindowEnd:      windowEnd,
			},
			Address: "EQtest",
			Memo:    "8686668",
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(createPaymentRequest{
		Amount:   decimal.NewFromInt(6),
		Currency: "TON",
	})

	req := authorizedRequest(t, h, http.MethodPost, "/api/payments", body)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp paymentResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Amount != "3" || resp.Currency != "TON" || resp.Address != "EQtest" || resp.Memo != "8686668" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreatePayment_RateUnavailable(t *testing.T) {
	svc := &stubService{
		createErr: rates.ErrRateUnavailable,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(createPaymentRequest{
		Amount:   decimal.NewFromInt(6),
		Currency: "TON",
	})

	req := authorizedRequest(t, h, http.MethodPost, "/api/payments", body)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadGateway)
	}
}

func TestCreatePayment_BadRequest(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := authorizedRequest(t, h, http.MethodPost, "/api/payments", []byte("not json"))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestCreatePayment_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(createPaymentRequest{
		Amount:   decimal.NewFromInt(6),
		Currency: "TON",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/payments", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestCancelPayment_NotFound(t *testing.T) {
	svc := &stubService{
		cancelErr: repository.ErrIntentNotFound,
	}
	h := newTestHandler(t, svc)

	req := authorizedRequest(t, h, http.MethodDelete, "/api/payments", nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNotFound)
	}
}

func TestConfirmPayment_Success(t *testing.T) {
	endsAt := time.Now().UTC().Add(30 * 24 * time.Hour)
	svc := &stubService{
		reconcileResp: &service.ReconcileResult{
			Entitlement: model.Entitlement{UserID: 1, EndsAt: endsAt},
			InviteLink:  "https://t.me/+abc",
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(confirmRequest{Hash: "abc"})

	req := authorizedRequest(t, h, http.MethodPost, "/api/payments/confirm", body)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp confirmResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ActiveUntil != endsAt.Format(time.RFC3339) {
		t.Fatalf("active_until = %s, want %s", resp.ActiveUntil, endsAt.Format(time.RFC3339))
	}
	if resp.InviteLink != "https://t.me/+abc" {
		t.Fatalf("invite_link = %s", resp.InviteLink)
	}
}

func TestConfirmPayment_OutcomeStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid hash", err: service.ErrInvalidHash, want: http.StatusUnprocessableEntity},
		{name: "deposit not found", err: repository.ErrDepositNotFound, want: http.StatusNotFound},
		{name: "deposit pending", err: service.ErrDepositPending, want: http.StatusConflict},
		{name: "already used", err: repository.ErrDepositAlreadyClaimed, want: http.StatusConflict},
		{name: "no intent", err: repository.ErrIntentNotFound, want: http.StatusNotFound},
		{name: "currency mismatch", err: service.ErrCurrencyMismatch, want: http.StatusUnprocessableEntity},
		{name: "window expired", err: service.ErrWindowExpired, want: http.StatusGone},
		{name: "insufficient amount", err: service.ErrInsufficientAmount, want: http.StatusPaymentRequired},
		{name: "storage failure", err: errors.New("connection refused"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{reconcileErr: tt.err})

			body, _ := json.Marshal(confirmRequest{Hash: "abc"})

			req := authorizedRequest(t, h, http.MethodPost, "/api/payments/confirm", body)
			rec := httptest.NewRecorder()

			h.SetupRouter().ServeHTTP(rec, req)

			if rec.Result().StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", rec.Result().StatusCode, tt.want)
			}
		})
	}
}

func TestGetSubscription_NoContent(t *testing.T) {
	svc := &stubService{
		subscriptionErr: repository.ErrEntitlementNotFound,
	}
	h := newTestHandler(t, svc)

	req := authorizedRequest(t, h, http.MethodGet, "/api/subscription", nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNoContent)
	}
}

func TestGetSubscription_JSONResponse(t *testing.T) {
	now := time.Now().UTC()
	svc := &stubService{
		subscriptionResp: &model.Entitlement{
			UserID:   1,
			StartsAt: now,
			EndsAt:   now.Add(30 * 24 * time.Hour),
		},
	}
	h := newTestHandler(t, svc)

	req := authorizedRequest(t, h, http.MethodGet, "/api/subscription", nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}
}

func TestCreateSession_RequiresAdminToken(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(sessionRequest{UserID: 42})

	req := httptest.NewRequest(http.MethodPost, "/api/session", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusForbidden)
	}
}

func TestCreateSession_SetsCookie(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(sessionRequest{UserID: 42})

	req := httptest.NewRequest(http.MethodPost, "/api/session", bytes.NewReader(body))
	req.Header.Set("X-Admin-Token", "admin-token")
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("no auth cookie set")
	}
}

func TestGrantSubscription_Admin(t *testing.T) {
	endsAt := time.Now().UTC().Add(90 * 24 * time.Hour)
	svc := &stubService{
		grantResp: &model.Entitlement{UserID: 42, EndsAt: endsAt},
		grantLink: "https://t.me/+abc",
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(grantRequest{UserID: 42, Months: 3})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/subscriptions", bytes.NewReader(body))
	req.Header.Set("X-Admin-Token", "admin-token")
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp grantResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.UserID != 42 || resp.InviteLink != "https://t.me/+abc" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRevokeSubscription_Admin(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "ok", err: nil, want: http.StatusOK},
		{name: "not found", err: repository.ErrEntitlementNotFound, want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{revokeErr: tt.err})

			req := httptest.NewRequest(http.MethodDelete, "/api/admin/subscriptions/42", nil)
			req.Header.Set("X-Admin-Token", "admin-token")
			rec := httptest.NewRecorder()

			h.SetupRouter().ServeHTTP(rec, req)

			if rec.Result().StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", rec.Result().StatusCode, tt.want)
			}
		})
	}
}
