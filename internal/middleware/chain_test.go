package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// TestMiddlewareChain_AuthThenRateLimit は
// 認証ミドルウェアが注入したユーザーIDをレート制限が利用できることを検証する。
func TestMiddlewareChain_AuthThenRateLimit(t *testing.T) {
	validator := &mockTokenValidator{
		validateFn: func(tokenString string) (string, error) {
			return "user-chain-test", nil
		},
	}

	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     rate.Limit(2),
		GeneralBurst:    5,
		LoginRate:       rate.Limit(1),
		LoginBurst:      10,
		CleanupInterval: 1 * time.Minute,
	})
	defer rl.Stop()

	authMW := NewAuthMiddleware(validator, nil)
	rateMW := rl.GeneralMiddleware()

	var capturedUserID string
	handler := authMW(rateMW(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserIDFromContext(r.Context())
		capturedUserID = userID
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if capturedUserID != "user-chain-test" {
		t.Errorf("userID = %q, want %q", capturedUserID, "user-chain-test")
	}
	if rl.GeneralLimiterCount() != 1 {
		t.Errorf("general limiter count = %d, want 1", rl.GeneralLimiterCount())
	}
}

// TestMiddlewareChain_NoToken_RateLimitNotReached は
// 認証失敗時にレート制限まで到達しないことを検証する。
func TestMiddlewareChain_NoToken_RateLimitNotReached(t *testing.T) {
	validator := &mockTokenValidator{}

	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()

	authMW := NewAuthMiddleware(validator, nil)
	rateMW := rl.GeneralMiddleware()

	handler := authMW(rateMW(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
	if rl.GeneralLimiterCount() != 0 {
		t.Errorf("general limiter count = %d, want 0", rl.GeneralLimiterCount())
	}
}

// TestMiddlewareChain_RecoveryOutermost は
// パニックがRecoveryミドルウェアで捕捉され500が返ることを検証する。
func TestMiddlewareChain_RecoveryOutermost(t *testing.T) {
	recoveryMW := NewRecoveryMiddleware()
	securityMW := NewSecurityHeadersMiddleware()

	handler := recoveryMW(securityMW(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusInternalServerError)
	}
}
