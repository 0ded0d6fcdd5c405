package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"rewardledger/internal/adnetwork"
	"rewardledger/internal/model"
	"rewardledger/internal/service"
)

type mockService struct {
	service.RewardService

	user       model.User
	adminID    string
	complete   adnetwork.Callback
	callback   adnetwork.Callback
	adjust     model.AdjustRequest
	historyLim int
	usersLim   int
	err        error
}

func (m *mockService) StartSession(ctx context.Context, user model.User, adUnitID string) (model.StartedSession, error) {
	m.user = user
	if m.err != nil {
		return model.StartedSession{}, m.err
	}
	return model.StartedSession{SessionID: "s1", Token: "tok", CooldownSeconds: 60}, nil
}

func (m *mockService) CompleteSession(ctx context.Context, user model.User, proof adnetwork.Callback) (model.CompletedSession, error) {
	m.user, m.complete = user, proof
	return model.CompletedSession{SessionID: "s1", Reward: decimal.RequireFromString("0.01")}, m.err
}

func (m *mockService) HandleCallback(ctx context.Context, cb adnetwork.Callback) (model.CompletedSession, error) {
	m.callback = cb
	return model.CompletedSession{SessionID: "s1"}, m.err
}

func (m *mockService) GetBalance(ctx context.Context, userID string) (model.Balance, error) {
	return model.Balance{UserID: userID, Available: decimal.RequireFromString("1.5"), Pending: decimal.RequireFromString("10")}, m.err
}

func (m *mockService) History(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	m.historyLim = limit
	return []model.Transaction{{ID: "t1", Type: model.TransactionEarn, Source: model.SourceAdView, Amount: decimal.RequireFromString("0.01")}}, m.err
}

func (m *mockService) AdjustBalance(ctx context.Context, adminID string, req model.AdjustRequest) (model.PostResult, error) {
	m.adminID, m.adjust = adminID, req
	return model.PostResult{}, m.err
}

func (m *mockService) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	return nil, m.err
}

func (m *mockService) ListBalances(ctx context.Context, limit int) ([]model.Balance, error) {
	m.usersLim = limit
	return []model.Balance{
		{UserID: "alice", Available: decimal.RequireFromString("1.5"), Pending: decimal.RequireFromString("10")},
		{UserID: "bob", Available: decimal.RequireFromString("0.25")},
	}, m.err
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestStartSessionIdentity(t *testing.T) {
	svc := &mockService{}
	h := NewHandler(svc, "secret", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/ads/start", strings.NewReader(`{"ad_unit_id":"video"}`))
	req.Header.Set("X-User-ID", "alice")
	rec := serve(h, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if svc.user.ID != "alice" || svc.user.Status != model.UserActive {
		t.Errorf("user = %+v", svc.user)
	}
	if body := decodeBody(t, rec); body["session_token"] != "tok" {
		t.Errorf("body = %v", body)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/ads/start", strings.NewReader(`{}`))
	if rec := serve(h, req); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d", rec.Code)
	}
}

func TestCompleteSessionForwardsSignedProof(t *testing.T) {
	svc := &mockService{}
	h := NewHandler(svc, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/ads/complete", strings.NewReader(`{"session_token":"tok","risk_score":0.3,"signature":"ab","network":"test"}`))
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("X-User-Status", "suspended")
	rec := serve(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := adnetwork.Callback{SessionToken: "tok", RiskScore: 0.3, Signature: "ab", Network: "test"}
	if svc.complete != want || svc.user.Status != model.UserSuspended {
		t.Errorf("forwarded %+v %+v", svc.complete, svc.user)
	}
}

func TestCallback(t *testing.T) {
	svc := &mockService{}
	h := NewHandler(svc, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/ads/callback", strings.NewReader(`{"session_token":"tok","risk_score":0.1,"signature":"ab"}`))
	if rec := serve(h, req); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if svc.callback.SessionToken != "tok" || svc.callback.Signature != "ab" {
		t.Errorf("callback = %+v", svc.callback)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/ads/callback", strings.NewReader(`{`))
	if rec := serve(h, req); rec.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d", rec.Code)
	}
}

func TestBalanceAndHistory(t *testing.T) {
	svc := &mockService{}
	h := NewHandler(svc, "", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/me/balance", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := serve(h, req)
	body := decodeBody(t, rec)
	if body["balance"] != "1.5" || body["pending"] != "10" || body["currency"] != "USD" {
		t.Errorf("balance body = %v", body)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/me/history?limit=5", nil)
	req.Header.Set("X-User-ID", "alice")
	rec = serve(h, req)
	if rec.Code != http.StatusOK || svc.historyLim != 5 {
		t.Fatalf("status = %d, limit = %d", rec.Code, svc.historyLim)
	}
	items := decodeBody(t, rec)["items"].([]any)
	if len(items) != 1 || items[0].(map[string]any)["transaction_id"] != "t1" {
		t.Errorf("items = %v", items)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/me/history?limit=abc", nil)
	req.Header.Set("X-User-ID", "alice")
	if rec := serve(h, req); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	svc := &mockService{}

	cases := []struct {
		name       string
		configured string
		sent       string
		want       int
	}{
		{"disabled", "", "", http.StatusForbidden},
		{"missing", "secret", "", http.StatusForbidden},
		{"wrong", "secret", "guess", http.StatusForbidden},
		{"ok", "secret", "secret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(svc, tc.configured, nil)
			req := httptest.NewRequest(http.MethodGet, "/api/admin/audit", nil)
			if tc.sent != "" {
				req.Header.Set("X-Admin-Token", tc.sent)
			}
			if rec := serve(h, req); rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestListUsers(t *testing.T) {
	svc := &mockService{}
	h := NewHandler(svc, "secret", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/users?limit=5", nil)
	req.Header.Set("X-Admin-Token", "secret")
	rec := serve(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if svc.usersLim != 5 {
		t.Errorf("limit = %d, want 5", svc.usersLim)
	}
	items, _ := decodeBody(t, rec)["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("items = %v", items)
	}
	first, _ := items[0].(map[string]any)
	if first["user_id"] != "alice" || first["balance"] != "1.5" || first["pending"] != "10" {
		t.Errorf("first = %v", first)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
	if rec := serve(h, req); rec.Code != http.StatusForbidden {
		t.Errorf("unauthenticated status = %d", rec.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/admin/users?limit=-1", nil)
	req.Header.Set("X-Admin-Token", "secret")
	if rec := serve(h, req); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestAdjustUsesPathAndActor(t *testing.T) {
	svc := &mockService{}
	h := NewHandler(svc, "secret", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/users/bob/adjust", strings.NewReader(`{"amount":"-2.5","reason":"chargeback","reference_id":"cb-1"}`))
	req.Header.Set("X-Admin-Token", "secret")
	req.Header.Set("X-Admin-ID", "ops-7")
	if rec := serve(h, req); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if svc.adminID != "ops-7" || svc.adjust.UserID != "bob" || !svc.adjust.Amount.Equal(decimal.RequireFromString("-2.5")) || svc.adjust.ReferenceID != "cb-1" {
		t.Errorf("forwarded %q %+v", svc.adminID, svc.adjust)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
		code string
	}{
		{model.ErrValidation.With("x"), http.StatusBadRequest, "validation_error"},
		{model.ErrCooldownActive.With("retry in 30s"), http.StatusTooManyRequests, "cooldown_active"},
		{model.ErrDailyCapReached, http.StatusTooManyRequests, "daily_cap_reached"},
		{model.ErrAdUnitDisabled, http.StatusForbidden, "ad_unit_disabled"},
		{model.ErrSessionAlreadyFinalized, http.StatusConflict, "session_already_finalized"},
		{model.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
		{model.ErrAdUnitNotFound, http.StatusNotFound, "ad_unit_not_found"},
		{errors.New("pg: connection reset"), http.StatusInternalServerError, "internal_error"},
		{model.ErrInvariantViolated, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			h := NewHandler(&mockService{err: tc.err}, "", nil)
			req := httptest.NewRequest(http.MethodPost, "/api/ads/start", strings.NewReader(`{"ad_unit_id":"video"}`))
			req.Header.Set("X-User-ID", "alice")
			rec := serve(h, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			body := decodeBody(t, rec)
			if body["error"] != tc.code {
				t.Errorf("error = %v, want %s", body["error"], tc.code)
			}
			if tc.want == http.StatusInternalServerError && body["message"] != model.ErrInternal.Message {
				t.Errorf("internal detail leaked: %v", body["message"])
			}
		})
	}
}

func TestHealth(t *testing.T) {
	rec := serve(NewHandler(&mockService{}, "", nil), httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health = %d %q", rec.Code, rec.Body)
	}
}
