package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rewardledger/internal/adnetwork"
	"rewardledger/internal/audit"
	"rewardledger/internal/catalog"
	"rewardledger/internal/ledger"
	"rewardledger/internal/ratelimit"
	"rewardledger/internal/repository"
	"rewardledger/internal/service"
	"rewardledger/internal/session"
	"rewardledger/internal/withdrawal"
)

func newRewardsHandler(t *testing.T) (*Handler, *service.Rewards, *adnetwork.Verifier) {
	t.Helper()
	store := repository.NewMemory()
	recorder := audit.NewRecorder(nil)
	if err := catalog.Seed(context.Background(), store, recorder, catalog.Default(), time.Now(), nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	l := ledger.New(store, recorder, nil)
	engine := session.NewEngine(store, ratelimit.NewMemory(), l, recorder, session.Config{}, nil)
	wf, err := withdrawal.NewWorkflow(store, l, recorder, nil, withdrawal.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("workflow: %v", err)
	}
	verifier := adnetwork.NewVerifier("s3cret")
	svc := service.New(store, engine, wf, l, verifier, nil)
	return NewHandler(svc, "", nil), svc, verifier
}

func startAs(t *testing.T, h *Handler, userID string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/ads/start", strings.NewReader(`{"ad_unit_id":"rewarded_video"}`))
	req.Header.Set("X-User-ID", userID)
	rec := serve(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body)
	}
	token, _ := decodeBody(t, rec)["session_token"].(string)
	if token == "" {
		t.Fatal("start returned no token")
	}
	return token
}

func TestCompleteWithoutSignatureRejected(t *testing.T) {
	h, svc, _ := newRewardsHandler(t)
	token := startAs(t, h, "mallory")

	body := `{"session_token":"` + token + `","verified":true,"risk_score":0}`
	req := httptest.NewRequest(http.MethodPost, "/api/ads/complete", strings.NewReader(body))
	req.Header.Set("X-User-ID", "mallory")
	rec := serve(h, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body)
	}
	if got := decodeBody(t, rec)["error"]; got != "verification_failed" {
		t.Errorf("error = %v", got)
	}
	bal, err := svc.GetBalance(context.Background(), "mallory")
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Available.IsZero() {
		t.Errorf("unsigned completion credited %s", bal.Available)
	}
}

func TestCompleteWithSignatureCredits(t *testing.T) {
	h, svc, verifier := newRewardsHandler(t)
	token := startAs(t, h, "alice")

	body := `{"session_token":"` + token + `","risk_score":0.1,"signature":"` + verifier.Sign(token, 0.1) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/ads/complete", strings.NewReader(body))
	req.Header.Set("X-User-ID", "alice")
	rec := serve(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	bal, err := svc.GetBalance(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Available.IsPositive() {
		t.Errorf("balance = %s, want credited", bal.Available)
	}
}
