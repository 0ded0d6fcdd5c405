package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"rewardledger/internal/adnetwork"
	"rewardledger/internal/model"
	"rewardledger/internal/service"
)

const (
	headerUserID     = "X-User-ID"
	headerUserStatus = "X-User-Status"
	headerAdminToken = "X-Admin-Token"
	headerAdminID    = "X-Admin-ID"

	currency = "USD"
)

type Handler struct {
	svc        service.RewardService
	adminToken []byte
	logger     *slog.Logger
}

// NewHandler builds the REST handler. An empty adminToken disables every
// admin route.
func NewHandler(svc service.RewardService, adminToken string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, adminToken: []byte(adminToken), logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("POST /api/ads/start", h.user(h.StartSession))
	mux.HandleFunc("POST /api/ads/complete", h.user(h.CompleteSession))
	mux.HandleFunc("POST /api/ads/callback", h.Callback)
	mux.HandleFunc("GET /api/me/balance", h.user(h.GetBalance))
	mux.HandleFunc("GET /api/me/history", h.user(h.History))
	mux.HandleFunc("POST /api/withdraw/request", h.user(h.RequestWithdrawal))
	mux.HandleFunc("GET /api/withdraw/list", h.user(h.ListMyWithdrawals))

	mux.HandleFunc("GET /api/admin/withdrawals", h.admin(h.ListWithdrawals))
	mux.HandleFunc("POST /api/admin/withdrawals/{id}/review", h.admin(h.ReviewWithdrawal))
	mux.HandleFunc("POST /api/admin/withdrawals/{id}/paid", h.admin(h.MarkPaid))
	mux.HandleFunc("POST /api/admin/users/{id}/adjust", h.admin(h.AdjustBalance))
	mux.HandleFunc("GET /api/admin/users/{id}/reconcile", h.admin(h.Reconcile))
	mux.HandleFunc("GET /api/admin/audit", h.admin(h.ListAudit))
	mux.HandleFunc("GET /api/admin/users", h.admin(h.ListUsers))
}

type userHandler func(w http.ResponseWriter, r *http.Request, user model.User)

// user resolves the caller from identity headers set by the gateway.
func (h *Handler) user(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerUserID)
		if id == "" {
			h.respondError(w, http.StatusUnauthorized, "unauthenticated", "missing "+headerUserID)
			return
		}
		status := model.UserStatus(r.Header.Get(headerUserStatus))
		if status == "" {
			status = model.UserActive
		}
		next(w, r, model.User{ID: id, Status: status})
	}
}

type adminHandler func(w http.ResponseWriter, r *http.Request, adminID string)

func (h *Handler) admin(next adminHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := []byte(r.Header.Get(headerAdminToken))
		if len(h.adminToken) == 0 || subtle.ConstantTimeCompare(token, h.adminToken) != 1 {
			h.respondError(w, http.StatusForbidden, model.ErrForbidden.Code, model.ErrForbidden.Message)
			return
		}
		adminID := r.Header.Get(headerAdminID)
		if adminID == "" {
			adminID = "admin"
		}
		next(w, r, adminID)
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request, user model.User) {
	var req struct {
		AdUnitID string `json:"ad_unit_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.StartSession(r.Context(), user, req.AdUnitID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, res)
}

func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request, user model.User) {
	// The body is the ad network's signed proof, relayed by the client.
	var proof adnetwork.Callback
	if !h.decode(w, r, &proof) {
		return
	}
	res, err := h.svc.CompleteSession(r.Context(), user, proof)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// Callback is the ad network's server-to-server confirmation; it carries
// no user identity, only a signed proof.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	var cb adnetwork.Callback
	if !h.decode(w, r, &cb) {
		return
	}
	res, err := h.svc.HandleCallback(r.Context(), cb)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request, user model.User) {
	bal, err := h.svc.GetBalance(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"balance":  bal.Available,
		"pending":  bal.Pending,
		"currency": currency,
	})
}

type historyItem struct {
	TransactionID string                  `json:"transaction_id"`
	Amount        decimal.Decimal         `json:"amount"`
	OccurredAt    time.Time               `json:"occurred_at"`
	Source        model.TransactionSource `json:"source"`
	Type          model.TransactionType   `json:"type"`
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request, user model.User) {
	limit, ok := h.queryInt(w, r, "limit")
	if !ok {
		return
	}
	txs, err := h.svc.History(r.Context(), user.ID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items := make([]historyItem, 0, len(txs))
	for _, t := range txs {
		items = append(items, historyItem{
			TransactionID: t.ID,
			Amount:        t.Amount,
			OccurredAt:    t.OccurredAt,
			Source:        t.Source,
			Type:          t.Type,
		})
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

type withdrawalSummary struct {
	WithdrawalID         string                 `json:"withdrawal_id"`
	Status               model.WithdrawalStatus `json:"status"`
	Amount               decimal.Decimal        `json:"amount"`
	Fee                  decimal.Decimal        `json:"fee"`
	RequiresManualReview bool                   `json:"requires_manual_review"`
	QueuedAt             time.Time              `json:"queued_at"`
}

func summarize(wd model.Withdrawal) withdrawalSummary {
	return withdrawalSummary{
		WithdrawalID:         wd.ID,
		Status:               wd.Status,
		Amount:               wd.Amount,
		Fee:                  wd.Fee,
		RequiresManualReview: wd.RequiresManualReview,
		QueuedAt:             wd.CreatedAt,
	}
}

func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request, user model.User) {
	var req model.WithdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}
	wd, err := h.svc.RequestWithdrawal(r.Context(), user, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, summarize(wd))
}

func (h *Handler) ListMyWithdrawals(w http.ResponseWriter, r *http.Request, user model.User) {
	list, err := h.svc.ListMyWithdrawals(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]withdrawalSummary, 0, len(list))
	for _, wd := range list {
		out = append(out, summarize(wd))
	}
	h.respondJSON(w, http.StatusOK, out)
}

func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request, _ string) {
	status := model.WithdrawalStatus(r.URL.Query().Get("status"))
	list, err := h.svc.ListWithdrawals(r.Context(), status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []model.Withdrawal{}
	}
	h.respondJSON(w, http.StatusOK, list)
}

func (h *Handler) ReviewWithdrawal(w http.ResponseWriter, r *http.Request, adminID string) {
	var req struct {
		Status      model.ReviewDecision `json:"status"`
		ReviewNotes string               `json:"review_notes"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	wd, err := h.svc.ReviewWithdrawal(r.Context(), adminID, r.PathValue("id"), req.Status, req.ReviewNotes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, wd)
}

func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request, adminID string) {
	var req struct {
		OverrideNote string `json:"override_note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	wd, err := h.svc.MarkPaid(r.Context(), adminID, r.PathValue("id"), req.OverrideNote)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, wd)
}

func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request, adminID string) {
	var req model.AdjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserID = r.PathValue("id")
	res, err := h.svc.AdjustBalance(r.Context(), adminID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request, _ string) {
	report, err := h.svc.Reconcile(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request, _ string) {
	limit, ok := h.queryInt(w, r, "limit")
	if !ok {
		return
	}
	entries, err := h.svc.ListAudit(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"items": entries})
}

type userItem struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Pending   decimal.Decimal `json:"pending"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ListUsers summarizes each user's available and pending funds.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request, _ string) {
	limit, ok := h.queryInt(w, r, "limit")
	if !ok {
		return
	}
	balances, err := h.svc.ListBalances(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items := make([]userItem, 0, len(balances))
	for _, b := range balances {
		items = append(items, userItem{UserID: b.UserID, Balance: b.Available, Pending: b.Pending, UpdatedAt: b.UpdatedAt})
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"items": items, "currency": currency})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func (h *Handler) queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		h.respondError(w, http.StatusBadRequest, model.ErrValidation.Code, "invalid "+key)
		return 0, false
	}
	return n, true
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch model.KindOf(err) {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindPolicyDenied:
		if errors.Is(err, model.ErrRateLimited) {
			return http.StatusTooManyRequests
		}
		return http.StatusForbidden
	case model.KindConflict:
		return http.StatusConflict
	case model.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case model.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		h.respondError(w, status, model.ErrInternal.Code, model.ErrInternal.Message)
		return
	}
	h.respondError(w, status, model.CodeOf(err), err.Error())
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, code, message string) {
	h.respondJSON(w, status, map[string]string{"error": code, "message": message})
}
