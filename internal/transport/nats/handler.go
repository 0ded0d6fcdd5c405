package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"rewardledger/internal/adnetwork"
	"rewardledger/internal/model"
	"rewardledger/internal/service"
)

const (
	queueGroup = "reward_group"

	// callbackTimeout bounds one callback. Callbacks delivered while the
	// subscription drains must still commit after shutdown begins.
	callbackTimeout = 10 * time.Second
)

// Reply is sent back when a callback arrives with a reply subject.
type Reply struct {
	OK     bool                    `json:"ok"`
	Result *model.CompletedSession `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

// Handler subscribes to ad-network callbacks and completes the sessions they confirm.
type Handler struct {
	svc    service.RewardService
	nc     *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewHandler(svc service.RewardService, nc *nats.Conn, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, nc: nc, logger: logger}
}

// Start subscribes to the callback topic and blocks until ctx is cancelled (graceful shutdown).
func (h *Handler) Start(ctx context.Context) error {
	sub, err := h.nc.QueueSubscribe(adnetwork.CallbackTopic, queueGroup, func(m *nats.Msg) {
		reply := h.handle(ctx, m.Data)
		if m.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			h.logger.Error("nats: failed to marshal reply", "error", err)
			return
		}
		if err := m.Respond(data); err != nil {
			h.logger.Warn("nats: failed to reply", "error", err)
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, sub)

	h.logger.Info("NATS callback handler is running", "subject", adnetwork.CallbackTopic, "queue", queueGroup)

	<-ctx.Done()
	h.logger.Info("NATS callback handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) handle(ctx context.Context, data []byte) Reply {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), callbackTimeout)
	defer cancel()

	var cb adnetwork.Callback
	if err := json.Unmarshal(data, &cb); err != nil {
		h.logger.Error("nats: failed to unmarshal callback", "error", err)
		return Reply{Error: model.ErrValidation.Code}
	}
	res, err := h.svc.HandleCallback(ctx, cb)
	if err != nil {
		h.logger.Warn("nats: callback not credited", "error", err, "network", cb.Network)
		return Reply{Error: model.CodeOf(err)}
	}
	return Reply{OK: true, Result: &res}
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}
