package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"rewardledger/internal/adnetwork"
	"rewardledger/internal/model"
	"rewardledger/internal/service"
)

const (
	mdUserID     = "x-user-id"
	mdUserStatus = "x-user-status"
)

// Server exposes RewardService and EventService over gRPC.
type Server struct {
	svc    service.RewardService
	srv    *grpc.Server
	addr   string
	logger *slog.Logger
}

var (
	_ RewardServer = (*Server)(nil)
	_ EventServer  = (*Server)(nil)
)

func NewServer(addr string, svc service.RewardService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, addr: addr, srv: grpc.NewServer(), logger: logger}
	s.srv.RegisterService(&rewardServiceDesc, s)
	s.srv.RegisterService(&eventServiceDesc, s)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server is listening", "addr", lis.Addr().String())
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.srv.GracefulStop()
	return nil
}

func (s *Server) StartSession(ctx context.Context, req *StartSessionRequest) (*model.StartedSession, error) {
	user, err := userFrom(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.svc.StartSession(ctx, user, req.AdUnitID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &res, nil
}

func (s *Server) CompleteSession(ctx context.Context, req *CompleteSessionRequest) (*model.CompletedSession, error) {
	user, err := userFrom(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.svc.CompleteSession(ctx, user, adnetwork.Callback{
		SessionToken: req.SessionToken,
		RiskScore:    req.RiskScore,
		Signature:    req.Signature,
		Network:      req.Network,
	})
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &res, nil
}

func (s *Server) GetBalance(ctx context.Context, _ *GetBalanceRequest) (*BalanceResponse, error) {
	user, err := userFrom(ctx)
	if err != nil {
		return nil, err
	}
	bal, err := s.svc.GetBalance(ctx, user.ID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &BalanceResponse{Balance: bal.Available, Pending: bal.Pending, Currency: "USD"}, nil
}

func (s *Server) RequestWithdrawal(ctx context.Context, req *model.WithdrawalRequest) (*model.Withdrawal, error) {
	user, err := userFrom(ctx)
	if err != nil {
		return nil, err
	}
	wd, err := s.svc.RequestWithdrawal(ctx, user, *req)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &wd, nil
}

// Publish receives bus messages from a peer. Ad-network callbacks complete
// sessions; every other topic must carry a valid envelope and is
// acknowledged.
func (s *Server) Publish(ctx context.Context, req *EventRequest) (*EventResponse, error) {
	if req.Topic == adnetwork.CallbackTopic {
		var cb adnetwork.Callback
		if err := json.Unmarshal(req.Payload, &cb); err != nil {
			return &EventResponse{Success: false, ErrorMessage: "invalid callback payload"}, nil
		}
		if _, err := s.svc.HandleCallback(ctx, cb); err != nil {
			s.logger.Warn("grpc: callback not credited", "error", err)
			return &EventResponse{Success: false, ErrorMessage: model.CodeOf(err)}, nil
		}
		return &EventResponse{Success: true}, nil
	}

	var env model.Envelope
	if err := json.Unmarshal(req.Payload, &env); err != nil || env.EventID == "" {
		return &EventResponse{Success: false, ErrorMessage: "invalid event envelope"}, nil
	}
	s.logger.Debug("grpc: event received", "topic", req.Topic, "event_id", env.EventID, "entity_id", env.EntityID)
	return &EventResponse{Success: true}, nil
}

func userFrom(ctx context.Context) (model.User, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	ids := md.Get(mdUserID)
	if len(ids) == 0 || ids[0] == "" {
		return model.User{}, status.Error(codes.Unauthenticated, "missing "+mdUserID)
	}
	user := model.User{ID: ids[0], Status: model.UserActive}
	if st := md.Get(mdUserStatus); len(st) > 0 && st[0] != "" {
		user.Status = model.UserStatus(st[0])
	}
	return user, nil
}

// codeFor maps the error taxonomy onto gRPC status codes.
func codeFor(err error) codes.Code {
	switch model.KindOf(err) {
	case model.KindValidation:
		return codes.InvalidArgument
	case model.KindPolicyDenied:
		switch {
		case errors.Is(err, model.ErrRateLimited):
			return codes.ResourceExhausted
		case errors.Is(err, model.ErrForbidden):
			return codes.PermissionDenied
		}
		return codes.FailedPrecondition
	case model.KindConflict:
		return codes.Aborted
	case model.KindInsufficientFunds:
		return codes.FailedPrecondition
	case model.KindNotFound:
		return codes.NotFound
	default:
		return codes.Internal
	}
}

func (s *Server) toStatus(err error) error {
	code := codeFor(err)
	if code == codes.Internal {
		s.logger.Error("grpc: request failed", "error", err)
		return status.Error(code, model.ErrInternal.Message)
	}
	return status.Error(code, model.CodeOf(err)+": "+err.Error())
}
