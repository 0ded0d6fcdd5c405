package grpc

import (
	"context"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"

	"rewardledger/internal/model"
)

const (
	rewardServiceName = "rewards.v1.RewardService"
	eventServiceName  = "rewards.v1.EventService"

	// PublishMethod is the full method name GrpcBus invokes.
	PublishMethod = "/" + eventServiceName + "/Publish"
)

type StartSessionRequest struct {
	AdUnitID string `json:"ad_unit_id"`
}

// CompleteSessionRequest carries the ad network's signed proof for the view.
type CompleteSessionRequest struct {
	SessionToken string  `json:"session_token"`
	RiskScore    float64 `json:"risk_score"`
	Signature    string  `json:"signature"`
	Network      string  `json:"network,omitempty"`
}

type GetBalanceRequest struct{}

type BalanceResponse struct {
	Balance  decimal.Decimal `json:"balance"`
	Pending  decimal.Decimal `json:"pending"`
	Currency string          `json:"currency"`
}

type EventRequest struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

type EventResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// RewardServer is the server API for rewards.v1.RewardService.
type RewardServer interface {
	StartSession(ctx context.Context, req *StartSessionRequest) (*model.StartedSession, error)
	CompleteSession(ctx context.Context, req *CompleteSessionRequest) (*model.CompletedSession, error)
	GetBalance(ctx context.Context, req *GetBalanceRequest) (*BalanceResponse, error)
	RequestWithdrawal(ctx context.Context, req *model.WithdrawalRequest) (*model.Withdrawal, error)
}

// EventServer is the server API for rewards.v1.EventService.
type EventServer interface {
	Publish(ctx context.Context, req *EventRequest) (*EventResponse, error)
}

func unary[S any, Req any, Res any](service, method string, call func(S, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + service + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			})
		},
	}
}

var rewardServiceDesc = grpc.ServiceDesc{
	ServiceName: rewardServiceName,
	HandlerType: (*RewardServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(rewardServiceName, "StartSession", RewardServer.StartSession),
		unary(rewardServiceName, "CompleteSession", RewardServer.CompleteSession),
		unary(rewardServiceName, "GetBalance", RewardServer.GetBalance),
		unary(rewardServiceName, "RequestWithdrawal", RewardServer.RequestWithdrawal),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rewards/v1/rewards.proto",
}

var eventServiceDesc = grpc.ServiceDesc{
	ServiceName: eventServiceName,
	HandlerType: (*EventServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(eventServiceName, "Publish", EventServer.Publish),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rewards/v1/events.proto",
}
