package grpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const publishTimeout = 5 * time.Second

// GrpcBus publishes events to a remote EventService over gRPC.
// Used when BusProvider == "grpc" in config.
type GrpcBus struct {
	conn *grpc.ClientConn
}

func NewGrpcBus(conn *grpc.ClientConn) *GrpcBus {
	return &GrpcBus{conn: conn}
}

// NewGrpcBusFromAddr dials the remote EventService and returns a GrpcBus and a cleanup function.
func NewGrpcBusFromAddr(addr string) (*GrpcBus, func(), error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = conn.Close() }
	return NewGrpcBus(conn), cleanup, nil
}

// Publish sends an event to the remote EventService.
func (b *GrpcBus) Publish(topic string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	var res EventResponse
	err := b.conn.Invoke(ctx, PublishMethod, &EventRequest{Topic: topic, Payload: data}, &res, grpc.CallContentSubtype(codecName))
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("event service rejected %s: %s", topic, res.ErrorMessage)
	}
	return nil
}
