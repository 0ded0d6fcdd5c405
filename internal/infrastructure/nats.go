package infrastructure

import (
	"fmt"

	"github.com/nats-io/nats.go"
)

func connectNats(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("rewardledger"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats: %w", err)
	}

	return nc, nil
}
