package repository

// MessageBus delivers outbox messages to the configured broker.
type MessageBus interface {
	Publish(topic string, data []byte) error
}
