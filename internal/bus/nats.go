package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatsync/internal/models"

	"github.com/nats-io/nats.go"
)

// DialNATS connects to a NATS server with reconnects enabled.
func DialNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("chatsync"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NATSBus relays events over a NATS subject. Every node gets every event,
// so no queue group is used.
type NATSBus struct {
	conn    *nats.Conn
	subject string
	nodeID  string
	logger  *slog.Logger
}

func NewNATS(conn *nats.Conn, subject, nodeID string, logger *slog.Logger) *NATSBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBus{
		conn:    conn,
		subject: subject,
		nodeID:  nodeID,
		logger:  logger.With("component", "bus", "transport", "nats"),
	}
}

func (b *NATSBus) Publish(_ context.Context, event models.Event) error {
	payload, err := encode(b.nodeID, event)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.subject, payload)
}

func (b *NATSBus) Listen(ctx context.Context, handler Handler) error {
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		b.handle(msg.Data, handler)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
	}
	if err := b.conn.Flush(); err != nil {
		b.logger.Warn("failed to flush subscription", "error", err)
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn("failed to drain nats subscription", "error", err)
		}
	}()
	return nil
}

func (b *NATSBus) handle(data []byte, handler Handler) {
	event, foreign, err := decode(b.nodeID, data)
	if err != nil {
		b.logger.Warn("invalid bus frame", "error", err)
		return
	}
	if foreign {
		handler(event)
	}
}

func (b *NATSBus) Close() error {
	return b.conn.Drain()
}
