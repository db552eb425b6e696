package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

const (
	natsConnectTimeout = 10 * time.Second
	natsReconnectWait  = 5 * time.Second
	natsMaxReconnects  = -1
)

type NATSNotifier struct {
	conn    *nats.Conn
	subject string
}

func NewNATS(cfg config.NATSConfig, logger *slog.Logger) (*NATSNotifier, error) {
	opts := []nats.Option{
		nats.Name("threatwatch"),
		nats.Timeout(natsConnectTimeout),
		nats.ReconnectWait(natsReconnectWait),
		nats.MaxReconnects(natsMaxReconnects),
	}
	if logger != nil {
		opts = append(opts,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("nats disconnected", "err", err)
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats reconnected", "url", c.ConnectedUrl())
			}),
		)
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	if logger != nil {
		logger.Info("nats notifier connected", "url", cfg.URL, "subject", cfg.Subject)
	}
	return &NATSNotifier{conn: conn, subject: cfg.Subject}, nil
}

func (n *NATSNotifier) Name() string { return "nats" }

func (n *NATSNotifier) Notify(ctx context.Context, t model.Threat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(t)
	if err != nil {
		return fmt.Errorf("encode threat: %w", err)
	}
	msg := nats.NewMsg(n.subject)
	msg.Data = data
	msg.Header.Set("x-threat-id", t.ID)
	msg.Header.Set("x-threat-type", string(t.ThreatType))
	msg.Header.Set("x-severity", string(t.Severity))
	msg.Header.Set("x-user-id", t.UserID)
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish threat %s: %w", t.ID, err)
	}
	return nil
}

func (n *NATSNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
