// Package natsbus publishes relay events to NATS subjects.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"

	"chat-relay/internal/observability"
)

// Publisher maps routing keys onto subjects under a common prefix.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *log.Logger
}

// NewPublisher connects to url. An empty url or failed connection yields a
// noop publisher.
func NewPublisher(url, prefix string, logger *log.Logger) observability.Publisher {
	if logger == nil {
		logger = log.Default()
	}
	if url == "" {
		logger.Warn("nats disabled, using noop", "reason", "empty nats url")
		return observability.NoopPublisher{Reason: "empty nats url", Logger: logger}
	}
	nc, err := nats.Connect(url,
		nats.Name("chat-relay"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		logger.Warn("nats disabled, using noop", "reason", err)
		return observability.NoopPublisher{Reason: err.Error(), Logger: logger}
	}
	logger.Info("nats connected", "url", nc.ConnectedUrl(), "prefix", prefix)
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the NATS subject for routingKey.
func Subject(prefix, routingKey string) string {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return routingKey
	}
	return prefix + "." + routingKey
}

func (p *Publisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(Subject(p.prefix, routingKey))
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		p.logger.Warn("nats publish failed", "subject", msg.Subject, "err", err)
		return err
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.nc.Drain()
}

func (p *Publisher) Mode() string {
	return "nats"
}
