package observability

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
)

// Publisher ships JSON events to an external bus.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
	Mode() string
}

var (
	publisherMu      sync.RWMutex
	defaultPublisher Publisher
)

func SetPublisher(publisher Publisher) {
	publisherMu.Lock()
	defaultPublisher = publisher
	publisherMu.Unlock()
}

func PublishEvent(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	publisherMu.RLock()
	p := defaultPublisher
	publisherMu.RUnlock()
	if p == nil {
		return nil
	}

	err := p.Publish(ctx, routingKey, event, headers)
	if err != nil {
		IncPublishError()
	}
	return err
}

// NoopPublisher logs events instead of shipping them. It stands in when the
// configured bus is disabled or unreachable.
type NoopPublisher struct {
	Reason string
	Logger *log.Logger
}

func (p NoopPublisher) Publish(_ context.Context, routingKey string, event any, _ map[string]string) error {
	if p.Logger == nil {
		return nil
	}
	switch envelope := event.(type) {
	case EventEnvelope:
		p.Logger.Debug("noop publish", "routing_key", routingKey, "event_type", envelope.EventType, "event_name", envelope.EventName)
	default:
		p.Logger.Debug("noop publish", "routing_key", routingKey)
	}
	return nil
}

func (NoopPublisher) Close() error {
	return nil
}

func (NoopPublisher) Mode() string {
	return "noop"
}

// NoopReason returns why p is a noop publisher, or "".
func NoopReason(p Publisher) string {
	switch publisher := p.(type) {
	case NoopPublisher:
		return publisher.Reason
	case *NoopPublisher:
		return publisher.Reason
	default:
		return ""
	}
}
