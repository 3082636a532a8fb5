package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cozy/connections/internal/matching"
	"github.com/cozy/connections/internal/protocol"
)

// EventBus publishes a payload to one user's event subject.
// *messaging.NATSClient implements it.
type EventBus interface {
	PublishMatchEvent(userID string, data []byte) error
}

// Publisher is the matching.Notifier that fans match events out to both
// participants over NATS.
type Publisher struct {
	bus    EventBus
	logger *zap.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(bus EventBus, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{bus: bus, logger: logger.Named("publisher")}
}

// MatchCreated tells both users about a new match.
func (p *Publisher) MatchCreated(_ context.Context, m matching.Match) error {
	return p.publish(protocol.MatchEvent{Type: protocol.EventCreated, Match: m})
}

// MatchResponded tells both users that responderID decided on the match.
func (p *Publisher) MatchResponded(_ context.Context, m matching.Match, responderID string) error {
	var typ string
	switch m.Status {
	case matching.StatusAccepted:
		typ = protocol.EventAccepted
	case matching.StatusRejected:
		typ = protocol.EventRejected
	default:
		return fmt.Errorf("gateway: publish response: match %s is %s", m.ID, m.Status)
	}
	return p.publish(protocol.MatchEvent{Type: typ, Match: m, ActorID: responderID})
}

func (p *Publisher) publish(ev protocol.MatchEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("gateway: marshal %s event: %w", ev.Type, err)
	}

	var errs []error
	for _, userID := range []string{ev.Match.UserA, ev.Match.UserB} {
		if err := p.bus.PublishMatchEvent(userID, data); err != nil {
			errs = append(errs, fmt.Errorf("gateway: publish %s event to %s: %w", ev.Type, userID, err))
		}
	}

	p.logger.Debug("match event published",
		zap.String("type", ev.Type),
		zap.String("match_id", ev.Match.ID),
		zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

var _ matching.Notifier = (*Publisher)(nil)
