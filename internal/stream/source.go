package stream

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/arda-kanban/realtime-gateway/internal/bridge"
	"github.com/arda-kanban/realtime-gateway/internal/domain"
)

// PubSubSource implements the bridge's TenantEventSource on Redis pub/sub.
// One subscription per tenant; the bridge reference-counts its lifetime.
type PubSubSource struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewPubSubSource(rdb *redis.Client, log zerolog.Logger) *PubSubSource {
	return &PubSubSource{rdb: rdb, log: log.With().Str("component", "pubsub_source").Logger()}
}

func (s *PubSubSource) SubscribeTenant(ctx context.Context, tenantID string, handler bridge.EventHandler) (bridge.UnsubscribeFunc, error) {
	ps := s.rdb.Subscribe(ctx, liveChannel(tenantID))

	// Confirm the subscription before returning so a broken connection fails
	// the attach instead of silently delivering nothing.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	go func() {
		for msg := range ps.Channel() {
			var env domain.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				s.log.Warn().Err(err).Str("tenant_id", tenantID).
					Msg("skipping malformed live message")
				continue
			}
			handler(env.Event)
		}
	}()

	return func(ctx context.Context) error {
		return ps.Close()
	}, nil
}

var _ bridge.TenantEventSource = (*PubSubSource)(nil)
