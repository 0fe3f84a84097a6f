// Package rabbitmq consumes domain events from the backend's broker and
// feeds them into the tenant log and live channels.
package rabbitmq

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/arda-kanban/realtime-gateway/internal/domain"
	"github.com/arda-kanban/realtime-gateway/internal/metrics"
)

const (
	supportedVersion = 1

	queueName = "realtime-gateway.domain-events"
)

var bindKeys = []string{"card.*", "inventory.*", "order.*", "kpi.*"}

// Appender is the log side the consumer writes into: durable append plus
// live notification.
type Appender interface {
	Publish(ctx context.Context, evt domain.Event, source string) (string, error)
}

// message is the broker contract for a domain event.
type message struct {
	Version  int              `json:"version"`
	Type     domain.EventType `json:"type"`
	TenantID string           `json:"tenantId"`
	Payload  json.RawMessage  `json:"payload"`
	Source   string           `json:"source"`
}

type Consumer struct {
	rabbitURL string
	exchange  string
	appender  Appender
	validate  *validator.Validate
	log       zerolog.Logger
}

func NewConsumer(rabbitURL, exchange string, appender Appender, log zerolog.Logger) *Consumer {
	return &Consumer{
		rabbitURL: strings.TrimSpace(rabbitURL),
		exchange:  strings.TrimSpace(exchange),
		appender:  appender,
		validate:  validator.New(),
		log:       log.With().Str("component", "rabbitmq_consumer").Logger(),
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	conn, err := amqp.Dial(c.rabbitURL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	// Ensure exchange exists (idempotent)
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	for _, rk := range bindKeys {
		if err := ch.QueueBind(q.Name, rk, c.exchange, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return err
		}
	}

	if err := ch.Qos(50, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	deliveries, err := ch.Consume(q.Name, "realtime-gateway", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	go func() {
		defer func() {
			_ = ch.Close()
			_ = conn.Close()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}

				if err := c.handleDelivery(ctx, d); err != nil {
					_ = d.Nack(false, true) // transient => requeue
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	c.log.Info().Str("queue", q.Name).Str("exchange", c.exchange).Msg("consumer started")
	return nil
}

// handleDelivery accepts one broker message into the pipeline. A nil return
// acks the delivery; poison messages are logged and dropped rather than
// requeued forever, only append failures bounce back to the broker.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	log := c.log.With().Str("routing_key", d.RoutingKey).Logger()

	var msg message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.Warn().Err(err).Msg("invalid message json; dropping")
		metrics.IngestRejected("bad_json")
		return nil
	}

	if msg.Version != supportedVersion {
		log.Warn().Int("version", msg.Version).Msg("unsupported message version; dropping")
		metrics.IngestRejected("bad_version")
		return nil
	}

	if strings.TrimSpace(msg.TenantID) == "" {
		log.Warn().Msg("message has no tenant; dropping")
		metrics.IngestRejected("no_tenant")
		return nil
	}

	if err := c.validatePayload(msg.Type, msg.Payload); err != nil {
		log.Warn().Err(err).Str("type", string(msg.Type)).Msg("invalid payload; dropping")
		metrics.IngestRejected("bad_payload")
		return nil
	}

	evt := domain.Event{
		Type:     msg.Type,
		TenantID: msg.TenantID,
		Payload:  msg.Payload,
	}

	source := strings.TrimSpace(msg.Source)
	if source == "" {
		source = strings.TrimSpace(d.AppId)
	}
	if source == "" {
		source = "backend"
	}

	id, err := c.appender.Publish(ctx, evt, source)
	if err != nil {
		log.Error().Err(err).Msg("append to tenant log failed (requeue)")
		return err
	}

	metrics.EventIngested(string(msg.Type))
	log.Debug().Str("tenant_id", msg.TenantID).Str("entry_id", id).Msg("event ingested")
	return nil
}

// validatePayload decodes the payload into its typed shape and checks the
// required fields. Unknown event types are rejected here rather than carried
// dead weight through the log.
func (c *Consumer) validatePayload(t domain.EventType, raw json.RawMessage) error {
	var payload any
	switch t {
	case domain.EventCardStageTransition:
		payload = &domain.CardStageTransitionPayload{}
	case domain.EventInventoryAdjusted:
		payload = &domain.InventoryAdjustedPayload{}
	case domain.EventOrderCreated:
		payload = &domain.OrderCreatedPayload{}
	case domain.EventOrderStatusChanged:
		payload = &domain.OrderStatusChangedPayload{}
	case domain.EventKPIRefreshed:
		payload = &domain.KPIRefreshedPayload{}
	default:
		return errUnknownEventType(t)
	}

	if err := json.Unmarshal(raw, payload); err != nil {
		return err
	}
	return c.validate.Struct(payload)
}

type errUnknownEventType domain.EventType

func (e errUnknownEventType) Error() string {
	return "unknown event type " + string(e)
}
