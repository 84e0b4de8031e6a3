// Package publish emits settled delivery records to an AMQP topic exchange.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/formrelay/internal/domain"
)

// DefaultExchange is used when no exchange name is configured.
const DefaultExchange = "formrelay.deliveries"

// Channel is the subset of *amqp091.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Event is the message body published for each settled record.
type Event struct {
	DeliveryID        uuid.UUID             `json:"delivery_id"`
	Channel           domain.Channel        `json:"channel"`
	Status            domain.DeliveryStatus `json:"status"`
	Event             string                `json:"event,omitempty"`
	FormID            string                `json:"form_id,omitempty"`
	WebhookID         string                `json:"webhook_id,omitempty"`
	AttemptCount      int                   `json:"attempt_count"`
	MaxRetries        int                   `json:"max_retries"`
	ProviderName      string                `json:"provider_name,omitempty"`
	ProviderMessageID string                `json:"provider_message_id,omitempty"`
	ResponseStatus    *int                  `json:"response_status_code,omitempty"`
	ErrorMessage      string                `json:"error_message,omitempty"`
	ErrorCode         string                `json:"error_code,omitempty"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
}

type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	ch       Channel
	exchange string
}

// Dial connects to url, opens a channel and declares a durable topic exchange.
func Dial(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	p, err := NewAMQPPublisher(ch, exchange)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewAMQPPublisher declares the exchange on an already open channel.
func NewAMQPPublisher(ch Channel, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{ch: ch, exchange: exchange}, nil
}

// RoutingKey returns delivery.<channel>.<status>.
func RoutingKey(rec domain.DeliveryRecord) string {
	return fmt.Sprintf("delivery.%s.%s", rec.Channel, rec.Status)
}

func NewEvent(rec domain.DeliveryRecord) Event {
	return Event{
		DeliveryID:        rec.ID,
		Channel:           rec.Channel,
		Status:            rec.Status,
		Event:             rec.Event,
		FormID:            rec.FormID,
		WebhookID:         rec.WebhookID,
		AttemptCount:      rec.AttemptCount,
		MaxRetries:        rec.MaxRetries,
		ProviderName:      rec.ProviderName,
		ProviderMessageID: rec.ProviderMessageID,
		ResponseStatus:    rec.ResponseStatusCode,
		ErrorMessage:      rec.ErrorMessage,
		ErrorCode:         rec.ErrorCode,
		CompletedAt:       rec.CompletedAt,
	}
}

// Publish sends the record's settled state as a persistent JSON message.
func (p *AMQPPublisher) Publish(ctx context.Context, rec domain.DeliveryRecord) error {
	body, err := json.Marshal(NewEvent(rec))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := RoutingKey(rec)

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    rec.ID.String(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	log.Debug().Str("component", "publish").Str("routing_key", key).Str("delivery_id", rec.ID.String()).Msg("published outcome")
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
