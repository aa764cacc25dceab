package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pharmaportal/pharmaportal-backend/pkg/logger"
)

// MaxDeliveryAttempts is the number of dead-letter cycles a message may go
// through before it stays in the dead letter queue
const MaxDeliveryAttempts = 3

// MessageHandler is a function that handles a message
type MessageHandler func(ctx context.Context, event *Event) error

// Outcome is what the consumer does with a delivery after dispatch
type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeRequeue
	OutcomeReject
)

type binding struct {
	exchange   string
	routingKey string
}

// Consumer handles consuming events from RabbitMQ
type Consumer struct {
	rmq       *RabbitMQ
	queueName string
	handlers  map[string]MessageHandler
	bindings  []binding
	logger    *logger.Logger

	// consume opens the delivery channel; restore brings back the connection
	// and the queue's topology after the broker closed it
	consume func(ctx context.Context) (<-chan amqp.Delivery, error)
	restore func(ctx context.Context) error
}

// NewConsumer creates a new consumer for the given queue
func NewConsumer(rmq *RabbitMQ, queueName string, log *logger.Logger) (*Consumer, error) {
	if _, err := rmq.DeclareQueue(queueName); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	return newConsumer(rmq, queueName, log), nil
}

func newConsumer(rmq *RabbitMQ, queueName string, log *logger.Logger) *Consumer {
	c := &Consumer{
		rmq:       rmq,
		queueName: queueName,
		handlers:  make(map[string]MessageHandler),
		logger:    log,
	}
	c.consume = c.consumeQueue
	c.restore = c.restoreTopology
	return c
}

// Subscribe subscribes to an exchange with a routing key pattern
func (c *Consumer) Subscribe(exchange, routingKeyPattern string) error {
	if err := c.rmq.DeclareExchange(exchange); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := c.rmq.BindQueue(c.queueName, exchange, routingKeyPattern); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	c.bindings = append(c.bindings, binding{exchange: exchange, routingKey: routingKeyPattern})

	c.logger.Info().
		Str("queue", c.queueName).
		Str("exchange", exchange).
		Str("routing_key", routingKeyPattern).
		Msg("subscribed to exchange")

	return nil
}

// RegisterHandler registers a handler for a specific event type
func (c *Consumer) RegisterHandler(eventType string, handler MessageHandler) {
	c.handlers[eventType] = handler
}

// Start starts consuming messages from the queue. When the broker closes
// the delivery channel the consumer reconnects, restores its bindings and
// keeps consuming until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.consume(ctx)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info().Str("queue", c.queueName).Msg("consumer started")

	go c.run(ctx, msgs)
	return nil
}

func (c *Consumer) run(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Str("queue", c.queueName).Msg("consumer stopped")
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn().Str("queue", c.queueName).Msg("message channel closed, reconnecting")
				next, err := c.resume(ctx)
				if err != nil {
					if ctx.Err() == nil {
						c.logger.Error().Err(err).Str("queue", c.queueName).Msg("consumer could not reconnect")
					}
					return
				}
				msgs = next
				c.logger.Info().Str("queue", c.queueName).Msg("consumer resumed")
				continue
			}
			c.settle(msg, c.Dispatch(ctx, msg.Body, deathCount(msg.Headers)))
		}
	}
}

func (c *Consumer) resume(ctx context.Context) (<-chan amqp.Delivery, error) {
	if err := c.restore(ctx); err != nil {
		return nil, err
	}
	return c.consume(ctx)
}

func (c *Consumer) consumeQueue(context.Context) (<-chan amqp.Delivery, error) {
	return c.rmq.Channel().Consume(
		c.queueName, // queue
		"",          // consumer tag (auto-generated)
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // arguments
	)
}

// restoreTopology reconnects and redeclares the queue with its bindings on
// the new channel
func (c *Consumer) restoreTopology(ctx context.Context) error {
	if err := c.rmq.Reconnect(ctx); err != nil {
		return err
	}
	if _, err := c.rmq.DeclareQueue(c.queueName); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.queueName, err)
	}
	for _, b := range c.bindings {
		if err := c.rmq.DeclareExchange(b.exchange); err != nil {
			return fmt.Errorf("failed to declare exchange: %w", err)
		}
		if err := c.rmq.BindQueue(c.queueName, b.exchange, b.routingKey); err != nil {
			return fmt.Errorf("failed to bind queue: %w", err)
		}
	}
	return nil
}

// Dispatch decodes body, runs the registered handler and decides the
// delivery outcome. attempts is the number of earlier dead-letter cycles.
func (c *Consumer) Dispatch(ctx context.Context, body []byte, attempts int) Outcome {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error().Err(err).Str("queue", c.queueName).Msg("failed to unmarshal event")
		return OutcomeReject
	}

	ctx = WithCorrelationID(ctx, event.CorrelationID)

	handler, ok := c.handlers[event.Type]
	if !ok {
		c.logger.Debug().Str("event_type", event.Type).Msg("no handler registered for event type")
		return OutcomeAck
	}

	c.logger.Debug().
		Str("event_type", event.Type).
		Str("event_id", event.ID).
		Str("correlation_id", event.CorrelationID).
		Msg("processing event")

	if err := handler(ctx, &event); err != nil {
		c.logger.Error().
			Err(err).
			Str("event_type", event.Type).
			Str("event_id", event.ID).
			Int("attempts", attempts).
			Msg("failed to process event")

		if attempts >= MaxDeliveryAttempts {
			c.logger.Warn().Str("event_id", event.ID).Msg("max retries exceeded, leaving in DLQ")
			return OutcomeReject
		}
		return OutcomeRequeue
	}

	return OutcomeAck
}

func (c *Consumer) settle(msg amqp.Delivery, outcome Outcome) {
	var err error
	switch outcome {
	case OutcomeAck:
		err = msg.Ack(false)
	case OutcomeRequeue:
		// A broker requeue does not count as a death; a second failure goes to the DLQ
		if msg.Redelivered {
			err = msg.Reject(false)
		} else {
			err = msg.Nack(false, true)
		}
	default:
		err = msg.Reject(false)
	}
	if err != nil {
		c.logger.Error().Err(err).Str("queue", c.queueName).Msg("failed to settle delivery")
	}
}

func deathCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}

	deaths, ok := headers["x-death"].([]interface{})
	if !ok {
		return 0
	}
	for _, death := range deaths {
		if d, ok := death.(amqp.Table); ok {
			if count, ok := d["count"].(int64); ok {
				return int(count)
			}
		}
	}
	return 0
}
