package broker

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Terminal saga events published for downstream consumers. Delivery is
// at-least-once; consumers deduplicate on the aggregate id.
const (
	OrderCompletedEvent = "order.completed"
	OrderFailedEvent    = "order.failed"
)

// Connect opens a RabbitMQ channel and declares the terminal-event
// exchanges so publishes never race the first consumer binding. The
// returned close function shuts down the channel before the connection.
func Connect(user, pass, host, port string) (*amqp.Channel, func() error, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp.Dial(address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := createExchanges(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create exchanges: %w", err)
	}

	close := func() error {
		if err := ch.Close(); err != nil {
			return err
		}
		return conn.Close()
	}

	return ch, close, nil
}

// PublishJSON publishes v as a persistent JSON message on the event's
// exchange, with the current trace context injected into the headers.
func PublishJSON(ctx context.Context, ch *amqp.Channel, event string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}

	return ch.PublishWithContext(
		ctx,
		event, // exchange
		event, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      InjectTraceContext(ctx),
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
}

func createExchanges(ch *amqp.Channel) error {
	for _, event := range []string{OrderCompletedEvent, OrderFailedEvent} {
		err := ch.ExchangeDeclare(
			event,    // name
			"direct", // type
			true,     // durable
			false,    // auto-deleted
			false,    // internal
			false,    // no-wait
			nil,      // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare %s exchange: %w", event, err)
		}
	}
	return nil
}
