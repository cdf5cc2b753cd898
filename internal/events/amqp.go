package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueue is the queue lifecycle events are published to.
const DefaultQueue = "ticketrelay.events"

// AMQPSink publishes events as persistent JSON messages to a durable
// RabbitMQ queue on the default exchange.
//
// The connection is opened lazily and reopened after a failed publish, so
// a broker outage only costs the events sent while it lasts.
type AMQPSink struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPSink creates a sink for the broker at url. An empty queue name
// means DefaultQueue.
func NewAMQPSink(url, queue string) *AMQPSink {
	if queue == "" {
		queue = DefaultQueue
	}
	return &AMQPSink{url: url, queue: queue}
}

// Send implements Sink.
func (s *AMQPSink) Send(ctx context.Context, e Event) error {
	pub, err := publishing(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connectLocked(); err != nil {
		return err
	}
	if err := s.ch.PublishWithContext(ctx,
		"",      // default exchange
		s.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		pub,
	); err != nil {
		s.resetLocked()
		return fmt.Errorf("amqp: publish: %w", err)
	}
	return nil
}

func (s *AMQPSink) connectLocked() error {
	if s.ch != nil && !s.ch.IsClosed() {
		return nil
	}
	s.resetLocked()

	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		s.queue, // name
		true,    // durable
		false,   // autoDelete
		false,   // exclusive
		false,   // noWait
		nil,     // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp: declare queue %s: %w", s.queue, err)
	}

	s.conn, s.ch = conn, ch
	return nil
}

func (s *AMQPSink) resetLocked() {
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Close implements Sink.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	return nil
}

func publishing(e Event) (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("amqp: marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         string(e.Type),
		MessageId:    fmt.Sprintf("%s/%s/%d", e.Type, e.TicketID, e.Seq),
		Timestamp:    e.At.UTC(),
		Body:         body,
	}, nil
}
