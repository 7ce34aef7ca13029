package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"github.com/LastBotInc/virtual-participant/internal/logging"
)

// ErrUnauthorized marks delivery failures caused by missing permissions.
// They are never retried.
var ErrUnauthorized = errors.New("event stream access refused")

// Sink delivers one serialized event under a partition key.
type Sink interface {
	Publish(ctx context.Context, key string, body []byte) error
	Close() error
}

// AMQPSink publishes to a durable direct exchange. The routing key is the
// partition key so a consumer bound per session sees its events in order.
type AMQPSink struct {
	url      string
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPSink connects to the broker and declares the exchange.
func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	s := &AMQPSink{url: url, exchange: exchange}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AMQPSink) connect() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return classifyAMQP(fmt.Errorf("dial event stream: %w", err), err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return classifyAMQP(fmt.Errorf("open channel: %w", err), err)
	}
	err = ch.ExchangeDeclare(
		s.exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return classifyAMQP(fmt.Errorf("declare exchange %s: %w", s.exchange, err), err)
	}
	s.conn = conn
	s.channel = ch
	return nil
}

// Publish sends body. A closed connection is redialed once.
func (s *AMQPSink) Publish(_ context.Context, key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel == nil {
		if err := s.connect(); err != nil {
			return err
		}
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
	err := s.channel.Publish(s.exchange, key, false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		logging.Warning(logging.CategoryEvents, "event stream connection closed, reconnecting")
		s.closeLocked()
		if err := s.connect(); err != nil {
			return err
		}
		err = s.channel.Publish(s.exchange, key, false, false, msg)
	}
	if err != nil {
		return classifyAMQP(fmt.Errorf("publish: %w", err), err)
	}
	return nil
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *AMQPSink) closeLocked() {
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func classifyAMQP(wrapped, cause error) error {
	var amqpErr *amqp.Error
	if errors.As(cause, &amqpErr) && amqpErr.Code == amqp.AccessRefused {
		return fmt.Errorf("%w: %v", ErrUnauthorized, wrapped)
	}
	return wrapped
}
