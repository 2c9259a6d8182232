// Package amqp publishes job lifecycle events to a RabbitMQ exchange.
//
// Events are published as JSON to a topic exchange with the routing key
// "jobqueue.<event>.<type>", e.g. "jobqueue.completed.email_processing".
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/olivere/jobqueue"
)

// DefaultExchange is the name of the exchange events are published to.
const DefaultExchange = "jobqueue.events"

// Publisher publishes messages. *amqp.Channel implements it.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Message is the body of a published event.
type Message struct {
	Event      jobqueue.EventKind `json:"event"`
	Job        *jobqueue.Job      `json:"job"`
	DurationMS int64              `json:"duration_ms,omitempty"`
	Error      string             `json:"error,omitempty"`
	Time       time.Time          `json:"time"`
}

// Notifier implements jobqueue.Observer by publishing every event.
type Notifier struct {
	pub      Publisher
	exchange string
	logger   jobqueue.Logger
	timeout  time.Duration
	now      func() time.Time
	closer   func() error
}

var _ jobqueue.Observer = (*Notifier)(nil)

// Option is an options provider for Notifier.
type Option func(*Notifier)

// SetExchange overrides DefaultExchange.
func SetExchange(name string) Option {
	return func(n *Notifier) {
		n.exchange = name
	}
}

// SetLogger specifies the logger for publishing errors.
func SetLogger(logger jobqueue.Logger) Option {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// SetPublishTimeout limits the time spent publishing a single event.
func SetPublishTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// New creates a notifier publishing with pub.
func New(pub Publisher, options ...Option) *Notifier {
	n := &Notifier{
		pub:      pub,
		exchange: DefaultExchange,
		timeout:  5 * time.Second,
		now:      time.Now,
		closer:   func() error { return nil },
	}
	for _, opt := range options {
		opt(n)
	}
	return n
}

// Dial connects to the broker at url, declares the topic exchange, and
// returns a notifier publishing to it. Close the notifier when done.
func Dial(url string, options ...Option) (*Notifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp: failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp: failed to open a channel: %w", err)
	}
	n := New(ch, options...)
	if err := ch.ExchangeDeclare(n.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp: failed to declare exchange %s: %w", n.exchange, err)
	}
	n.closer = func() error {
		ch.Close()
		return conn.Close()
	}
	return n, nil
}

// Close the connection to the broker, if any.
func (n *Notifier) Close() error {
	return n.closer()
}

// RoutingKey returns the routing key of an event.
func RoutingKey(e jobqueue.Event) string {
	return fmt.Sprintf("jobqueue.%s.%s", e.Kind, e.Job.Type)
}

// Observe implements jobqueue.Observer.
func (n *Notifier) Observe(ctx context.Context, e jobqueue.Event) {
	if err := n.Publish(ctx, e); err != nil && n.logger != nil {
		n.logger.Printf("jobqueue: unable to publish %s event of job %s: %v", e.Kind, e.Job.ID, err)
	}
}

// Publish sends a single event to the exchange.
func (n *Notifier) Publish(ctx context.Context, e jobqueue.Event) error {
	msg := Message{
		Event:      e.Kind,
		Job:        e.Job,
		DurationMS: e.Duration.Milliseconds(),
		Time:       n.now().UTC(),
	}
	if e.Err != nil {
		msg.Error = e.Err.Error()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	return n.pub.PublishWithContext(ctx, n.exchange, RoutingKey(e), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s-%d", e.Job.ID, e.Job.Version),
		Timestamp:    msg.Time,
		Priority:     priority(e.Job.Priority),
		Headers:      amqp.Table{"tenant": e.Job.Tenant},
		Body:         body,
	})
}

// priority maps job priorities to the 0-9 range of RabbitMQ.
func priority(p int) uint8 {
	switch {
	case p < 0:
		return 0
	case p > 9:
		return 9
	}
	return uint8(p)
}
