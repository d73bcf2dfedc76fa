package mirror

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// DefaultExchange is the fanout exchange events are mirrored to
const DefaultExchange = "livedesk.events"

// Channel is the subset of *amqp.Channel the mirror uses
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Record is the mirrored message body
type Record struct {
	Topic    string         `json:"topic"`
	Envelope types.Envelope `json:"envelope"`
}

// AMQPMirror copies every bus envelope to a RabbitMQ fanout exchange so
// other nodes can consume the event stream
type AMQPMirror struct {
	conn     *amqp.Connection
	channel  Channel
	exchange string
	logger   zerolog.Logger

	mu sync.Mutex
}

// Dial connects to RabbitMQ and declares the exchange
func Dial(url, exchange string, logger zerolog.Logger) (*AMQPMirror, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}

	m, err := New(ch, exchange, logger)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	m.conn = conn
	return m, nil
}

// New creates a mirror on an open channel and declares the exchange
func New(ch Channel, exchange string, logger zerolog.Logger) (*AMQPMirror, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}
	return &AMQPMirror{
		channel:  ch,
		exchange: exchange,
		logger:   logger.With().Str("component", "amqp_mirror").Str("exchange", exchange).Logger(),
	}, nil
}

// Mirror publishes one envelope. The topic is the routing key, which a
// fanout exchange ignores but consumers can read back.
func (m *AMQPMirror) Mirror(topic string, env types.Envelope) error {
	body, err := json.Marshal(Record{Topic: topic, Envelope: env})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err = m.channel.Publish(m.exchange, topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		Type:        string(env.Type),
		Timestamp:   env.Timestamp,
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", m.exchange, err)
	}
	return nil
}

// Close closes the channel and the connection
func (m *AMQPMirror) Close() {
	if m.channel != nil {
		if err := m.channel.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("closing amqp channel")
		}
	}
	if m.conn != nil {
		m.conn.Close()
	}
}
