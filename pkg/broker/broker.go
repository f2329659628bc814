// Package broker wraps the AMQP transport: connection lifecycle, the
// per-organization queue topology, persistent publishing with transport
// priorities, prefetch-bounded consumption and W3C trace-context propagation
// through message headers.
package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Broker owns one AMQP connection and a channel used for publishing and
// topology declarations. Consumers open dedicated channels so their prefetch
// settings do not interfere with each other.
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *logrus.Entry
}

func Connect(url string, log *logrus.Entry) (*Broker, error) {
	if log == nil {
		log = nopEntry()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("broker dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker channel: %w", err)
	}
	return &Broker{conn: conn, ch: ch, log: log}, nil
}

// Channel opens a fresh channel on the shared connection.
func (b *Broker) Channel() (*amqp.Channel, error) {
	return b.conn.Channel()
}

func (b *Broker) Close() error {
	if err := b.ch.Close(); err != nil {
		b.log.WithError(err).Warn("broker: channel close failed")
	}
	return b.conn.Close()
}

func nopEntry() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}
