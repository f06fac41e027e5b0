package queue

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSQueue publishes to a subject and consumes through a queue group so
// that several workers share the load.
type NATSQueue struct {
	conn    *nats.Conn
	subject string
	group   string
}

// NewNATSQueue builds a queue on an established connection.
func NewNATSQueue(conn *nats.Conn, subject, group string) *NATSQueue {
	if subject == "" {
		subject = "wifiattend.presence"
	}
	if group == "" {
		group = "wifiattend-workers"
	}
	return &NATSQueue{conn: conn, subject: subject, group: group}
}

// Publish sends a message.
func (q *NATSQueue) Publish(_ context.Context, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return q.conn.Publish(q.subject, data)
}

// Consume subscribes in the queue group until ctx is done.
func (q *NATSQueue) Consume(ctx context.Context) (<-chan Message, error) {
	in := make(chan *nats.Msg, 64)
	sub, err := q.conn.ChanQueueSubscribe(q.subject, q.group, in)
	if err != nil {
		return nil, err
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case m := <-in:
				msg, err := Decode(m.Data)
				if err != nil {
					log.Error().Err(err).Str("subject", q.subject).Msg("dropping undecodable message")
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ConnectNATS dials NATS with reconnect handling.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("NATS error")
		}),
	)
}
