package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSPublisher publishes to {subject}.{event_type}.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	logger := log.With().Str("component", "nats_publisher").Logger()

	nc, err := nats.Connect(url,
		nats.Name("klear-broker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSPublisher{conn: nc, subject: subject}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, evt Event) error {
	subject, data, err := natsMessage(p.subject, evt)
	if err != nil {
		return err
	}
	return p.conn.Publish(subject, data)
}

func natsMessage(prefix string, evt Event) (string, []byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return "", nil, fmt.Errorf("marshal event: %w", err)
	}
	return fmt.Sprintf("%s.%s", prefix, evt.Type), data, nil
}

func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
