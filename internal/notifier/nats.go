package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"telemetry-monitor/internal/models"
)

const alertSource = "telemetry-monitor"

// Publisher is the part of a NATS connection used by NATSSink
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Alert is the envelope published on the alert subject
type Alert struct {
	ID       string          `json:"id"`
	Source   string          `json:"source"`
	Priority models.Priority `json:"priority"`
	Message  string          `json:"message"`
	Time     time.Time       `json:"time"`
}

// NATSSink publishes reports as JSON alerts on a subject
type NATSSink struct {
	pub     Publisher
	subject string
}

// NewNATSSink creates a sink publishing on subject
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{pub: pub, subject: subject}
}

// Send publishes one alert
func (s *NATSSink) Send(ctx context.Context, message string, priority models.Priority) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(Alert{
		ID:       uuid.New().String(),
		Source:   alertSource,
		Priority: priority,
		Message:  message,
		Time:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish alert on %s: %w", s.subject, err)
	}
	return nil
}

// ConnectNATS opens a NATS connection that logs its lifecycle events
func ConnectNATS(url string, opts ...nats.Option) (*nats.Conn, error) {
	logger := log.With().Str("component", "nats").Logger()

	opts = append([]nats.Option{
		nats.Name(alertSource),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")
	return nc, nil
}
