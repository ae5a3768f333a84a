// Package notifier delivers scan reports. Every sink implements
// Send(ctx, message, priority); Multi fans a report out to several of them.
package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telemetry-monitor/internal/models"
)

// Sink delivers one message
type Sink interface {
	Send(ctx context.Context, message string, priority models.Priority) error
}

// Named is a sink with a name used in logs and errors
type Named struct {
	Name string
	Sink Sink
}

// Multi sends every message to all of its sinks
type Multi struct {
	sinks  []Named
	logger zerolog.Logger
}

// NewMulti creates a fan-out sink
func NewMulti(sinks ...Named) *Multi {
	return &Multi{
		sinks:  sinks,
		logger: log.With().Str("component", "notifier").Logger(),
	}
}

// Len returns the number of sinks
func (m *Multi) Len() int {
	return len(m.sinks)
}

// Send delivers message to every sink. One failing sink does not stop the
// others; the returned error joins every failure.
func (m *Multi) Send(ctx context.Context, message string, priority models.Priority) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Sink.Send(ctx, message, priority); err != nil {
			m.logger.Error().Err(err).Str("sink", s.Name).Msg("Notification delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		m.logger.Debug().Str("sink", s.Name).Str("priority", string(priority)).Msg("Notification delivered")
	}
	return errors.Join(errs...)
}
