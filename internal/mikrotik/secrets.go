// Package mikrotik reads PPPoE secrets from a RouterOS device. The secrets
// table is the secondary registry used to recover subscriber identities: a
// secret's name is the PPPoE username and its comment often carries the ONT
// serial number.
package mikrotik

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-routeros/routeros/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telemetry-monitor/internal/models"
)

const secretPrintCommand = "/ppp/secret/print"

// DefaultTimeout bounds one secrets query when Options.Timeout is unset
const DefaultTimeout = 10 * time.Second

// Options configure a SecretSource
type Options struct {
	Address  string
	Username string
	Password string
	Timeout  time.Duration
}

// queryFunc runs one RouterOS command and returns the attribute maps of the reply
type queryFunc func(ctx context.Context, opts Options, sentence ...string) ([]map[string]string, error)

// SecretSource lists PPPoE secrets
type SecretSource struct {
	opts   Options
	query  queryFunc
	logger zerolog.Logger
}

// NewSecretSource creates a registry source backed by the RouterOS API
func NewSecretSource(opts Options) *SecretSource {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &SecretSource{
		opts:   opts,
		query:  runCommand,
		logger: log.With().Str("component", "mikrotik").Logger(),
	}
}

// ListEntries returns every PPPoE secret as a registry entry
func (s *SecretSource) ListEntries(ctx context.Context) ([]models.RegistryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	start := time.Now()
	rows, err := s.query(ctx, s.opts, secretPrintCommand, "=.proplist=name,comment")
	if err != nil {
		return nil, fmt.Errorf("routeros %s on %s: %w", secretPrintCommand, s.opts.Address, err)
	}

	entries := make([]models.RegistryEntry, 0, len(rows))
	for _, row := range rows {
		if row["name"] == "" {
			continue
		}
		entries = append(entries, models.RegistryEntry{Name: row["name"], Comment: row["comment"]})
	}

	s.logger.Debug().
		Int("secrets", len(entries)).
		Dur("duration", time.Since(start)).
		Msg("Fetched PPPoE secrets")
	return entries, nil
}

// runCommand dials, logs in and runs one sentence. The client reads replies
// synchronously and ignores ctx while blocked, so the connection is closed
// when ctx is done.
func runCommand(ctx context.Context, opts Options, sentence ...string) (rows []map[string]string, err error) {
	defer func() {
		if err != nil && ctx.Err() != nil {
			err = errors.Join(ctx.Err(), err)
		}
	}()

	conn, err := new(net.Dialer).DialContext(ctx, "tcp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := routeros.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer c.Close()

	if err := c.LoginContext(ctx, opts.Username, opts.Password); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	reply, err := c.RunContext(ctx, sentence...)
	if err != nil {
		return nil, err
	}

	rows = make([]map[string]string, 0, len(reply.Re))
	for _, re := range reply.Re {
		rows = append(rows, re.Map)
	}
	return rows, nil
}
