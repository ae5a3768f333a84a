package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"telemetry-monitor/internal/models"
)

// WhatsAppOptions configure a WhatsAppSink
type WhatsAppOptions struct {
	GatewayURL  string
	Token       string
	Technicians []string
	Timeout     time.Duration
}

// WhatsAppSink sends reports to the technicians through an HTTP WhatsApp gateway
type WhatsAppSink struct {
	opts WhatsAppOptions
	http *http.Client
}

type whatsAppMessage struct {
	To       string          `json:"to"`
	Message  string          `json:"message"`
	Priority models.Priority `json:"priority"`
}

// NewWhatsAppSink creates a WhatsApp gateway sink
func NewWhatsAppSink(opts WhatsAppOptions) *WhatsAppSink {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &WhatsAppSink{
		opts: opts,
		http: &http.Client{Timeout: opts.Timeout},
	}
}

// Send posts the message once per technician number
func (s *WhatsAppSink) Send(ctx context.Context, message string, priority models.Priority) error {
	if len(s.opts.Technicians) == 0 {
		return errors.New("no technician numbers configured")
	}

	var errs []error
	for _, to := range s.opts.Technicians {
		if err := s.post(ctx, whatsAppMessage{To: to, Message: message, Priority: priority}); err != nil {
			errs = append(errs, fmt.Errorf("technician %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

func (s *WhatsAppSink) post(ctx context.Context, msg whatsAppMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}
	return nil
}
