// Package genieacs reads the device inventory from a GenieACS northbound
// interface. Device documents are returned as raw JSON and interpreted by the
// paramtree package.
package genieacs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telemetry-monitor/internal/paramtree"
)

// ErrDeviceNotFound is returned when no device matches a lookup
var ErrDeviceNotFound = errors.New("device not found")

// usernameQueryPaths are matched by FindByUsername. GenieACS compares a
// parameter path with the value of its _value attribute.
var usernameQueryPaths = append(
	append([]paramtree.Path{}, paramtree.UsernamePaths...),
	paramtree.VirtualUsernamePaths...,
)

// Client talks to the GenieACS NBI
type Client struct {
	baseURL  *url.URL
	username string
	password string
	http     *http.Client
	logger   zerolog.Logger
}

// ClientOptions configure a Client
type ClientOptions struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// NewClient creates a GenieACS client
func NewClient(opts ClientOptions) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid genieacs url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid genieacs url: %q", opts.URL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	return &Client{
		baseURL:  u,
		username: opts.Username,
		password: opts.Password,
		http:     &http.Client{Timeout: opts.Timeout},
		logger:   log.With().Str("component", "genieacs").Logger(),
	}, nil
}

// ListDevices returns every device known to the ACS
func (c *Client) ListDevices(ctx context.Context) ([]json.RawMessage, error) {
	start := time.Now()
	devices, err := c.queryDevices(ctx, nil)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Int("devices", len(devices)).
		Dur("duration", time.Since(start)).
		Msg("Fetched device inventory")
	return devices, nil
}

// GetDevice returns one device document by id
func (c *Client) GetDevice(ctx context.Context, id string) (json.RawMessage, error) {
	devices, err := c.queryDevices(ctx, map[string]interface{}{"_id": id})
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return devices[0], nil
}

// FindByUsername returns the first device reporting the given PPPoE username
func (c *Client) FindByUsername(ctx context.Context, username string) (json.RawMessage, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: empty username", ErrDeviceNotFound)
	}

	or := make([]map[string]string, 0, len(usernameQueryPaths))
	for _, p := range usernameQueryPaths {
		or = append(or, map[string]string{p.String(): username})
	}

	devices, err := c.queryDevices(ctx, map[string]interface{}{"$or": or})
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: username %s", ErrDeviceNotFound, username)
	}
	return devices[0], nil
}

func (c *Client) queryDevices(ctx context.Context, query map[string]interface{}) ([]json.RawMessage, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/devices/"
	if query != nil {
		q, err := json.Marshal(query)
		if err != nil {
			return nil, fmt.Errorf("failed to encode device query: %w", err)
		}
		u.RawQuery = url.Values{"query": {string(q)}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("genieacs request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("genieacs returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var devices []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		return nil, fmt.Errorf("failed to decode genieacs response: %w", err)
	}
	if devices == nil {
		devices = []json.RawMessage{}
	}
	return devices, nil
}
