// Package config manages the telemetry monitor configuration.
// It handles loading, validating, and providing access to configuration settings
// from YAML files. Defaults exist for every setting so a minimal file only needs
// the ACS endpoint, and access to the parsed durations is thread-safe.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port            int      `yaml:"port"`
		Host            string   `yaml:"host"`
		AllowedOrigins  []string `yaml:"allowedOrigins"`
		ReadTimeout     int      `yaml:"readTimeout"`
		WriteTimeout    int      `yaml:"writeTimeout"`
		ShutdownTimeout int      `yaml:"shutdownTimeout"`
	} `yaml:"server"`

	Auth struct {
		Enabled      bool   `yaml:"enabled"`
		Username     string `yaml:"username"`
		PasswordHash string `yaml:"passwordHash"`
	} `yaml:"auth"`

	GenieACS struct {
		URL      string `yaml:"url"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Timeout  string `yaml:"timeout"`
		CacheTTL string `yaml:"cacheTTL"`
	} `yaml:"genieacs"`

	Mikrotik struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"mikrotik"`

	Monitor struct {
		SignalThreshold       float64 `yaml:"signalThreshold"`
		OfflineHoursThreshold float64 `yaml:"offlineHoursThreshold"`
		SignalInterval        string  `yaml:"signalInterval"`
		OfflineInterval       string  `yaml:"offlineInterval"`
		EnableScheduler       bool    `yaml:"enableScheduler"`
		Concurrency           int     `yaml:"concurrency"`
		IdentityTagPrefix     string  `yaml:"identityTagPrefix"`
		TimeFormat            string  `yaml:"timeFormat"`
	} `yaml:"monitor"`

	Notifier struct {
		WhatsApp struct {
			Enabled     bool     `yaml:"enabled"`
			GatewayURL  string   `yaml:"gatewayURL"`
			Token       string   `yaml:"token"`
			Technicians []string `yaml:"technicians"`
		} `yaml:"whatsapp"`
		NATS struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
			Subject string `yaml:"subject"`
		} `yaml:"nats"`
		StoreNotifications bool `yaml:"storeNotifications"`
	} `yaml:"notifier"`

	Database struct {
		Path              string `yaml:"path"`
		BackupDir         string `yaml:"backupDir"`
		DataRetentionDays int    `yaml:"dataRetentionDays"`
	} `yaml:"database"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Maintenance struct {
		Schedule         string `yaml:"schedule"`
		DatabaseBackup   bool   `yaml:"databaseBackup"`
		DatabaseOptimize bool   `yaml:"databaseOptimize"`
		CleanupOldData   bool   `yaml:"cleanupOldData"`
	} `yaml:"maintenance"`

	Advanced struct {
		MetricsEnabled  bool   `yaml:"metricsEnabled"`
		MetricsEndpoint string `yaml:"metricsEndpoint"`
	} `yaml:"advanced"`

	path string
	mu   sync.RWMutex
}

var (
	instance *Config
	once     sync.Once
)

// GetConfig returns the singleton configuration instance
func GetConfig() *Config {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// New returns a standalone configuration populated with defaults
func New() *Config {
	c := &Config{}
	setDefaults(c)
	return c
}

// LoadConfig loads configuration from a YAML file
func (c *Config) LoadConfig(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.path = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("configuration file does not exist: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse configuration file: %w", err)
	}

	dirs := []string{filepath.Dir(c.Database.Path)}
	if c.Maintenance.DatabaseBackup {
		dirs = append(dirs, c.Database.BackupDir)
	}

	for _, dir := range dirs {
		if dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}

	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info().Str("path", path).Msg("Configuration loaded successfully")
	return nil
}

// Reload reloads the configuration from the file
func (c *Config) Reload() error {
	if c.path == "" {
		return errors.New("configuration was not loaded from a file")
	}
	return c.LoadConfig(c.path)
}

// SaveConfig saves the current configuration to a file
func (c *Config) SaveConfig(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	return nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.GenieACS.URL == "" {
		return errors.New("genieacs url is required")
	}

	for name, value := range map[string]string{
		"genieacs timeout":  c.GenieACS.Timeout,
		"genieacs cacheTTL": c.GenieACS.CacheTTL,
		"mikrotik timeout":  c.Mikrotik.Timeout,
		"signal interval":   c.Monitor.SignalInterval,
		"offline interval":  c.Monitor.OfflineInterval,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %s", name, value)
		}
	}

	if c.Monitor.SignalThreshold >= 0 || !finite(c.Monitor.SignalThreshold) {
		return fmt.Errorf("signal threshold must be a negative dBm value: %v", c.Monitor.SignalThreshold)
	}

	if c.Monitor.OfflineHoursThreshold <= 0 || !finite(c.Monitor.OfflineHoursThreshold) {
		return fmt.Errorf("invalid offline hours threshold: %v", c.Monitor.OfflineHoursThreshold)
	}

	if c.Monitor.Concurrency <= 0 {
		return fmt.Errorf("invalid monitor concurrency: %d", c.Monitor.Concurrency)
	}

	if c.Mikrotik.Enabled && c.Mikrotik.Host == "" {
		return errors.New("mikrotik host is required when mikrotik is enabled")
	}

	if c.Notifier.WhatsApp.Enabled && c.Notifier.WhatsApp.GatewayURL == "" {
		return errors.New("whatsapp gateway url is required when whatsapp is enabled")
	}

	if c.Notifier.NATS.Enabled && (c.Notifier.NATS.URL == "" || c.Notifier.NATS.Subject == "") {
		return errors.New("nats url and subject are required when nats is enabled")
	}

	if c.Auth.Enabled && (c.Auth.Username == "" || c.Auth.PasswordHash == "") {
		return errors.New("auth username and passwordHash are required when auth is enabled")
	}

	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	return nil
}

// GetSignalInterval returns the RX power scan interval as a parsed duration
func (c *Config) GetSignalInterval() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return time.ParseDuration(c.Monitor.SignalInterval)
}

// GetOfflineInterval returns the offline scan interval as a parsed duration
func (c *Config) GetOfflineInterval() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return time.ParseDuration(c.Monitor.OfflineInterval)
}

// GetACSTimeout returns the GenieACS request timeout
func (c *Config) GetACSTimeout() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return time.ParseDuration(c.GenieACS.Timeout)
}

// GetCacheTTL returns how long the device inventory is cached
func (c *Config) GetCacheTTL() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return time.ParseDuration(c.GenieACS.CacheTTL)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// GetMikrotikTimeout returns the deadline for one RouterOS secrets query.
// Zero means the client default.
func (c *Config) GetMikrotikTimeout() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Mikrotik.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Mikrotik.Timeout)
}

// MikrotikAddress returns the host:port of the RouterOS API
func (c *Config) MikrotikAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return fmt.Sprintf("%s:%d", c.Mikrotik.Host, c.Mikrotik.Port)
}

// setDefaults initializes the configuration with default values
func setDefaults(c *Config) {
	// Server defaults
	c.Server.Port = 8080
	c.Server.Host = "127.0.0.1"
	c.Server.AllowedOrigins = []string{"*"}
	c.Server.ReadTimeout = 30
	c.Server.WriteTimeout = 30
	c.Server.ShutdownTimeout = 10

	// GenieACS defaults
	c.GenieACS.URL = "http://localhost:7557"
	c.GenieACS.Username = "acs"
	c.GenieACS.Timeout = "30s"
	c.GenieACS.CacheTTL = "2m"

	// MikroTik defaults
	c.Mikrotik.Enabled = false
	c.Mikrotik.Port = 8728
	c.Mikrotik.Timeout = "10s"

	// Monitor defaults
	c.Monitor.SignalThreshold = -27
	c.Monitor.OfflineHoursThreshold = 24
	c.Monitor.SignalInterval = "1h"
	c.Monitor.OfflineInterval = "6h"
	c.Monitor.EnableScheduler = true
	c.Monitor.Concurrency = 8
	c.Monitor.IdentityTagPrefix = "pppoe:"
	c.Monitor.TimeFormat = "2006-01-02 15:04:05"

	// Notifier defaults
	c.Notifier.NATS.Subject = "alerts.telemetry"
	c.Notifier.StoreNotifications = true

	// Database defaults
	c.Database.Path = "./data/telemetry.db"
	c.Database.BackupDir = "./data/backups"
	c.Database.DataRetentionDays = 90

	// Logging defaults
	c.Logging.Level = "info"
	c.Logging.Format = "console"

	// Maintenance defaults
	c.Maintenance.Schedule = "0 2 * * *" // 2 AM daily
	c.Maintenance.DatabaseBackup = false
	c.Maintenance.DatabaseOptimize = true
	c.Maintenance.CleanupOldData = true

	// Advanced defaults
	c.Advanced.MetricsEnabled = false
	c.Advanced.MetricsEndpoint = "/metrics"
}
