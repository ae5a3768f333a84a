// Package settings supplies the runtime-tunable scan thresholds. Values live in
// the configuration table so operators can change them without a restart; the
// YAML configuration provides the defaults.
package settings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telemetry-monitor/internal/database"
	"telemetry-monitor/internal/models"
)

// Keys of the tunable settings
const (
	KeySignalThreshold       = "signal_threshold"
	KeyOfflineHoursThreshold = "offline_hours_threshold"
)

var (
	// ErrUnknownSetting is returned when writing a key that is not tunable
	ErrUnknownSetting = errors.New("unknown setting")
	// ErrInvalidValue is returned when a value does not satisfy its constraint
	ErrInvalidValue = errors.New("invalid setting value")
)

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Store is the persistence used by the provider
type Store interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value, description string) error
}

// Defaults are used for keys that have no stored value
type Defaults struct {
	SignalThreshold       float64
	OfflineHoursThreshold float64
}

type definition struct {
	description string
	validate    func(float64) error
	fallback    func(Defaults) float64
}

var definitions = map[string]definition{
	KeySignalThreshold: {
		description: "RX power alert threshold in dBm",
		validate: func(v float64) error {
			if v >= 0 || !finite(v) {
				return fmt.Errorf("%w: signal threshold must be a finite negative number", ErrInvalidValue)
			}
			return nil
		},
		fallback: func(d Defaults) float64 { return d.SignalThreshold },
	},
	KeyOfflineHoursThreshold: {
		description: "Hours without inform before a device counts as offline",
		validate: func(v float64) error {
			if v <= 0 || !finite(v) {
				return fmt.Errorf("%w: offline hours must be a finite positive number", ErrInvalidValue)
			}
			return nil
		},
		fallback: func(d Defaults) float64 { return d.OfflineHoursThreshold },
	},
}

// Provider reads thresholds from the store, falling back to defaults
type Provider struct {
	store    Store
	defaults Defaults
	logger   zerolog.Logger
}

// New creates a settings provider
func New(store Store, defaults Defaults) *Provider {
	return &Provider{
		store:    store,
		defaults: defaults,
		logger:   log.With().Str("component", "settings").Logger(),
	}
}

// SignalThreshold returns the RX power threshold in dBm
func (p *Provider) SignalThreshold(ctx context.Context) float64 {
	return p.get(KeySignalThreshold)
}

// OfflineHoursThreshold returns the offline threshold in hours
func (p *Provider) OfflineHoursThreshold(ctx context.Context) float64 {
	return p.get(KeyOfflineHoursThreshold)
}

func (p *Provider) get(key string) float64 {
	def := definitions[key]
	fallback := def.fallback(p.defaults)
	if p.store == nil {
		return fallback
	}

	raw, err := p.store.GetSetting(key)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			p.logger.Warn().Err(err).Str("key", key).Msg("Failed to read setting, using default")
		}
		return fallback
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err == nil {
		err = def.validate(v)
	}
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("key", key).
			Str("value", raw).
			Float64("default", fallback).
			Msg("Ignoring invalid setting")
		return fallback
	}
	return v
}

// Set validates and stores a tunable setting
func (p *Provider) Set(key, value string) error {
	def, ok := definitions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}

	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%w: %s is not a number", ErrInvalidValue, value)
	}
	if err := def.validate(v); err != nil {
		return err
	}
	if p.store == nil {
		return errors.New("settings store is not configured")
	}

	return p.store.SetSetting(key, strconv.FormatFloat(v, 'f', -1, 64), def.description)
}

// Effective returns every tunable setting with the value currently in force
func (p *Provider) Effective() []models.Setting {
	keys := make([]string, 0, len(definitions))
	for k := range definitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]models.Setting, 0, len(keys))
	for _, k := range keys {
		out = append(out, models.Setting{
			Key:         k,
			Value:       strconv.FormatFloat(p.get(k), 'f', -1, 64),
			Description: definitions[k].description,
		})
	}
	return out
}
