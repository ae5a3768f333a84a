// Package monitor scans the ACS device inventory for degraded optical signal
// and silent devices, and reports what it finds through a notification sink.
//
// A scan fetches the inventory and the secondary registry once, evaluates
// every device independently with bounded concurrency, and sends at most one
// batched report after all devices have been evaluated. A device that cannot
// be processed is logged and skipped; only an unavailable data source fails
// the scan.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"telemetry-monitor/internal/identity"
	"telemetry-monitor/internal/models"
	"telemetry-monitor/internal/paramtree"
)

var (
	// ErrSourceUnavailable means the inventory or the registry could not be fetched
	ErrSourceUnavailable = errors.New("data source unavailable")
	// ErrDeviceProcessing wraps a failure to evaluate a single device
	ErrDeviceProcessing = errors.New("device processing failed")
	// ErrDeviceNotFound is returned by Inspect for an unknown device id
	ErrDeviceNotFound = errors.New("device not found")
	// ErrInvalidScanKind is returned for a scan kind other than signal or offline
	ErrInvalidScanKind = errors.New("invalid scan kind")
)

// Thresholds used when no settings provider is configured
const (
	DefaultSignalThreshold       = -27.0
	DefaultOfflineHoursThreshold = 24.0
	DefaultConcurrency           = 8
)

// InventorySource lists the raw device documents of the ACS
type InventorySource interface {
	ListDevices(ctx context.Context) ([]json.RawMessage, error)
}

// DeviceGetter is implemented by inventory sources that can fetch one device
type DeviceGetter interface {
	GetDevice(ctx context.Context, id string) (json.RawMessage, error)
}

// RegistrySource lists the entries of the secondary naming registry
type RegistrySource interface {
	ListEntries(ctx context.Context) ([]models.RegistryEntry, error)
}

// Sink delivers a report to its recipients
type Sink interface {
	Send(ctx context.Context, message string, priority models.Priority) error
}

// SettingsProvider supplies the scan thresholds
type SettingsProvider interface {
	SignalThreshold(ctx context.Context) float64
	OfflineHoursThreshold(ctx context.Context) float64
}

// Recorder persists finished scans
type Recorder interface {
	SaveScanRun(result *models.ScanResult) error
}

// Deps are the collaborators of a Monitor. Inventory is required; a nil
// Registry behaves as an empty registry, a nil Sink drops reports and a nil
// Settings uses the default thresholds.
type Deps struct {
	Inventory InventorySource
	Registry  RegistrySource
	Sink      Sink
	Settings  SettingsProvider
	Recorder  Recorder
	Metrics   *Metrics
}

// Options tune how scans are run
type Options struct {
	Concurrency int
	TagPrefix   string
	TimeFormat  string
	Now         func() time.Time
}

// ScanOptions selects the predicate of one scan. A nil Threshold uses the
// configured setting.
type ScanOptions struct {
	Kind      models.ScanKind `json:"kind"`
	Threshold *float64        `json:"threshold,omitempty"`
}

// Monitor runs telemetry scans over the device inventory
type Monitor struct {
	deps        Deps
	resolver    *identity.Resolver
	concurrency int
	timeFormat  string
	now         func() time.Time
	logger      zerolog.Logger
}

// New creates a monitor
func New(deps Deps, opts Options) *Monitor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = DefaultTimeFormat
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		deps:        deps,
		resolver:    identity.NewResolver(opts.TagPrefix),
		concurrency: opts.Concurrency,
		timeFormat:  opts.TimeFormat,
		now:         opts.Now,
		logger:      log.With().Str("component", "monitor").Logger(),
	}
}

// RunSignalScan flags devices whose RX power is below the signal threshold
func (m *Monitor) RunSignalScan(ctx context.Context) *models.ScanResult {
	return m.RunScan(ctx, ScanOptions{Kind: models.ScanKindSignal})
}

// RunOfflineScan flags devices that have not informed within the offline threshold
func (m *Monitor) RunOfflineScan(ctx context.Context) *models.ScanResult {
	return m.RunScan(ctx, ScanOptions{Kind: models.ScanKindOffline})
}

// outcome is the evaluation of one inventory slot
type outcome struct {
	finding *models.Finding
	err     error
}

// RunScan performs one full pass over the inventory. It always returns a
// result; Success is false only when a data source was unavailable or the
// options were invalid.
func (m *Monitor) RunScan(ctx context.Context, opts ScanOptions) *models.ScanResult {
	if opts.Kind == "" {
		opts.Kind = models.ScanKindSignal
	}

	now := m.now()
	result := &models.ScanResult{
		ID:        uuid.New().String(),
		Kind:      opts.Kind,
		Findings:  []models.Finding{},
		StartedAt: now,
	}
	defer m.finish(result)

	if !opts.Kind.Valid() {
		return m.fail(result, fmt.Errorf("%w: %q", ErrInvalidScanKind, opts.Kind))
	}
	result.Threshold = m.threshold(ctx, opts)

	m.logger.Info().
		Str("scanID", result.ID).
		Str("kind", string(result.Kind)).
		Float64("threshold", result.Threshold).
		Msg("Starting telemetry scan")

	devices, err := m.deps.Inventory.ListDevices(ctx)
	if err != nil {
		return m.fail(result, fmt.Errorf("%w: device inventory: %w", ErrSourceUnavailable, err))
	}
	result.Scanned = len(devices)

	var registry []models.RegistryEntry
	if m.deps.Registry != nil {
		registry, err = m.deps.Registry.ListEntries(ctx)
		if err != nil {
			return m.fail(result, fmt.Errorf("%w: registry: %w", ErrSourceUnavailable, err))
		}
	}

	slots := make([]outcome, len(devices))
	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, raw := range devices {
		g.Go(func() error {
			f, err := m.evaluate(result.Kind, result.Threshold, now, raw, registry)
			slots[i] = outcome{finding: f, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, o := range slots {
		if o.err != nil {
			result.Failed++
			m.logger.Error().
				Err(o.err).
				Str("scanID", result.ID).
				Int("index", i).
				Msg("Skipping device")
			continue
		}
		if o.finding != nil {
			o.finding.Position = len(result.Findings) + 1
			result.Findings = append(result.Findings, *o.finding)
		}
	}
	result.Evaluated = result.Scanned - result.Failed
	result.Success = true
	result.Message = summary(result)

	if len(result.Findings) == 0 {
		m.logger.Info().
			Str("scanID", result.ID).
			Str("kind", string(result.Kind)).
			Msg("No devices beyond threshold")
		return result
	}

	m.notify(ctx, result)
	return result
}

func (m *Monitor) threshold(ctx context.Context, opts ScanOptions) float64 {
	if opts.Threshold != nil {
		return *opts.Threshold
	}
	if opts.Kind == models.ScanKindOffline {
		if m.deps.Settings == nil {
			return DefaultOfflineHoursThreshold
		}
		return m.deps.Settings.OfflineHoursThreshold(ctx)
	}
	if m.deps.Settings == nil {
		return DefaultSignalThreshold
	}
	return m.deps.Settings.SignalThreshold(ctx)
}

// evaluate classifies one device document. Panics are turned into errors so
// that one bad record cannot take the scan down.
func (m *Monitor) evaluate(kind models.ScanKind, threshold float64, now time.Time, raw json.RawMessage, registry []models.RegistryEntry) (finding *models.Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			finding = nil
			err = fmt.Errorf("%w: panic: %v", ErrDeviceProcessing, r)
		}
	}()

	tree, err := paramtree.New(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceProcessing, err)
	}
	deviceID := tree.ID()
	if deviceID == "" {
		return nil, fmt.Errorf("%w: document has no device id", ErrDeviceProcessing)
	}

	f := models.Finding{
		DeviceID: deviceID,
		ShortID:  identity.ShortID(deviceID),
	}
	lastInform, hasInform := tree.LastInform()
	if hasInform {
		f.LastInform = &lastInform
	}

	switch kind {
	case models.ScanKindOffline:
		if !hasInform || !ClassifyOffline(lastInform, now, threshold) {
			return nil, nil
		}
		hours := OfflineHours(now.Sub(lastInform))
		f.OfflineHours = &hours
		f.Classification = models.ClassificationOffline
	default:
		var signal *float64
		if v, _, ok := tree.Signal(); ok {
			signal = &v
		}
		if !ClassifySignal(signal, threshold) {
			return nil, nil
		}
		f.Signal = signal
		f.Classification = models.ClassificationCritical
	}

	id := m.resolver.Resolve(tree, registry)
	f.Identity = id.Username
	f.IdentitySource = id.Source
	f.SerialNumber = identity.SerialNumber(tree)

	m.logger.Debug().
		Str("device", f.ShortID).
		Str("kind", string(kind)).
		Str("username", f.Identity).
		Msg("Device flagged")

	return &f, nil
}

func (m *Monitor) notify(ctx context.Context, result *models.ScanResult) {
	if m.deps.Sink == nil {
		m.logger.Warn().Str("scanID", result.ID).Msg("No notification sink configured, report dropped")
		return
	}

	message := FormatReport(result, m.timeFormat)
	err := m.deps.Sink.Send(ctx, message, PriorityFor(result.Kind))
	m.deps.Metrics.observeNotification(result.Kind, err)
	if err != nil {
		m.logger.Error().
			Err(err).
			Str("scanID", result.ID).
			Int("findings", len(result.Findings)).
			Msg("Failed to deliver scan report")
		return
	}
	result.Notified = true
	m.logger.Info().
		Str("scanID", result.ID).
		Int("findings", len(result.Findings)).
		Msg("Scan report delivered")
}

func (m *Monitor) fail(result *models.ScanResult, err error) *models.ScanResult {
	result.Success = false
	result.Error = err.Error()
	result.Message = fmt.Sprintf("%s scan failed: %v", result.Kind, err)
	m.logger.Error().
		Err(err).
		Str("scanID", result.ID).
		Str("kind", string(result.Kind)).
		Msg("Telemetry scan failed")
	return result
}

func (m *Monitor) finish(result *models.ScanResult) {
	result.FinishedAt = m.now()
	m.deps.Metrics.observeScan(result)

	m.logger.Info().
		Str("scanID", result.ID).
		Bool("success", result.Success).
		Int("scanned", result.Scanned).
		Int("failed", result.Failed).
		Int("findings", len(result.Findings)).
		Dur("duration", result.Duration()).
		Msg("Telemetry scan finished")

	if m.deps.Recorder == nil {
		return
	}
	if err := m.deps.Recorder.SaveScanRun(result); err != nil {
		m.logger.Error().Err(err).Str("scanID", result.ID).Msg("Failed to record scan run")
	}
}

// Inspect resolves the telemetry of a single device
func (m *Monitor) Inspect(ctx context.Context, deviceID string) (*models.DeviceTelemetry, error) {
	raw, err := m.findDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	tree, err := paramtree.New(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceProcessing, err)
	}

	var registry []models.RegistryEntry
	if m.deps.Registry != nil {
		registry, err = m.deps.Registry.ListEntries(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Registry unavailable, resolving identity without it")
			registry = nil
		}
	}

	id := tree.ID()
	if id == "" {
		id = deviceID
	}
	who := m.resolver.Resolve(tree, registry)
	t := &models.DeviceTelemetry{
		DeviceID:       id,
		ShortID:        identity.ShortID(id),
		SerialNumber:   identity.SerialNumber(tree),
		Identity:       who.Username,
		IdentitySource: who.Source,
		Tags:           tree.Tags(),
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if v, path, ok := tree.Signal(); ok {
		t.Signal = &v
		t.SignalPath = path.String()
	}
	if ts, ok := tree.LastInform(); ok {
		t.LastInform = &ts
	}
	return t, nil
}

func (m *Monitor) findDevice(ctx context.Context, deviceID string) (json.RawMessage, error) {
	if getter, ok := m.deps.Inventory.(DeviceGetter); ok {
		return getter.GetDevice(ctx, deviceID)
	}

	devices, err := m.deps.Inventory.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: device inventory: %w", ErrSourceUnavailable, err)
	}
	for _, raw := range devices {
		tree, err := paramtree.New(raw)
		if err != nil {
			continue
		}
		if tree.ID() == deviceID {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}
