// Package scheduler runs the telemetry scans on their intervals and the
// database maintenance on its cron schedule. A scan kind never runs twice at
// the same time: scheduled runs are skipped and manual triggers are refused
// while one is in progress.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telemetry-monitor/internal/models"
	"telemetry-monitor/internal/monitor"
)

var (
	// ErrScanInProgress is returned when a scan of the same kind is already running
	ErrScanInProgress = errors.New("a scan is already in progress")
	// ErrStopped is returned for scans requested after Stop
	ErrStopped = errors.New("scheduler stopped")
)

// Scanner runs one scan
type Scanner interface {
	RunScan(ctx context.Context, opts monitor.ScanOptions) *models.ScanResult
}

// Maintainer is the database maintenance surface
type Maintainer interface {
	OptimizeDatabase() error
	CleanOldData(retentionDays int) (int, error)
	BackupDatabase(backupDir string) (string, error)
}

// Maintenance selects the maintenance tasks
type Maintenance struct {
	Schedule      string
	Optimize      bool
	Cleanup       bool
	RetentionDays int
	Backup        bool
	BackupDir     string
}

// Options configure the service. A zero interval disables that scan kind.
type Options struct {
	SignalInterval  time.Duration
	OfflineInterval time.Duration
	RunOnStart      bool
	Maintenance     Maintenance
}

// KindStatus is the state of one scan kind
type KindStatus struct {
	Running  bool               `json:"running"`
	Interval string             `json:"interval,omitempty"`
	NextRun  *time.Time         `json:"nextRun,omitempty"`
	LastRun  *models.ScanResult `json:"lastRun,omitempty"`
}

// Status is a snapshot of the scheduler
type Status struct {
	Started         bool                           `json:"started"`
	Kinds           map[models.ScanKind]KindStatus `json:"kinds"`
	NextMaintenance *time.Time                     `json:"nextMaintenance,omitempty"`
	LastMaintenance *time.Time                     `json:"lastMaintenance,omitempty"`
}

// Service owns the cron entries and the per-kind running flags
type Service struct {
	scanner Scanner
	maint   Maintainer
	opts    Options
	logger  zerolog.Logger

	cron    *cron.Cron
	entries map[models.ScanKind]cron.EntryID
	maintID cron.EntryID

	mu              sync.Mutex
	started         bool
	running         map[models.ScanKind]bool
	last            map[models.ScanKind]*models.ScanResult
	lastMaintenance time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. maint may be nil when no database is configured.
func New(scanner Scanner, maint Maintainer, opts Options) *Service {
	logger := log.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		scanner: scanner,
		maint:   maint,
		opts:    opts,
		logger:  logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries: make(map[models.ScanKind]cron.EntryID),
		running: make(map[models.ScanKind]bool),
		last:    make(map[models.ScanKind]*models.ScanResult),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start registers the cron entries and starts the scheduler
func (s *Service) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info().Msg("Starting scheduler")

	intervals := map[models.ScanKind]time.Duration{
		models.ScanKindSignal:  s.opts.SignalInterval,
		models.ScanKindOffline: s.opts.OfflineInterval,
	}
	for _, kind := range []models.ScanKind{models.ScanKindSignal, models.ScanKindOffline} {
		interval := intervals[kind]
		if interval <= 0 {
			s.logger.Info().Str("kind", string(kind)).Msg("Scan interval not set, scheduled scans disabled")
			continue
		}

		id, err := s.cron.AddFunc("@every "+interval.String(), func() { s.scheduled(kind) })
		if err != nil {
			return fmt.Errorf("failed to schedule %s scan: %w", kind, err)
		}
		s.entries[kind] = id
		s.logger.Info().Str("kind", string(kind)).Str("interval", interval.String()).Msg("Scan scheduled")
	}

	if m := s.opts.Maintenance; s.maint != nil && m.Schedule != "" && (m.Optimize || m.Cleanup || m.Backup) {
		id, err := s.cron.AddFunc(m.Schedule, s.RunMaintenance)
		if err != nil {
			return fmt.Errorf("invalid maintenance schedule %q: %w", m.Schedule, err)
		}
		s.maintID = id
		s.logger.Info().Str("schedule", m.Schedule).Msg("Maintenance scheduled")
	}

	s.cron.Start()

	if s.opts.RunOnStart {
		for kind := range s.entries {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.scheduled(kind)
			}()
		}
	}

	return nil
}

// Stop cancels running scans and waits for them to return
func (s *Service) Stop() {
	s.logger.Info().Msg("Stopping scheduler")

	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.wg.Wait()

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

// Trigger starts a scan in the background. The scan outlives ctx but is
// canceled by Stop.
func (s *Service) Trigger(ctx context.Context, opts monitor.ScanOptions) error {
	if opts.Kind == "" {
		opts.Kind = models.ScanKindSignal
	}
	if !opts.Kind.Valid() {
		return fmt.Errorf("%w: %q", monitor.ErrInvalidScanKind, opts.Kind)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.acquire(opts.Kind, true); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.ctx, cancel)

	s.logger.Info().Str("kind", string(opts.Kind)).Msg("Manual scan triggered")

	go func() {
		defer s.wg.Done()
		defer stop()
		defer cancel()
		s.run(runCtx, opts)
	}()
	return nil
}

// Run performs a scan synchronously, sharing the running flag with Trigger
func (s *Service) Run(ctx context.Context, opts monitor.ScanOptions) (*models.ScanResult, error) {
	if opts.Kind == "" {
		opts.Kind = models.ScanKindSignal
	}
	if !opts.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", monitor.ErrInvalidScanKind, opts.Kind)
	}
	if err := s.acquire(opts.Kind, false); err != nil {
		return nil, err
	}
	return s.run(ctx, opts), nil
}

// scheduled is the cron job body of one scan kind
func (s *Service) scheduled(kind models.ScanKind) {
	if err := s.acquire(kind, false); err != nil {
		if errors.Is(err, ErrScanInProgress) {
			s.logger.Warn().Str("kind", string(kind)).Msg("Previous scan still running, skipping scheduled scan")
		}
		return
	}
	s.run(s.ctx, monitor.ScanOptions{Kind: kind})
}

// run executes a scan whose running flag is already held
func (s *Service) run(ctx context.Context, opts monitor.ScanOptions) *models.ScanResult {
	defer s.release(opts.Kind)

	result := s.scanner.RunScan(ctx, opts)

	s.mu.Lock()
	s.last[opts.Kind] = result
	s.mu.Unlock()

	return result
}

// acquire marks kind as running. With track set it also adds the caller's
// goroutine to wg, under the lock Stop takes before waiting.
func (s *Service) acquire(kind models.ScanKind, track bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return ErrStopped
	}
	if s.running[kind] {
		return ErrScanInProgress
	}
	s.running[kind] = true
	if track {
		s.wg.Add(1)
	}
	return nil
}

func (s *Service) release(kind models.ScanKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[kind] = false
}

// RunMaintenance optimizes, cleans and backs up the database as configured
func (s *Service) RunMaintenance() {
	if s.maint == nil {
		return
	}
	m := s.opts.Maintenance
	start := time.Now()
	s.logger.Info().Msg("Running database maintenance")

	if m.Optimize {
		if err := s.maint.OptimizeDatabase(); err != nil {
			s.logger.Error().Err(err).Msg("Database optimization failed")
		}
	}

	if m.Cleanup && m.RetentionDays > 0 {
		deleted, err := s.maint.CleanOldData(m.RetentionDays)
		if err != nil {
			s.logger.Error().Err(err).Msg("Old data cleanup failed")
		} else {
			s.logger.Info().Int("deleted", deleted).Int("retentionDays", m.RetentionDays).Msg("Old data cleaned")
		}
	}

	if m.Backup {
		path, err := s.maint.BackupDatabase(m.BackupDir)
		if err != nil {
			s.logger.Error().Err(err).Msg("Database backup failed")
		} else {
			s.logger.Info().Str("path", path).Msg("Database backed up")
		}
	}

	s.mu.Lock()
	s.lastMaintenance = time.Now()
	s.mu.Unlock()

	s.logger.Info().Dur("duration", time.Since(start)).Msg("Database maintenance finished")
}

// Status returns a snapshot of the scheduler
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Started: s.started,
		Kinds:   make(map[models.ScanKind]KindStatus, 2),
	}

	intervals := map[models.ScanKind]time.Duration{
		models.ScanKindSignal:  s.opts.SignalInterval,
		models.ScanKindOffline: s.opts.OfflineInterval,
	}
	for _, kind := range []models.ScanKind{models.ScanKindSignal, models.ScanKindOffline} {
		ks := KindStatus{
			Running: s.running[kind],
			LastRun: s.last[kind],
		}
		if interval := intervals[kind]; interval > 0 {
			ks.Interval = interval.String()
		}
		if id, ok := s.entries[kind]; ok && s.started {
			ks.NextRun = nextRun(s.cron.Entry(id))
		}
		st.Kinds[kind] = ks
	}

	if s.maintID != 0 && s.started {
		st.NextMaintenance = nextRun(s.cron.Entry(s.maintID))
	}
	if !s.lastMaintenance.IsZero() {
		t := s.lastMaintenance
		st.LastMaintenance = &t
	}

	return st
}

func nextRun(e cron.Entry) *time.Time {
	if e.Next.IsZero() {
		return nil
	}
	t := e.Next
	return &t
}

// cronLogger routes the cron library's logs through zerolog
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	addFields(l.logger.Debug(), keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	addFields(l.logger.Error().Err(err), keysAndValues).Msg(msg)
}

func addFields(e *zerolog.Event, keysAndValues []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		e = e.Interface(key, keysAndValues[i+1])
	}
	return e
}
