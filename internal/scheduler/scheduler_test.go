package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-monitor/internal/models"
	"telemetry-monitor/internal/monitor"
)

type fakeScanner struct {
	mu      sync.Mutex
	calls   []monitor.ScanOptions
	block   chan struct{}
	started chan models.ScanKind
	count   atomic.Int32
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{started: make(chan models.ScanKind, 16)}
}

func (f *fakeScanner) RunScan(ctx context.Context, opts monitor.ScanOptions) *models.ScanResult {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	block := f.block
	f.mu.Unlock()

	f.count.Add(1)
	f.started <- opts.Kind

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return &models.ScanResult{Kind: opts.Kind, Error: ctx.Err().Error()}
		}
	}
	return &models.ScanResult{Kind: opts.Kind, Success: true, Message: "ok"}
}

type fakeMaintainer struct {
	optimized int
	cleaned   []int
	backups   []string
	cleanErr  error
}

func (f *fakeMaintainer) OptimizeDatabase() error {
	f.optimized++
	return nil
}

func (f *fakeMaintainer) CleanOldData(retentionDays int) (int, error) {
	f.cleaned = append(f.cleaned, retentionDays)
	return 3, f.cleanErr
}

func (f *fakeMaintainer) BackupDatabase(backupDir string) (string, error) {
	f.backups = append(f.backups, backupDir)
	return backupDir + "/backup.db", nil
}

func waitStarted(t *testing.T, f *fakeScanner) models.ScanKind {
	t.Helper()
	select {
	case kind := <-f.started:
		return kind
	case <-time.After(2 * time.Second):
		t.Fatal("scan did not start")
		return ""
	}
}

func TestTriggerRunsScan(t *testing.T) {
	scanner := newFakeScanner()
	s := New(scanner, nil, Options{})
	defer s.Stop()

	threshold := -25.0
	require.NoError(t, s.Trigger(context.Background(), monitor.ScanOptions{Kind: models.ScanKindOffline, Threshold: &threshold}))
	assert.Equal(t, models.ScanKindOffline, waitStarted(t, scanner))

	require.Eventually(t, func() bool {
		return s.Status().Kinds[models.ScanKindOffline].LastRun != nil
	}, 2*time.Second, 10*time.Millisecond)

	scanner.mu.Lock()
	defer scanner.mu.Unlock()
	require.Len(t, scanner.calls, 1)
	assert.Equal(t, -25.0, *scanner.calls[0].Threshold)
}

func TestTriggerDefaultsToSignal(t *testing.T) {
	scanner := newFakeScanner()
	s := New(scanner, nil, Options{})
	defer s.Stop()

	require.NoError(t, s.Trigger(context.Background(), monitor.ScanOptions{}))
	assert.Equal(t, models.ScanKindSignal, waitStarted(t, scanner))
}

func TestTriggerRejectsConcurrentScanOfSameKind(t *testing.T) {
	scanner := newFakeScanner()
	scanner.block = make(chan struct{})
	s := New(scanner, nil, Options{})

	require.NoError(t, s.Trigger(context.Background(), monitor.ScanOptions{Kind: models.ScanKindSignal}))
	waitStarted(t, scanner)

	err := s.Trigger(context.Background(), monitor.ScanOptions{Kind: models.ScanKindSignal})
	assert.ErrorIs(t, err, ErrScanInProgress)

	_, err = s.Run(context.Background(), monitor.ScanOptions{Kind: models.ScanKindSignal})
	assert.ErrorIs(t, err, ErrScanInProgress)
	assert.True(t, s.Status().Kinds[models.ScanKindSignal].Running)

	// A different kind is independent.
	require.NoError(t, s.Trigger(context.Background(), monitor.ScanOptions{Kind: models.ScanKindOffline}))
	waitStarted(t, scanner)

	close(scanner.block)
	require.Eventually(t, func() bool {
		return !s.Status().Kinds[models.ScanKindSignal].Running
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Trigger(context.Background(), monitor.ScanOptions{Kind: models.ScanKindSignal}))
	s.Stop()
}

func TestScansRefusedAfterStop(t *testing.T) {
	scanner := newFakeScanner()
	s := New(scanner, nil, Options{})
	s.Stop()

	err := s.Trigger(context.Background(), monitor.ScanOptions{Kind: models.ScanKindSignal})
	assert.ErrorIs(t, err, ErrStopped)

	_, err = s.Run(context.Background(), monitor.ScanOptions{Kind: models.ScanKindOffline})
	assert.ErrorIs(t, err, ErrStopped)

	s.scheduled(models.ScanKindSignal)
	assert.Equal(t, int32(0), scanner.count.Load())
	assert.False(t, s.Status().Kinds[models.ScanKindSignal].Running)
}

func TestTriggerRacingStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		scanner := newFakeScanner()
		s := New(scanner, nil, Options{})

		done := make(chan error, 1)
		go func() {
			done <- s.Trigger(context.Background(), monitor.ScanOptions{Kind: models.ScanKindSignal})
		}()
		s.Stop()

		if err := <-done; err == nil {
			// Accepted before Stop, so Stop must have waited for it.
			require.Equal(t, int32(1), scanner.count.Load())
			assert.False(t, s.Status().Kinds[models.ScanKindSignal].Running)
		} else {
			assert.ErrorIs(t, err, ErrStopped)
		}
	}
}

func TestTriggerOutlivesRequestContext(t *testing.T) {
	scanner := newFakeScanner()
	scanner.block = make(chan struct{})
	s := New(scanner, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Trigger(ctx, monitor.ScanOptions{Kind: models.ScanKindSignal}))
	waitStarted(t, scanner)
	cancel()
	time.Sleep(20 * time.Millisecond)
	assert.True(t, s.Status().Kinds[models.ScanKindSignal].Running)

	close(scanner.block)
	require.Eventually(t, func() bool {
		return s.Status().Kinds[models.ScanKindSignal].LastRun != nil
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	assert.True(t, s.Status().Kinds[models.ScanKindSignal].LastRun.Success)
}

func TestStopCancelsRunningScan(t *testing.T) {
	scanner := newFakeScanner()
	scanner.block = make(chan struct{})
	s := New(scanner, nil, Options{})

	require.NoError(t, s.Trigger(context.Background(), monitor.ScanOptions{Kind: models.ScanKindSignal}))
	waitStarted(t, scanner)

	s.Stop()

	last := s.Status().Kinds[models.ScanKindSignal].LastRun
	require.NotNil(t, last)
	assert.Equal(t, context.Canceled.Error(), last.Error)
}

func TestTriggerValidation(t *testing.T) {
	s := New(newFakeScanner(), nil, Options{})
	defer s.Stop()

	err := s.Trigger(context.Background(), monitor.ScanOptions{Kind: "temperature"})
	assert.ErrorIs(t, err, monitor.ErrInvalidScanKind)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Trigger(ctx, monitor.ScanOptions{}), context.Canceled)
}

func TestRunIsSynchronous(t *testing.T) {
	scanner := newFakeScanner()
	s := New(scanner, nil, Options{})
	defer s.Stop()

	result, err := s.Run(context.Background(), monitor.ScanOptions{Kind: models.ScanKindOffline})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, models.ScanKindOffline, result.Kind)
	assert.Same(t, result, s.Status().Kinds[models.ScanKindOffline].LastRun)
}

func TestStartSchedulesEntries(t *testing.T) {
	scanner := newFakeScanner()
	maint := &fakeMaintainer{}
	s := New(scanner, maint, Options{
		SignalInterval:  time.Hour,
		OfflineInterval: 6 * time.Hour,
		Maintenance: Maintenance{
			Schedule: "0 2 * * *",
			Optimize: true,
		},
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Error(t, s.Start())

	st := s.Status()
	assert.True(t, st.Started)
	assert.Equal(t, "1h0m0s", st.Kinds[models.ScanKindSignal].Interval)
	assert.Equal(t, "6h0m0s", st.Kinds[models.ScanKindOffline].Interval)

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.Kinds[models.ScanKindSignal].NextRun != nil && st.NextMaintenance != nil
	}, 2*time.Second, 10*time.Millisecond)

	next := s.Status().Kinds[models.ScanKindSignal].NextRun
	assert.WithinDuration(t, time.Now().Add(time.Hour), *next, time.Minute)
	assert.Equal(t, int32(0), scanner.count.Load())
}

func TestStartRunOnStart(t *testing.T) {
	scanner := newFakeScanner()
	s := New(scanner, nil, Options{SignalInterval: time.Hour, RunOnStart: true})
	require.NoError(t, s.Start())

	assert.Equal(t, models.ScanKindSignal, waitStarted(t, scanner))
	s.Stop()
	assert.Equal(t, int32(1), scanner.count.Load())
}

func TestStartDisabledIntervals(t *testing.T) {
	s := New(newFakeScanner(), nil, Options{})
	require.NoError(t, s.Start())
	defer s.Stop()

	st := s.Status()
	assert.Nil(t, st.Kinds[models.ScanKindSignal].NextRun)
	assert.Empty(t, st.Kinds[models.ScanKindOffline].Interval)
	assert.Nil(t, st.NextMaintenance)
}

func TestStartInvalidMaintenanceSchedule(t *testing.T) {
	s := New(newFakeScanner(), &fakeMaintainer{}, Options{
		Maintenance: Maintenance{Schedule: "every tuesday", Optimize: true},
	})
	defer s.Stop()

	err := s.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "every tuesday")
}

func TestRunMaintenance(t *testing.T) {
	maint := &fakeMaintainer{cleanErr: errors.New("disk I/O error")}
	s := New(newFakeScanner(), maint, Options{
		Maintenance: Maintenance{
			Optimize:      true,
			Cleanup:       true,
			RetentionDays: 30,
			Backup:        true,
			BackupDir:     "/var/backups/telemetry",
		},
	})
	defer s.Stop()

	s.RunMaintenance()

	assert.Equal(t, 1, maint.optimized)
	assert.Equal(t, []int{30}, maint.cleaned)
	assert.Equal(t, []string{"/var/backups/telemetry"}, maint.backups)
	assert.NotNil(t, s.Status().LastMaintenance)
}

func TestRunMaintenanceSkipsDisabledTasks(t *testing.T) {
	maint := &fakeMaintainer{}
	s := New(newFakeScanner(), maint, Options{
		Maintenance: Maintenance{Cleanup: true},
	})
	defer s.Stop()

	s.RunMaintenance()

	assert.Zero(t, maint.optimized)
	assert.Empty(t, maint.cleaned)
	assert.Empty(t, maint.backups)
}
