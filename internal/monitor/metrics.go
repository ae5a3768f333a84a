package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"telemetry-monitor/internal/models"
)

const namespace = "telemetry"

// Metrics holds the Prometheus collectors updated by the monitor. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	scans         *prometheus.CounterVec
	findings      *prometheus.GaugeVec
	devices       *prometheus.GaugeVec
	deviceErrors  *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	notifications *prometheus.CounterVec
}

// NewMetrics creates the monitor collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Number of completed scans by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		findings: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "findings",
				Help:      "Devices flagged by the last scan of each kind",
			},
			[]string{"kind"},
		),
		devices: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devices_scanned",
				Help:      "Devices returned by the inventory in the last scan of each kind",
			},
			[]string{"kind"},
		),
		deviceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_errors_total",
				Help:      "Devices skipped because they could not be processed",
			},
			[]string{"kind"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_seconds",
				Help:      "Wall time of a scan",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"kind"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Scan reports handed to the notification sink",
			},
			[]string{"kind", "outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.scans, m.findings, m.devices, m.deviceErrors, m.duration, m.notifications)
	}
	return m
}

func (m *Metrics) observeScan(result *models.ScanResult) {
	if m == nil {
		return
	}
	kind := string(result.Kind)
	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	m.scans.WithLabelValues(kind, outcome).Inc()
	m.duration.WithLabelValues(kind).Observe(result.Duration().Seconds())
	if result.Success {
		m.findings.WithLabelValues(kind).Set(float64(len(result.Findings)))
		m.devices.WithLabelValues(kind).Set(float64(result.Scanned))
	}
	if result.Failed > 0 {
		m.deviceErrors.WithLabelValues(kind).Add(float64(result.Failed))
	}
}

func (m *Metrics) observeNotification(kind models.ScanKind, err error) {
	if m == nil {
		return
	}
	outcome := "delivered"
	if err != nil {
		outcome = "failed"
	}
	m.notifications.WithLabelValues(string(kind), outcome).Inc()
}
