// Package models defines the data structures shared across the telemetry monitor.
// It contains the scan findings and results produced by the monitor, the
// secondary registry entries used for identity fallback, persisted scan runs,
// settings and notifications.
package models

import "time"

// ScanKind identifies which health predicate a scan evaluates
type ScanKind string

const (
	// ScanKindSignal flags devices whose RX power is below the threshold
	ScanKindSignal ScanKind = "signal"
	// ScanKindOffline flags devices that have not informed within the threshold
	ScanKindOffline ScanKind = "offline"
)

// Valid reports whether k is a known scan kind
func (k ScanKind) Valid() bool {
	return k == ScanKindSignal || k == ScanKindOffline
}

// Priority is the urgency attached to a dispatched notification
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Classification is the health state assigned to a device
type Classification string

const (
	ClassificationHealthy  Classification = "healthy"
	ClassificationCritical Classification = "critical"
	ClassificationOffline  Classification = "offline"
)

// IdentitySource records which resolution step produced a username
type IdentitySource string

const (
	IdentityFromDevice   IdentitySource = "device"
	IdentityFromVirtual  IdentitySource = "virtual"
	IdentityFromRegistry IdentitySource = "registry"
	IdentityFromTag      IdentitySource = "tag"
	IdentityUnknown      IdentitySource = "unknown"
)

// RegistryEntry is one record of the secondary naming registry (e.g. a PPPoE secret)
type RegistryEntry struct {
	Name    string `json:"name"`
	Comment string `json:"comment"`
}

// Finding describes one device that met a critical or offline condition
type Finding struct {
	Position       int            `json:"position"`
	DeviceID       string         `json:"deviceId"`
	ShortID        string         `json:"shortId"`
	SerialNumber   string         `json:"serialNumber"`
	Identity       string         `json:"identity"`
	IdentitySource IdentitySource `json:"identitySource"`
	Signal         *float64       `json:"signal,omitempty"`
	Classification Classification `json:"classification"`
	LastInform     *time.Time     `json:"lastInform,omitempty"`
	OfflineHours   *float64       `json:"offlineHours,omitempty"`
}

// ScanResult is produced by one full pass over the device inventory
type ScanResult struct {
	ID         string    `json:"id"`
	Kind       ScanKind  `json:"kind"`
	Threshold  float64   `json:"threshold"`
	Success    bool      `json:"success"`
	Findings   []Finding `json:"findings"`
	Scanned    int       `json:"scanned"`
	Evaluated  int       `json:"evaluated"`
	Failed     int       `json:"failed"`
	Notified   bool      `json:"notified"`
	Message    string    `json:"message"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Duration returns how long the scan took
func (r *ScanResult) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ScanRun is the persisted summary of a ScanResult
type ScanRun struct {
	ID            string    `json:"id"`
	Kind          ScanKind  `json:"kind"`
	Threshold     float64   `json:"threshold"`
	Success       bool      `json:"success"`
	Scanned       int       `json:"scanned"`
	Evaluated     int       `json:"evaluated"`
	Failed        int       `json:"failed"`
	FindingsCount int       `json:"findingsCount"`
	Notified      bool      `json:"notified"`
	Message       string    `json:"message"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
}

// ScanRunDetails is a scan run with its findings
type ScanRunDetails struct {
	ScanRun
	Findings []Finding `json:"findings"`
}

// DeviceTelemetry is the resolved view of a single device, used for diagnostics
type DeviceTelemetry struct {
	DeviceID       string         `json:"deviceId"`
	ShortID        string         `json:"shortId"`
	SerialNumber   string         `json:"serialNumber"`
	Identity       string         `json:"identity"`
	IdentitySource IdentitySource `json:"identitySource"`
	Signal         *float64       `json:"signal,omitempty"`
	SignalPath     string         `json:"signalPath,omitempty"`
	LastInform     *time.Time     `json:"lastInform,omitempty"`
	Tags           []string       `json:"tags"`
}

// Setting represents a key/value entry of the configuration table
type Setting struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// Notification represents an alert recorded by the store sink
type Notification struct {
	ID        int64     `json:"id"`
	Level     Priority  `json:"level"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	Timestamp time.Time `json:"timestamp"`
}
