package api

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"telemetry-monitor/internal/models"
	"telemetry-monitor/internal/scheduler"
)

// createTestRuns stores count scan runs spaced one hour apart, newest first
func createTestRuns(t *testing.T, env *testEnv, count int) []string {
	t.Helper()

	var ids []string
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < count; i++ {
		kind := models.ScanKindSignal
		if i%2 == 1 {
			kind = models.ScanKindOffline
		}
		signal := -30.0 - float64(i)
		result := &models.ScanResult{
			ID:         fmt.Sprintf("run-%d", i),
			Kind:       kind,
			Threshold:  -27,
			Success:    true,
			Scanned:    10 + i,
			Evaluated:  10 + i,
			Message:    "1 device(s) flagged",
			StartedAt:  base.Add(-time.Duration(i) * time.Hour),
			FinishedAt: base.Add(-time.Duration(i)*time.Hour + time.Second),
			Findings: []models.Finding{{
				Position:       1,
				DeviceID:       "00259E-HG8245H-AAA1",
				ShortID:        "AAA1",
				SerialNumber:   "HWTC0001",
				Identity:       "alice",
				IdentitySource: models.IdentityFromDevice,
				Signal:         &signal,
				Classification: models.ClassificationCritical,
			}},
		}
		if err := env.db.SaveScanRun(result); err != nil {
			t.Fatalf("Failed to save test run: %v", err)
		}
		ids = append(ids, result.ID)
	}
	return ids
}

func TestStartScan(t *testing.T) {
	env := setupTestEnvironment(t)

	rr := env.do(t, "POST", "/api/monitor/scans", `{"kind":"offline","threshold":48}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var response map[string]interface{}
	decode(t, rr, &response)
	if response["kind"] != "offline" {
		t.Errorf("Expected kind offline, got %v", response["kind"])
	}
	if response["threshold"] != float64(48) {
		t.Errorf("Expected threshold 48, got %v", response["threshold"])
	}

	if len(env.scans.calls) != 1 {
		t.Fatalf("Expected 1 trigger, got %d", len(env.scans.calls))
	}
	call := env.scans.calls[0]
	if call.Kind != models.ScanKindOffline || call.Threshold == nil || *call.Threshold != 48 {
		t.Errorf("Unexpected scan options: %+v", call)
	}
}

func TestStartScanWithoutBody(t *testing.T) {
	env := setupTestEnvironment(t)

	rr := env.do(t, "POST", "/api/monitor/scans", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rr.Code)
	}
	if got := env.scans.calls[0]; got.Kind != models.ScanKindSignal || got.Threshold != nil {
		t.Errorf("Expected default signal scan, got %+v", got)
	}
}

func TestStartScanValidation(t *testing.T) {
	env := setupTestEnvironment(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"kind":`},
		{"unknown kind", `{"kind":"temperature"}`},
		{"positive signal threshold", `{"kind":"signal","threshold":3}`},
		{"zero offline hours", `{"kind":"offline","threshold":0}`},
		{"out of range threshold", `{"kind":"offline","threshold":1e400}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, "POST", "/api/monitor/scans", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rr.Code)
			}
		})
	}
	if len(env.scans.calls) != 0 {
		t.Errorf("Expected no triggered scans, got %d", len(env.scans.calls))
	}
}

func TestStartScanConflict(t *testing.T) {
	env := setupTestEnvironment(t)
	env.scans.err = scheduler.ErrScanInProgress

	rr := env.do(t, "POST", "/api/monitor/scans", `{"kind":"signal"}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", rr.Code)
	}

	env.scans.err = scheduler.ErrStopped
	rr = env.do(t, "POST", "/api/monitor/scans", `{"kind":"signal"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after shutdown, got %d", rr.Code)
	}
}

func TestGetMonitorStatus(t *testing.T) {
	env := setupTestEnvironment(t)
	env.scans.status = scheduler.Status{
		Started: true,
		Kinds: map[models.ScanKind]scheduler.KindStatus{
			models.ScanKindSignal: {Running: true, Interval: "1h0m0s"},
		},
	}

	rr := env.do(t, "GET", "/api/monitor/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}

	var status scheduler.Status
	decode(t, rr, &status)
	if !status.Started || !status.Kinds[models.ScanKindSignal].Running {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestGetRuns(t *testing.T) {
	env := setupTestEnvironment(t)
	createTestRuns(t, env, 5)

	rr := env.do(t, "GET", "/api/monitor/runs?limit=3", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	var runs []models.ScanRun
	decode(t, rr, &runs)
	if len(runs) != 3 {
		t.Fatalf("Expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-0" {
		t.Errorf("Expected newest run first, got %s", runs[0].ID)
	}

	rr = env.do(t, "GET", "/api/monitor/runs?kind=offline", "")
	decode(t, rr, &runs)
	if len(runs) != 2 {
		t.Errorf("Expected 2 offline runs, got %d", len(runs))
	}
	for _, run := range runs {
		if run.Kind != models.ScanKindOffline {
			t.Errorf("Expected only offline runs, got %s", run.Kind)
		}
	}

	rr = env.do(t, "GET", "/api/monitor/runs?kind=bogus", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bogus kind, got %d", rr.Code)
	}
}

func TestGetRunsEmpty(t *testing.T) {
	env := setupTestEnvironment(t)

	rr := env.do(t, "GET", "/api/monitor/runs", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if body := rr.Body.String(); body != "[]\n" {
		t.Errorf("Expected empty JSON array, got %q", body)
	}
}

func TestGetRun(t *testing.T) {
	env := setupTestEnvironment(t)
	ids := createTestRuns(t, env, 2)

	rr := env.do(t, "GET", "/api/monitor/runs/"+ids[1], "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}

	var run models.ScanRunDetails
	decode(t, rr, &run)
	if run.ID != ids[1] || run.Kind != models.ScanKindOffline {
		t.Errorf("Unexpected run: %+v", run.ScanRun)
	}
	if len(run.Findings) != 1 || run.Findings[0].Identity != "alice" {
		t.Errorf("Unexpected findings: %+v", run.Findings)
	}

	rr = env.do(t, "GET", "/api/monitor/runs/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rr.Code)
	}
}
