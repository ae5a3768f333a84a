package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"telemetry-monitor/internal/config"
	"telemetry-monitor/internal/models"
)

// fakeACS serves a fixed inventory the way the GenieACS NBI does
func fakeACS(t *testing.T, devices ...string) *httptest.Server {
	t.Helper()

	docs := make(map[string]json.RawMessage)
	var all []json.RawMessage
	for _, d := range devices {
		var head struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal([]byte(d), &head); err != nil {
			t.Fatalf("Invalid device fixture: %v", err)
		}
		docs[head.ID] = json.RawMessage(d)
		all = append(all, json.RawMessage(d))
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/devices/" {
			http.NotFound(w, r)
			return
		}
		out := all
		if q := r.URL.Query().Get("query"); q != "" {
			var query map[string]interface{}
			if err := json.Unmarshal([]byte(q), &query); err != nil {
				http.Error(w, "bad query", http.StatusBadRequest)
				return
			}
			if id, ok := query["_id"].(string); ok {
				out = nil
				if d, ok := docs[id]; ok {
					out = []json.RawMessage{d}
				}
			}
		}
		if out == nil {
			out = []json.RawMessage{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// fakeGateway records WhatsApp gateway deliveries
type fakeGateway struct {
	*httptest.Server
	mu       sync.Mutex
	messages []map[string]string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{}
	g.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg map[string]string
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		g.mu.Lock()
		g.messages = append(g.messages, msg)
		g.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(g.Close)
	return g
}

func (g *fakeGateway) received() []map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]map[string]string(nil), g.messages...)
}

func loadTestConfig(t *testing.T, acsURL, gatewayURL string) *config.Config {
	t.Helper()

	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")
	content := `
server:
  port: 18080
  host: "127.0.0.1"

genieacs:
  url: "` + acsURL + `"
  username: "acs"
  password: "secret"
  timeout: "5s"
  cacheTTL: "1m"

monitor:
  signalThreshold: -27
  offlineHoursThreshold: 24
  enableScheduler: false
  concurrency: 4

notifier:
  storeNotifications: true
  whatsapp:
    enabled: true
    gatewayURL: "` + gatewayURL + `"
    technicians: ["6281100000001"]

database:
  path: "` + filepath.Join(tempDir, "data", "telemetry.db") + `"

logging:
  level: "debug"

advanced:
  metricsEnabled: true
  metricsEndpoint: "/metrics"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg := config.New()
	if err := cfg.LoadConfig(configPath); err != nil {
		t.Fatalf("Failed to load test config: %v", err)
	}
	return cfg
}

func startTestApplication(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()

	app, err := newApplication(cfg)
	if err != nil {
		t.Fatalf("Failed to initialize application: %v", err)
	}
	t.Cleanup(func() {
		app.scheduler.Stop()
		app.Close()
	})

	srv := httptest.NewServer(app.handler)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("Failed to decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestSignalScanEndToEnd(t *testing.T) {
	recent := time.Now().Add(-10 * time.Minute).UTC().Format(time.RFC3339)
	acs := fakeACS(t,
		`{"_id":"00259E-HG8245H-WEAK01","_lastInform":"`+recent+`",
		  "VirtualParameters":{"RXPower":{"_value":"-29.5"}},
		  "DeviceID":{"SerialNumber":{"_value":"HWTC00000001"}},
		  "InternetGatewayDevice":{"WANDevice":{"1":{"WANConnectionDevice":{"1":{"WANPPPConnection":{"1":{"Username":{"_value":"alice"}}}}}}}}}`,
		`{"_id":"00259E-HG8245H-GOOD02","_lastInform":"`+recent+`",
		  "VirtualParameters":{"RXPower":{"_value":"-19.1"}}}`,
		`{"_id":"00259E-HG8245H-NONE03","_lastInform":"`+recent+`"}`,
	)
	gateway := newFakeGateway(t)
	srv := startTestApplication(t, loadTestConfig(t, acs.URL, gateway.URL))

	resp, err := http.Post(srv.URL+"/api/monitor/scans", "application/json", strings.NewReader(`{"kind":"signal"}`))
	if err != nil {
		t.Fatalf("Failed to start scan: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}

	var runs []models.ScanRun
	deadline := time.Now().Add(5 * time.Second)
	for {
		getJSON(t, srv.URL+"/api/monitor/runs", &runs)
		if len(runs) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the scan run")
		}
		time.Sleep(50 * time.Millisecond)
	}

	run := runs[0]
	if !run.Success || run.Scanned != 3 || run.FindingsCount != 1 || !run.Notified {
		t.Fatalf("Unexpected run: %+v", run)
	}

	var details models.ScanRunDetails
	if code := getJSON(t, srv.URL+"/api/monitor/runs/"+run.ID, &details); code != http.StatusOK {
		t.Fatalf("Expected 200 for run details, got %d", code)
	}
	f := details.Findings[0]
	if f.DeviceID != "00259E-HG8245H-WEAK01" || f.Identity != "alice" || f.SerialNumber != "HWTC00000001" {
		t.Errorf("Unexpected finding: %+v", f)
	}

	messages := gateway.received()
	if len(messages) != 1 {
		t.Fatalf("Expected 1 gateway delivery, got %d", len(messages))
	}
	if messages[0]["to"] != "6281100000001" || messages[0]["priority"] != "high" {
		t.Errorf("Unexpected delivery: %v", messages[0])
	}
	if !strings.Contains(messages[0]["message"], "alice") || !strings.Contains(messages[0]["message"], "-29.5") {
		t.Errorf("Report is missing the finding: %s", messages[0]["message"])
	}

	var notes []models.Notification
	getJSON(t, srv.URL+"/api/notifications", &notes)
	if len(notes) != 1 || notes[0].Level != models.PriorityHigh {
		t.Errorf("Expected one stored high priority notification, got %+v", notes)
	}

	metrics, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to fetch metrics: %v", err)
	}
	defer metrics.Body.Close()
	body, _ := io.ReadAll(metrics.Body)
	if !strings.Contains(string(body), `telemetry_scans_total{kind="signal",outcome="success"} 1`) {
		t.Errorf("Expected scan counter in metrics output")
	}
}

func TestDeviceTelemetryEndpoint(t *testing.T) {
	acs := fakeACS(t, `{"_id":"00259E-HG8245H-WEAK01","VirtualParameters":{"RXPower":{"_value":"-29.5"}}}`)
	gateway := newFakeGateway(t)
	srv := startTestApplication(t, loadTestConfig(t, acs.URL, gateway.URL))

	var telemetry models.DeviceTelemetry
	if code := getJSON(t, srv.URL+"/api/devices/00259E-HG8245H-WEAK01/telemetry", &telemetry); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if telemetry.Signal == nil || *telemetry.Signal != -29.5 {
		t.Errorf("Expected signal -29.5, got %v", telemetry.Signal)
	}
	if telemetry.ShortID != "WEAK01" {
		t.Errorf("Expected short id WEAK01, got %s", telemetry.ShortID)
	}

	if code := getJSON(t, srv.URL+"/api/devices/missing/telemetry", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown device, got %d", code)
	}
}

func TestNewApplicationRejectsBadACSURL(t *testing.T) {
	gateway := newFakeGateway(t)
	cfg := loadTestConfig(t, "http://127.0.0.1:7557", gateway.URL)
	cfg.GenieACS.URL = "not a url"

	if _, err := newApplication(cfg); err == nil {
		t.Fatal("Expected an error for an invalid ACS URL")
	}
}

func TestSetupLogging(t *testing.T) {
	setupLogging("warn", "json")
	if got := zerolog.GlobalLevel().String(); got != "warn" {
		t.Errorf("Expected warn level, got %s", got)
	}
	setupLogging("bogus", "console")
	if got := zerolog.GlobalLevel().String(); got != "info" {
		t.Errorf("Expected fallback to info, got %s", got)
	}
}
