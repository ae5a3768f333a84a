// Command telemetryd is the ACS telemetry monitor daemon. It periodically scans
// the GenieACS device inventory for ONTs with weak optical signal or no recent
// inform, notifies technicians, and serves a REST API for status, manual scans
// and device diagnostics. It handles graceful shutdown when terminated.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telemetry-monitor/internal/api"
	"telemetry-monitor/internal/config"
	"telemetry-monitor/internal/database"
	"telemetry-monitor/internal/genieacs"
	"telemetry-monitor/internal/mikrotik"
	"telemetry-monitor/internal/monitor"
	"telemetry-monitor/internal/notifier"
	"telemetry-monitor/internal/scheduler"
	"telemetry-monitor/internal/settings"
)

const version = "1.0.0"

// Global variables for command line flags
var logLevelFlag string

// parseFlags parses command line flags and returns the config path
func parseFlags() string {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.StringVar(&logLevelFlag, "log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()
	return *configPath
}

// setupLogging configures the global logger
func setupLogging(level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// application holds the wired components of the daemon
type application struct {
	cfg       *config.Config
	db        *database.DB
	cache     *genieacs.CachedSource
	monitor   *monitor.Monitor
	scheduler *scheduler.Service
	handler   http.Handler
	closers   []func()
}

// newApplication wires every component from the configuration
func newApplication(cfg *config.Config) (*application, error) {
	app := &application{cfg: cfg}

	log.Info().Str("path", cfg.Database.Path).Msg("Initializing database")
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db
	app.closers = append(app.closers, func() { db.Close() })

	timeout, err := cfg.GetACSTimeout()
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("invalid genieacs timeout: %w", err)
	}
	client, err := genieacs.NewClient(genieacs.ClientOptions{
		URL:      cfg.GenieACS.URL,
		Username: cfg.GenieACS.Username,
		Password: cfg.GenieACS.Password,
		Timeout:  timeout,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	ttl, err := cfg.GetCacheTTL()
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("invalid genieacs cacheTTL: %w", err)
	}
	app.cache = genieacs.NewCachedSource(client, ttl)

	var registry monitor.RegistrySource
	if cfg.Mikrotik.Enabled {
		routerTimeout, err := cfg.GetMikrotikTimeout()
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("invalid mikrotik timeout: %w", err)
		}
		log.Info().Str("address", cfg.MikrotikAddress()).Msg("Using RouterOS PPPoE secrets as identity registry")
		registry = mikrotik.NewSecretSource(mikrotik.Options{
			Address:  cfg.MikrotikAddress(),
			Username: cfg.Mikrotik.Username,
			Password: cfg.Mikrotik.Password,
			Timeout:  routerTimeout,
		})
	}

	sink, err := app.buildSinks()
	if err != nil {
		app.Close()
		return nil, err
	}

	var (
		metrics      *monitor.Metrics
		promRegistry *prometheus.Registry
	)
	if cfg.Advanced.MetricsEnabled {
		promRegistry = prometheus.NewRegistry()
		promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = monitor.NewMetrics(promRegistry)
	}

	provider := settings.New(db, settings.Defaults{
		SignalThreshold:       cfg.Monitor.SignalThreshold,
		OfflineHoursThreshold: cfg.Monitor.OfflineHoursThreshold,
	})

	app.monitor = monitor.New(monitor.Deps{
		Inventory: app.cache,
		Registry:  registry,
		Sink:      sink,
		Settings:  provider,
		Recorder:  db,
		Metrics:   metrics,
	}, monitor.Options{
		Concurrency: cfg.Monitor.Concurrency,
		TagPrefix:   cfg.Monitor.IdentityTagPrefix,
		TimeFormat:  cfg.Monitor.TimeFormat,
	})

	signalInterval, err := cfg.GetSignalInterval()
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("invalid signal interval: %w", err)
	}
	offlineInterval, err := cfg.GetOfflineInterval()
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("invalid offline interval: %w", err)
	}
	app.scheduler = scheduler.New(app.monitor, db, scheduler.Options{
		SignalInterval:  signalInterval,
		OfflineInterval: offlineInterval,
		RunOnStart:      true,
		Maintenance: scheduler.Maintenance{
			Schedule:      cfg.Maintenance.Schedule,
			Optimize:      cfg.Maintenance.DatabaseOptimize,
			Cleanup:       cfg.Maintenance.CleanupOldData,
			RetentionDays: cfg.Database.DataRetentionDays,
			Backup:        cfg.Maintenance.DatabaseBackup,
			BackupDir:     cfg.Database.BackupDir,
		},
	})

	router := mux.NewRouter()
	api.NewStatusHandler(db, cfg, version).RegisterRoutes(router)
	api.NewScanHandler(app.scheduler, db).RegisterRoutes(router)
	api.NewDeviceHandler(app.monitor, client, app.cache).RegisterRoutes(router)
	api.NewSettingsHandler(provider, db).RegisterRoutes(router)

	if promRegistry != nil {
		router.Handle(cfg.Advanced.MetricsEndpoint, promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})).Methods("GET")
	}

	if cfg.Auth.Enabled {
		router.Use(api.BasicAuth(cfg.Auth.Username, cfg.Auth.PasswordHash))
	}

	corsMiddleware := handlers.CORS(
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	app.handler = corsMiddleware(router)

	return app, nil
}

// buildSinks assembles the configured notification sinks. It returns nil
// when no sink is enabled.
func (app *application) buildSinks() (monitor.Sink, error) {
	cfg := app.cfg
	var sinks []notifier.Named

	if cfg.Notifier.StoreNotifications {
		sinks = append(sinks, notifier.Named{Name: "store", Sink: notifier.NewStoreSink(app.db)})
	}

	if cfg.Notifier.WhatsApp.Enabled {
		sinks = append(sinks, notifier.Named{Name: "whatsapp", Sink: notifier.NewWhatsAppSink(notifier.WhatsAppOptions{
			GatewayURL:  cfg.Notifier.WhatsApp.GatewayURL,
			Token:       cfg.Notifier.WhatsApp.Token,
			Technicians: cfg.Notifier.WhatsApp.Technicians,
		})})
	}

	if cfg.Notifier.NATS.Enabled {
		nc, err := notifier.ConnectNATS(cfg.Notifier.NATS.URL)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() {
			if err := nc.Drain(); err != nil {
				log.Warn().Err(err).Msg("Failed to drain NATS connection")
			}
		})
		sinks = append(sinks, notifier.Named{Name: "nats", Sink: notifier.NewNATSSink(nc, cfg.Notifier.NATS.Subject)})
	}

	if len(sinks) == 0 {
		log.Warn().Msg("No notification sink enabled, reports will only be logged")
		return nil, nil
	}
	return notifier.NewMulti(sinks...), nil
}

// Close releases resources in reverse order of acquisition
func (app *application) Close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		app.closers[i]()
	}
	app.closers = nil
}

func main() {
	configPath := parseFlags()

	setupLogging(logLevelFlag, "console")
	log.Info().Str("version", version).Msg("Starting ACS telemetry monitor")

	cfg := config.GetConfig()
	if err := cfg.LoadConfig(configPath); err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load configuration")
	}

	level := cfg.Logging.Level
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	setupLogging(level, cfg.Logging.Format)

	app, err := newApplication(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}

	if cfg.Monitor.EnableScheduler {
		if err := app.scheduler.Start(); err != nil {
			app.Close()
			log.Fatal().Err(err).Msg("Failed to start scheduler")
		}
	} else {
		log.Info().Msg("Scheduler disabled, scans run only on demand")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      app.handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Received termination signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second,
	)
	defer shutdownCancel()

	log.Info().Msg("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Stopping scheduler")
	app.scheduler.Stop()

	log.Info().Msg("Optimizing database before exit")
	if err := app.db.OptimizeDatabase(); err != nil {
		log.Error().Err(err).Msg("Database optimization failed")
	}

	app.Close()
	log.Info().Msg("Telemetry monitor has been shut down gracefully")
}
