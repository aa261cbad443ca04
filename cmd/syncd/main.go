package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/relaycrm/syncengine/internal/config"
	"github.com/relaycrm/syncengine/internal/handlers"
	custommw "github.com/relaycrm/syncengine/internal/middleware"
	"github.com/relaycrm/syncengine/internal/models"
	"github.com/relaycrm/syncengine/internal/observability"
	"github.com/relaycrm/syncengine/internal/repository"
	"github.com/relaycrm/syncengine/internal/services"
)

const serviceVersion = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.DeviceID == "" || cfg.UserID == "" {
		log.Fatal("DEVICE_ID and USER_ID must be configured")
	}
	if !cfg.UsePostgres() {
		log.Fatal("DATABASE_URL must point at the shared store")
	}

	logger := observability.NewLogger("relaycrm-syncengine", observability.LevelInfo)

	// Initialize telemetry
	ctx := context.Background()
	telemetry, err := observability.Initialize(ctx, observability.NewConfig("relaycrm-syncengine", serviceVersion, cfg.DeviceID))
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}

	engineMetrics, err := observability.NewEngineMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize engine metrics: %v", err)
	}
	httpMetrics, err := observability.NewHTTPMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize HTTP metrics: %v", err)
	}

	// Local durable cache (queue snapshots, record copies, audit trail)
	cacheDB, err := repository.NewSQLiteDB(cfg.CachePath)
	if err != nil {
		log.Fatalf("Failed to open local cache: %v", err)
	}
	defer cacheDB.Close()

	localCache := repository.NewLocalCacheRepository(cacheDB)
	recordCache := repository.NewRecordCacheRepository(cacheDB)
	auditRepo := repository.NewAuditRepository(cacheDB)

	// Shared store: the Postgres event log every device publishes to
	sharedDB, err := repository.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to shared store: %v", err)
	}
	defer sharedDB.Close()
	eventLog := repository.NewEventLogRepository(sharedDB)
	devices := repository.NewDeviceRepository(sharedDB)

	// Change feed: a relay websocket when configured, otherwise direct
	// LISTEN/NOTIFY on the shared store.
	var engine *services.Engine
	var feed repository.ChangeFeed
	if cfg.FeedURL != "" {
		log.Printf("Using websocket change feed at %s", cfg.FeedURL)
		feed = services.NewWebSocketFeed(cfg.FeedURL, logger)
	} else {
		log.Println("Using Postgres change feed")
		feed = repository.NewEventLogFeed(cfg.DatabaseURL, func(connected bool) {
			if engine != nil {
				engine.SetOnline(context.Background(), connected)
			}
		})
	}

	engine, err = services.NewEngine(cfg, localCache, eventLog, feed, recordCache, auditRepo, logger, engineMetrics)
	if err != nil {
		log.Fatalf("Failed to build sync engine: %v", err)
	}

	engineCtx, stopEngine := context.WithCancel(ctx)
	defer stopEngine()
	if err := engine.Initialize(engineCtx); err != nil {
		log.Fatalf("Failed to initialize sync engine: %v", err)
	}

	// Register this device in the shared roster and keep its last-seen
	// time fresh while the process runs
	deviceName := cfg.DeviceName
	if deviceName == "" {
		deviceName = cfg.DeviceID
	}
	self, err := models.NewDevice(cfg.DeviceID, cfg.UserID, deviceName, cfg.DevicePlatform)
	if err != nil {
		log.Fatalf("Invalid device identity: %v", err)
	}
	if err := devices.Upsert(ctx, self); err != nil {
		logger.Warnf("device registration failed: %v", err)
	}
	go heartbeatLoop(engineCtx, devices, cfg.DeviceID, logger)

	// Prune delivered events past the retention window once a day
	go pruneLoop(engineCtx, eventLog, cfg.Engine.RetentionDays, logger)

	// Initialize handlers
	syncHandler := handlers.NewSyncHandler(engine)
	conflictHandler := handlers.NewConflictHandler(engine)
	deviceHandler := handlers.NewDeviceHandler(devices)
	statusHandler := handlers.NewStatusHandler(engine, engine.Audit())
	healthHandler := handlers.NewHealthHandler()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(observability.TracingMiddleware("relaycrm-syncengine"))
	r.Use(observability.MetricsMiddleware(httpMetrics))
	r.Use(custommw.APIKeyAuth(cfg.Security.APIKey, cfg.Security.APIKeyHeader))

	// Routes
	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/api/health", healthHandler.HealthCheck)
	r.Get("/api/version", handlers.VersionHandler)

	r.Route("/api/sync", func(r chi.Router) {
		r.Get("/status", statusHandler.GetStatus)
		r.Post("/events", syncHandler.SubmitEvent)
		r.Post("/online", statusHandler.SetOnline)
		r.Post("/reconnect", statusHandler.Reconnect)
	})

	r.Post("/api/queue/flush", statusHandler.FlushQueue)

	r.Route("/api/conflicts", func(r chi.Router) {
		r.Get("/", conflictHandler.ListConflicts)
		r.Get("/history", conflictHandler.GetHistory)
		r.Post("/{id}/resolve", conflictHandler.ResolveConflict)
	})

	r.Route("/api/devices", func(r chi.Router) {
		r.Get("/", deviceHandler.ListDevices)
		r.Post("/", deviceHandler.RegisterDevice)
		r.Delete("/{id}", deviceHandler.DeactivateDevice)
	})

	r.Get("/api/audit", statusHandler.ListAuditEntries)

	// Create server
	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("RelayCRM sync engine starting on %s (device %s)", cfg.ServerAddress, cfg.DeviceID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	engine.Shutdown(shutdownCtx)
	stopEngine()

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Printf("Telemetry shutdown: %v", err)
	}

	log.Println("Stopped")
}

// heartbeatLoop refreshes this device's last-seen time so peers can
// tell live endpoints from abandoned ones
func heartbeatLoop(ctx context.Context, devices *repository.DeviceRepository, deviceID string, logger *observability.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := devices.Touch(ctx, deviceID); err != nil {
				logger.Warnf("device heartbeat failed: %v", err)
			}
		}
	}
}

// pruneLoop trims the shared event log down to the retention window
func pruneLoop(ctx context.Context, eventLog *repository.EventLogRepository, retentionDays int, logger *observability.Logger) {
	if retentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := eventLog.Prune(ctx, time.Duration(retentionDays)*24*time.Hour)
			if err != nil {
				logger.Warnf("event log prune failed: %v", err)
				continue
			}
			if pruned > 0 {
				logger.Infof("pruned %d events past retention", pruned)
			}
		}
	}
}
