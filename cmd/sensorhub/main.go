package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/savegress/sensorhub/internal/alerts"
	"github.com/savegress/sensorhub/internal/api"
	"github.com/savegress/sensorhub/internal/config"
	"github.com/savegress/sensorhub/internal/ingest"
	"github.com/savegress/sensorhub/internal/metrics"
	"github.com/savegress/sensorhub/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	log.Println("Starting SensorHub...")

	// A misconfigured process must not run: config errors are fatal at
	// startup and nowhere else.
	cfgStore, err := config.NewStore(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := cfgStore.Snapshot()

	store, err := storage.NewSQLiteStore(*cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	counters := metrics.New()
	counters.Register(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Alert engine with notifiers from config
	engine := alerts.NewEngine(cfgStore, store, counters)
	engine.AddNotifier(&alerts.LogNotifier{})
	if cfg.Alerts.EmailEnabled {
		engine.AddNotifier(alerts.NewEmailNotifier(cfg.Alerts))
	}
	if cfg.Alerts.WebhookURL != "" {
		engine.AddNotifier(alerts.NewWebhookNotifier(cfg.Alerts.WebhookURL))
	}
	engine.Start(ctx)

	// Ingestion service
	svc := ingest.NewService(cfgStore, store, engine, counters)
	svc.Start(ctx)

	// Retention eviction
	go evictionLoop(ctx, cfgStore, store, counters)

	// Query API
	server := api.NewServer(cfgStore, store, engine, svc, counters)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("SensorHub API listening on port %d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down SensorHub...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	cancel()
	svc.Stop()
	engine.Stop()

	log.Println("SensorHub stopped")
}

// evictionLoop runs retention eviction on the configured interval. The
// retention window is re-read from the active snapshot each pass so a
// config reload takes effect without a restart.
func evictionLoop(ctx context.Context, cfgStore *config.Store, store storage.ReadingStore, counters *metrics.Counters) {
	interval := cfgStore.Snapshot().Database.EvictionInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-cfgStore.Snapshot().Database.Retention())
			n, err := store.Evict(ctx, cutoff)
			if err != nil {
				log.Printf("storage: eviction failed: %v", err)
				continue
			}
			counters.Evicted.Add(n)
			counters.MarkEviction(time.Now())
			if n > 0 {
				log.Printf("storage: evicted %d readings older than %s", n, cutoff.Format(time.RFC3339))
			}
		}
	}
}
