package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amigochat/realtime/internal/config"
	"github.com/amigochat/realtime/internal/message"
	"github.com/amigochat/realtime/internal/messaging"
	"github.com/amigochat/realtime/internal/metrics"
	"github.com/amigochat/realtime/internal/storage"
)

func main() {
	log.Println("Starting AmigoChat message archiver...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Postgres setup.
	db, err := storage.OpenPostgres(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	defer db.Close()
	if cfg.Postgres.Migrate {
		if err := storage.Migrate(db); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	// NATS setup.
	natsClient, err := messaging.NewNATSClient(cfg.NATS.Client("amigochat-archiver"))
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	archiver := message.NewArchiver(message.NewStore(db))
	if err := natsClient.SubscribeMessageSent(cfg.Archiver.Queue, func(data []byte) {
		archiver.Handle(data)
	}); err != nil {
		log.Fatalf("failed to subscribe to %s: %v", messaging.SubjectMessageSent, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: cfg.Archiver.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server error: %v", err)
		}
	}()

	log.Printf("AmigoChat archiver running")
	log.Printf("  nats_url:     %s", cfg.NATS.URL)
	log.Printf("  queue:        %s", cfg.Archiver.Queue)
	log.Printf("  metrics_addr: %s", cfg.Archiver.MetricsAddr)

	<-ctx.Done()
	log.Printf("shutting down...")

	if err := natsClient.UnsubscribeMessageSent(cfg.Archiver.Queue); err != nil {
		log.Printf("unsubscribe error: %v", err)
	}
	natsClient.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
