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

	"github.com/gin-gonic/gin"

	"github.com/amigochat/realtime/internal/account"
	"github.com/amigochat/realtime/internal/api"
	"github.com/amigochat/realtime/internal/config"
	"github.com/amigochat/realtime/internal/message"
	"github.com/amigochat/realtime/internal/ratelimit"
	"github.com/amigochat/realtime/internal/session"
	"github.com/amigochat/realtime/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.RequireSecret(); err != nil {
		log.Fatalf("%v", err)
	}
	gin.SetMode(cfg.API.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
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

	// --- Redis ---
	redisClient, err := storage.OpenRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	sessionStore, err := session.NewStore(redisClient, cfg.ServerName)
	if err != nil {
		log.Fatalf("failed to create session store: %v", err)
	}

	tokens := account.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, account.NewRedisRevocations(redisClient))
	handler := api.NewHandler(account.NewStore(db, cfg.Auth.BcryptCost), tokens, message.NewStore(db))
	handler.SetPresence(sessionStore)
	handler.SetLimiter(ratelimit.NewLimiter(redisClient))

	srv := &http.Server{
		Addr:              cfg.API.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server failed: %v", err)
		}
	}()
	log.Printf("AmigoChat API listening on %s", cfg.API.ListenAddr)

	<-ctx.Done()
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	log.Printf("api stopped cleanly")
}
