package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gitea.jw6.us/james/beaconattend/internal/attendance"
	"gitea.jw6.us/james/beaconattend/internal/auth"
	"gitea.jw6.us/james/beaconattend/internal/checkin"
	"gitea.jw6.us/james/beaconattend/internal/config"
	httpserver "gitea.jw6.us/james/beaconattend/internal/http"
	"gitea.jw6.us/james/beaconattend/internal/store"
)

func main() {
	log.Println("Starting attendance server...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stor, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer closeStore()

	svc := attendance.NewService(stor, attendance.WithScanInterval(cfg.Attendance.ScanInterval))
	recalc := attendance.NewRecalculator(svc, cfg.Attendance.RecalcQueueSize, cfg.Attendance.RecalcTimeout)

	recalcCtx, stopRecalc := context.WithCancel(context.Background())
	recalcDone := make(chan struct{})
	go func() {
		defer close(recalcDone)
		recalc.Run(recalcCtx)
	}()

	checkins := checkin.NewHandler(svc, stor, recalc, cfg.Attendance.MaxBatchSize)
	r := httpserver.NewRouter(cfg, stor, auth.NewService(stor.APIKeys), checkins)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	// Finish queued recalculations before the store goes away.
	stopRecalc()
	<-recalcDone
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, func(), error) {
	switch cfg.DB.Driver {
	case config.DriverMemory:
		mem := store.NewMemStore()
		if cfg.DB.SeedFile != "" {
			if err := store.LoadSeed(mem, cfg.DB.SeedFile); err != nil {
				return nil, nil, err
			}
			log.Printf("loaded seed data from %s", cfg.DB.SeedFile)
		}
		log.Printf("[WARN] using in-memory store; data is lost on restart")
		return store.NewMemory(mem), func() {}, nil
	default:
		pool, err := pgxpool.New(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("create db pool: %w", err)
		}
		if err := store.ApplyMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		return store.New(pool), pool.Close, nil
	}
}
