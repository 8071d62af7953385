package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/antoniostano/miranda/internal/app"
	"github.com/antoniostano/miranda/internal/config"
	"github.com/antoniostano/miranda/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := app.BuildWorker(ctx, cfg)
	if err != nil {
		log.Fatalf("worker build failed: %v", err)
	}
	defer func() {
		if err := result.Cleanup(); err != nil {
			log.Printf("cleanup: %v", err)
		}
	}()

	// Metrics-only HTTP listener; the worker has no client-facing API.
	metricsServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: observability.MetricsHandler(),
	}
	go func() {
		log.Printf("worker metrics listening on %s", cfg.BindAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics listen error: %v", err)
		}
	}()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := result.Gate.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("gate stopped: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := result.Rollup.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("rollup stopped: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutdown signal received")

	runCancel()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		_ = metricsServer.Close()
	}

	log.Printf("shutdown complete")
}
