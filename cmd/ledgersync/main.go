package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pysugar/ledgersync/internal/app"
	"github.com/pysugar/ledgersync/internal/config"
	"github.com/pysugar/ledgersync/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	a, err := app.New(cfg, app.Options{})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Scheduled polling
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		a.Scheduler.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("🚀 ledgersync %s starting on http://%s", version.String(), srv.Addr)
		log.Printf("🔌 Webhooks: http://%s/webhooks/{provider}", srv.Addr)
		log.Printf("🔌 Operator API: http://%s/api", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ HTTP shutdown: %v", err)
	}
	<-schedulerDone
	// Webhook-triggered jobs finish and record their outcome.
	a.Orchestrator.Wait()
	log.Println("✅ Stopped")
}
