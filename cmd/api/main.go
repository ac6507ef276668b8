package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"apflow/db"
	"apflow/idempotency"
	"apflow/invoice"
	"apflow/staging"
)

func main() {
	_ = godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"), poolSize())
	if err != nil {
		log.WithError(err).Fatal("bootstrap database pool")
	}
	defer pool.Close()

	spoolDir := os.Getenv("EXPORT_SPOOL_DIR")
	if spoolDir == "" {
		spoolDir = "exports"
	}
	spool := staging.NewSpoolPoster(spoolDir)

	invoices := invoice.NewRepository(pool)
	gate := idempotency.NewService(pool)
	workflow := staging.NewService(pool, invoices, nil).
		WithPoster(spool).
		WithRollbacker(spool)

	server := &Server{
		log:            log,
		invoices:       invoices,
		stagingService: workflow,
		gate:           gate,
	}

	go runCleanup(ctx, log, gate)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
	}()

	log.WithField("addr", addr).Info("api listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("http server")
	}
}

// runCleanup periodically garbage-collects expired terminal idempotency
// records so the ledger stays bounded.
func runCleanup(ctx context.Context, log *logrus.Logger, gate *idempotency.Service) {
	interval := 10 * time.Minute
	if raw := os.Getenv("CLEANUP_INTERVAL_SECONDS"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			interval = time.Duration(secs) * time.Second
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := gate.CleanupExpired(ctx, false)
			if err != nil {
				log.WithError(err).Warn("idempotency cleanup")
				continue
			}
			log.WithFields(logrus.Fields{
				"examined": stats.Examined,
				"deleted":  stats.RecordsDeleted,
			}).Debug("idempotency cleanup pass")
		}
	}
}

func poolSize() int32 {
	if raw := os.Getenv("DB_MAX_CONNS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return int32(n)
		}
	}
	return 10
}
