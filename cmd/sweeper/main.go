// The sweeper releases expired reservations on a schedule so abandoned
// checkouts return their capacity without waiting for a lazy code path.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventloom/ticket-admission/internal/admission"
	"github.com/eventloom/ticket-admission/internal/adapters/crdb"
	"github.com/eventloom/ticket-admission/internal/config"
	"github.com/eventloom/ticket-admission/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()

	ctrl := admission.NewController(crdb.NewStore(pool), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("failed to create scheduler: %v", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.SweepInterval),
		gocron.NewTask(func() {
			released, err := ctrl.ExpireSweep(ctx, time.Now())
			if err != nil {
				logger.Error("expire sweep failed: ", err)
				return
			}
			if released > 0 {
				logger.WithField("released", released).Info("expired reservations released")
			}
		}),
	)
	if err != nil {
		log.Fatalf("failed to schedule sweep: %v", err)
	}
	scheduler.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown sweeper")
	if err := scheduler.Shutdown(); err != nil {
		logger.Error("scheduler shutdown: ", err)
	}
}
