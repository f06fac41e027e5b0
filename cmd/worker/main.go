package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"wifiattend/internal/app"
	"wifiattend/internal/config"
	"wifiattend/internal/logging"
)

// Worker reconciles queued connect events into attendance marks and ends
// sessions that outlived their maximum age.
func main() {
	cfg, err := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat, "wifiattend-worker")
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, "wifiattend-worker")
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := sched.AddFunc(cfg.SweepSchedule, func() { sweep(ctx, a) }); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.SweepSchedule).Msg("invalid sweep schedule")
	}
	sched.Start()

	msgs, err := a.Queue.Consume(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("queue consume init failed")
	}

	log.Info().Str("queue", cfg.QueueBackend).Str("sweep", cfg.SweepSchedule).Msg("worker started")
	marked := app.Reconcile(ctx, msgs, a.Attendance, app.DefaultRetry)

	<-sched.Stop().Done()
	log.Info().Int("marked", marked).Msg("worker stopped")
}

func sweep(ctx context.Context, a *app.App) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := a.Sessions.Sweep(ctx)
	if err != nil {
		log.Error().Err(err).Int("ended", n).Msg("session sweep incomplete")
		return
	}
	if n > 0 {
		log.Info().Int("ended", n).Msg("expired sessions ended")
	}
}
