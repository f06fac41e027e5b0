// Package app wires the stores and services shared by the binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"wifiattend/internal/attendance"
	"wifiattend/internal/config"
	"wifiattend/internal/device"
	"wifiattend/internal/presence"
	"wifiattend/internal/queue"
	"wifiattend/internal/roster"
	"wifiattend/internal/session"
	"wifiattend/internal/store"
)

// App holds the connections and services of one process.
type App struct {
	DB    *store.DB
	Redis *store.Redis
	Queue queue.Queue

	Devices    *device.Registry
	Sessions   *session.Manager
	Presence   *presence.Tracker
	Attendance *attendance.Service

	nats *nats.Conn
}

// New connects to Postgres, redis and the queue backend and builds the services.
func New(cfg config.App, name string) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.MigrateOnStart {
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info().Msg("migrations applied")
	}

	a := &App{DB: db, Redis: store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)}

	switch cfg.QueueBackend {
	case "memory":
		a.Queue = queue.NewInMemory(64)
	case "nats":
		conn, err := queue.ConnectNATS(cfg.NATSURL, name)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.nats = conn
		a.Queue = queue.NewNATSQueue(conn, cfg.NATSSubject, "")
	default:
		a.Queue = queue.NewRedisQueue(a.Redis.Client, cfg.QueueKey)
	}

	rosterRepo := roster.NewRepository(db.Client)
	sessionRepo := session.NewRepository(db.Client)

	a.Devices = device.NewRegistry(device.NewRepository(db.Client), sessionRepo, device.Config{
		Window:       cfg.LivenessWindow,
		SelfRegister: cfg.SelfRegister,
	})
	a.Sessions = session.NewManager(sessionRepo, rosterRepo, a.Devices, session.Config{
		DefaultPeriod: cfg.Period(),
		MaxAge:        cfg.SessionMaxAge,
		Location:      loc,
	})
	a.Presence = presence.NewTracker(presence.NewRepository(db.Client), a.Sessions, a.Devices, a.Queue, time.Now)
	a.Attendance = attendance.NewService(attendance.NewRepository(db.Client), rosterRepo, a.Sessions, a.Presence, attendance.Config{
		CurrentPeriod: cfg.Period(),
		Location:      loc,
	})
	return a, nil
}

// Healthy reports database and redis reachability.
func (a *App) Healthy(ctx context.Context) (dbOK, redisOK bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.DB.Healthy(ctx), a.Redis.Healthy(ctx)
}

// Close releases every connection.
func (a *App) Close() {
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			log.Warn().Err(err).Msg("nats drain")
		}
	}
	if err := a.Redis.Close(); err != nil {
		log.Warn().Err(err).Msg("redis close")
	}
	if err := a.DB.Close(); err != nil {
		log.Warn().Err(err).Msg("postgres close")
	}
}
