package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"wifiattend/internal/app"
	"wifiattend/internal/config"
	"wifiattend/internal/httpapi"
	"wifiattend/internal/httpmiddleware"
	"wifiattend/internal/logging"
	"wifiattend/internal/mqttbridge"
)

func main() {
	cfg, err := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat, "wifiattend-api")
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("api failed")
	}
}

func run(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, "wifiattend-api")
	if err != nil {
		return err
	}
	defer a.Close()

	// An in-memory queue only reaches consumers in this process.
	if cfg.QueueBackend == "memory" {
		msgs, err := a.Queue.Consume(ctx)
		if err != nil {
			return err
		}
		go app.Reconcile(ctx, msgs, a.Attendance, app.DefaultRetry)
	}

	if cfg.MQTTBroker != "" {
		bridge := mqttbridge.New(a.Devices, a.Presence, cfg.MQTTTopicPrefix)
		if err := bridge.Start(mqttbridge.Config{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			Prefix:   cfg.MQTTTopicPrefix,
		}); err != nil {
			return err
		}
		defer bridge.Stop()
	}

	var limiter httpmiddleware.Limiter = httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	if cfg.RateLimitBackend == "redis" {
		limiter = httpmiddleware.NewRedisWindow(a.Redis.Client, cfg.RateLimitPerMin)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger("/healthz", "/metrics"))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.RateLimit(limiter))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		dbOK, redisOK := a.Healthy(c.Request.Context())
		status := http.StatusOK
		if !dbOK || !redisOK {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"db": dbOK, "redis": redisOK})
	})

	httpapi.New(a.Devices, a.Sessions, a.Presence, a.Attendance, httpapi.Options{
		SigningKey:         cfg.JWTSigningKey,
		Issuer:             cfg.JWTIssuer,
		AccessTTL:          cfg.AccessTTL,
		RefreshTTL:         cfg.RefreshTTL,
		DeviceAuthRequired: cfg.DeviceAuthRequired,
	}).Routes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server forced shutdown")
	}
	log.Info().Msg("server exited")
	return nil
}
