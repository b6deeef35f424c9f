package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/tabletrack/api/internal/config"
	"github.com/tabletrack/api/internal/database"
	"github.com/tabletrack/api/internal/logging"
	mw "github.com/tabletrack/api/internal/middleware"
	"github.com/tabletrack/api/internal/relay"
	"github.com/tabletrack/api/internal/router"
	"github.com/tabletrack/api/internal/service"
	"github.com/tabletrack/api/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := logging.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	log.Info("connected to database")

	hub := ws.NewHub(log)
	go hub.Run(ctx)

	var notifier service.Notifier = hub
	fanout, err := newFanout(cfg, hub, log)
	if err != nil {
		return err
	}
	if fanout != nil {
		defer fanout.Close()
		go fanout.Run(ctx)
		notifier = fanout
	}

	orders := service.NewOrderService(pool, database.New(pool), func(db database.DBTX) service.OrderStore {
		return database.New(db)
	}, service.OrderServiceConfig{
		DeliveryFee:            cfg.DeliveryFee(),
		DefaultEstimateMinutes: int32(cfg.Orders.DefaultEstimateMinutes),
		Notifier:               notifier,
		Logger:                 log,
	})

	limiter := mw.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, log)
	limiter.StartCleanup(ctx, time.Minute)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router.New(cfg, orders, hub, limiter, log),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newFanout builds the cross-instance relay, or returns nil when none is configured.
func newFanout(cfg *config.Config, hub *ws.Hub, log *logrus.Logger) (*relay.Fanout, error) {
	var transport relay.Transport
	switch cfg.Relay.Driver {
	case config.RelayAMQP:
		conn, err := relay.Dial(cfg.Relay.AMQPURL)
		if err != nil {
			return nil, fmt.Errorf("connect amqp: %w", err)
		}
		transport = relay.NewAMQPTransport(conn, cfg.Relay.Exchange, log)
	case config.RelayRedis:
		transport = relay.NewRedisTransport(relay.NewRedisClient(cfg.Relay.RedisAddr), cfg.Relay.Channel, log)
	default:
		return nil, nil
	}
	log.WithFields(logrus.Fields{
		"driver":   cfg.Relay.Driver,
		"instance": cfg.Relay.InstanceID,
	}).Info("event relay enabled")
	return relay.NewFanout(hub, transport, cfg.Relay.InstanceID, log), nil
}
