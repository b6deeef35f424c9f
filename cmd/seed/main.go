// Command seed prepares a development database: it applies migrations,
// places a few sample orders and prints a token per role for local testing.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/tabletrack/api/internal/auth"
	"github.com/tabletrack/api/internal/config"
	"github.com/tabletrack/api/internal/database"
	"github.com/tabletrack/api/internal/enum"
	"github.com/tabletrack/api/internal/logging"
	"github.com/tabletrack/api/internal/service"
)

func main() {
	migrations := flag.String("migrations", "file://migrations", "Migration source URL")
	orders := flag.Bool("orders", true, "Place sample orders")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := logging.New(cfg.LogLevel)

	if err := migrateUp(cfg.DatabaseURL, *migrations); err != nil {
		log.WithError(err).Fatal("apply migrations")
	}
	log.Info("migrations applied")

	ids := map[string]uuid.UUID{
		enum.RoleAdmin:    uuid.New(),
		enum.RoleCashier:  uuid.New(),
		enum.RoleKitchen:  uuid.New(),
		enum.RoleCustomer: uuid.New(),
	}

	if *orders {
		if err := seedOrders(context.Background(), cfg, log, ids); err != nil {
			log.WithError(err).Fatal("seed orders")
		}
	}

	for _, role := range []string{enum.RoleAdmin, enum.RoleCashier, enum.RoleKitchen, enum.RoleCustomer} {
		tok, err := auth.GenerateToken(cfg.JWTSecret, ids[role], role)
		if err != nil {
			log.WithError(err).Fatal("generate token")
		}
		fmt.Fprintf(os.Stdout, "%-8s %s\n", role, tok)
	}
}

func migrateUp(databaseURL, source string) error {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func seedOrders(ctx context.Context, cfg *config.Config, log *logrus.Logger, ids map[string]uuid.UUID) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	// No notifier: nobody is subscribed while seeding.
	svc := service.NewOrderService(pool, database.New(pool), func(db database.DBTX) service.OrderStore {
		return database.New(db)
	}, service.OrderServiceConfig{
		DeliveryFee:            cfg.DeliveryFee(),
		DefaultEstimateMinutes: int32(cfg.Orders.DefaultEstimateMinutes),
		Logger:                 log,
	})

	customer := service.Actor{UserID: ids[enum.RoleCustomer], Role: enum.RoleCustomer}
	cashier := service.Actor{UserID: ids[enum.RoleCashier], Role: enum.RoleCashier}
	menu := []service.LineItem{
		{ProductID: "margherita", Name: "Margherita", UnitPrice: decimal.RequireFromString("10.00"), Quantity: 2},
		{ProductID: "soda", Name: "Soda", UnitPrice: decimal.RequireFromString("2.50"), Quantity: 2},
	}

	delivery, err := svc.CreateOrder(ctx, service.CreateOrderRequest{
		Actor:           customer,
		Items:           menu,
		DeliveryMethod:  enum.DeliveryMethodDelivery,
		DeliveryAddress: "221B Baker Street",
		CustomerName:    "Sample Customer",
	})
	if err != nil {
		return err
	}

	pickup, err := svc.CreateOrder(ctx, service.CreateOrderRequest{
		Actor:          cashier,
		Items:          menu[:1],
		DeliveryMethod: enum.DeliveryMethodPickup,
		CustomerName:   "Walk-in",
	})
	if err != nil {
		return err
	}
	if _, err := svc.TransitionStatus(ctx, pickup.Order.ID, enum.OrderStatusPreparing, cashier); err != nil {
		return err
	}

	tracking, err := auth.GenerateTrackingToken(cfg.JWTSecret, ids[enum.RoleCustomer], delivery.Order.ID, enum.RoleCustomer)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"delivery_order": delivery.Order.OrderNumber,
		"pickup_order":   pickup.Order.OrderNumber,
	}).Info("sample orders placed")
	fmt.Fprintf(os.Stdout, "track    %s  /ws/orders/%s\n", tracking, delivery.Order.ID)
	return nil
}
