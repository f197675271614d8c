package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sf7293/task-dispatcher/configs"
	db2 "github.com/sf7293/task-dispatcher/db"
	"github.com/sf7293/task-dispatcher/internal/postgres"
	"github.com/sf7293/task-dispatcher/internal/producer"
	"github.com/sf7293/task-dispatcher/internal/rabbitmq"
	"github.com/sf7293/task-dispatcher/internal/redis"
	"github.com/sf7293/task-dispatcher/internal/server"
	"github.com/sf7293/task-dispatcher/pkg/email"
	"github.com/sf7293/task-dispatcher/pkg/process"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
)

func main() {
	cfg := configs.InitConfig()
	cfg.SetUpLogger()

	d, err := iofs.New(db2.Migrations, "migrations")
	if err != nil {
		log.Fatal(err)
		return
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, cfg.Database.ToMigrationUri())
	if err != nil {
		log.Fatal(err)
		return
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal(err)
		}
	}
	slog.Info("Migrations ran successfully")

	// Initialization of the infra connections is bounded by cfg.ServerTimeOutInSeconds seconds
	initCtx, cancelInit := context.WithTimeout(context.Background(), time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer cancelInit()

	storage, err := postgres.NewStorage(initCtx, cfg.Database.ToDbConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	defer storage.Close()
	slog.Info("Postgres connection has been initialized successfully")

	mainQueueNames := cfg.RabbitMQ.GetMainQueueNames()
	rabbitClient, err := rabbitmq.NewRabbitMQClient(initCtx, cfg.RabbitMQ.ToRabbitConnectionUri(), mainQueueNames, 1)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		err = rabbitClient.Close()
		if err != nil {
			slog.Error("An error occurred while closing RabbitMQ connection", "error", err.Error())
		}
	}()
	slog.Info("RabbitMQ has been initialized successfully")

	redisClient, err := redis.NewClient(initCtx, cfg.RedisConfig.ToRedisConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		err = redisClient.Close()
		if err != nil {
			slog.Error("An error occurred while closing Redis connection", "error", err.Error())
		}
	}()
	slog.Info("Redis connection has been initialized successfully")

	// The API registers the same task catalogue as the workers so that enqueue picks up each task's queue and retry defaults.
	// Handlers never run in this process.
	reg, err := process.NewCatalogue(process.Dependencies{
		Sender:      email.LogSender{},
		Counter:     storage,
		FromAddress: cfg.Email.FromAddress,
		MaxRetries:  cfg.Worker.DefaultMaxRetries,
		Queue:       cfg.RabbitMQ.DefaultQueue,
	})
	if err != nil {
		log.Fatal(err)
	}

	taskProducer := producer.New(rabbitClient, storage, producer.WithRegistry(reg), producer.WithDefaultQueue(cfg.RabbitMQ.DefaultQueue))

	if err = server.RegisterValidations(); err != nil {
		log.Fatal("failed to bind validation rules: ", err)
	}

	probes := server.NewProbes(
		server.HealthCheck{Name: "postgres", Check: storage.Ping},
		server.HealthCheck{Name: "rabbitmq", Check: func(ctx context.Context) error {
			if !rabbitClient.IsHealthy() {
				return errors.New("rabbitmq connection is closed")
			}
			return nil
		}},
		server.HealthCheck{Name: "redis", Check: redisClient.Ping},
	)

	serverLogic := server.NewServerLogic(taskProducer, storage, redisClient)
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: server.NewRouter(serverLogic, probes),
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		slog.Info("Starting server", "port", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen failed", "error", err)
		}
	}()
	probes.SetReady()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server exiting")
}
