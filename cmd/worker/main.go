package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sf7293/task-dispatcher/configs"
	"github.com/sf7293/task-dispatcher/internal/postgres"
	"github.com/sf7293/task-dispatcher/internal/rabbitmq"
	"github.com/sf7293/task-dispatcher/internal/redis"
	"github.com/sf7293/task-dispatcher/internal/registry"
	"github.com/sf7293/task-dispatcher/internal/server"
	"github.com/sf7293/task-dispatcher/internal/worker"
	"github.com/sf7293/task-dispatcher/pkg/email"
	"github.com/sf7293/task-dispatcher/pkg/process"
)

func main() {
	cfg := configs.InitConfig()
	cfg.SetUpLogger()
	args := os.Args
	slog.Info("Running worker command", "args", args, "len_args", len(args))

	// The optional first arg overrides the consumed queues. In the Kubernetes helm all queues are passed as one arg,
	// so both comma and space separated lists are accepted.
	queueNames := cfg.RabbitMQ.GetMainQueueNames()
	if len(args) > 1 {
		queueNames = parseQueueNames(args[1])
		if len(queueNames) == 0 {
			log.Fatal("Invalid argument is set for queues, it must list at least one queue name")
			return
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initCtx, cancelInit := context.WithTimeout(ctx, time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer cancelInit()

	rabbitClient, err := rabbitmq.NewRabbitMQClient(initCtx, cfg.RabbitMQ.ToRabbitConnectionUri(), queueNames, cfg.RabbitMQ.Prefetch(cfg.Worker.Concurrency))
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		err = rabbitClient.Close()
		if err != nil {
			slog.Error("An error occurred while closing RabbitMQ connection", "error", err.Error())
		}
	}()
	slog.Info("RabbitMQ connection has been initialized successfully")

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

	storage, err := postgres.NewStorage(initCtx, cfg.Database.ToDbConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	defer storage.Close()
	slog.Info("Postgres connection has been initialized successfully")

	var sender email.Sender = email.LogSender{}
	if addr := cfg.Email.SMTPAddr(); addr != "" {
		sender = email.NewSMTPSender(addr, cfg.Email.SMTPUsername, cfg.Email.SMTPPassword)
		slog.Info("Emails are sent through SMTP", "smtp_addr", addr)
	} else {
		slog.Warn("No SMTP host is configured, emails are only logged")
	}

	reg := registry.New()
	err = process.Register(reg, process.Dependencies{
		Sender:       sender,
		Counter:      storage,
		FromAddress:  cfg.Email.FromAddress,
		EmailLogFile: cfg.Email.LogFile,
		MaxRetries:   cfg.Worker.DefaultMaxRetries,
		Queue:        cfg.RabbitMQ.DefaultQueue,
	})
	if err != nil {
		log.Fatal(err)
	}
	slog.Info("Task handlers are registered", "tasks", reg.Names())

	pool := worker.NewPool(rabbitClient, reg, storage, worker.Config{
		Concurrency:    cfg.Worker.Concurrency,
		Queues:         queueNames,
		DefaultBackoff: registry.BackoffPolicy{Base: cfg.Worker.BackoffBase, Max: cfg.Worker.BackoffMax},
		TaskTimeout:    cfg.Worker.TaskTimeout(),
		LockTTL:        cfg.Worker.LockTTL,
		RevokeTTL:      cfg.Worker.RevokeTTL,
	}, worker.WithLock(redisClient))

	go func() {
		err := redisClient.SubscribeRevokes(ctx, func(invocationID string) {
			cancelled := pool.Revoke(invocationID)
			slog.Info("Revoke request is received", "task_id", invocationID, "cancelled_running_handler", cancelled)
		})
		if err != nil {
			slog.Error("Revoke subscription stopped", "error", err)
		}
	}()

	// Running HTTP Server in order to have liveness and readiness HTTP APIs
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
	healthSrv := &http.Server{
		Addr:    ":" + cfg.HealthPort,
		Handler: server.NewHealthRouter(probes),
	}
	go func() {
		slog.Info("Starting health server", "port", cfg.HealthPort)
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server listen failed", "error", err)
		}
	}()
	probes.SetReady()

	slog.Info("Worker is running. To exit press CTRL+C", "queues", queueNames, "concurrency", cfg.Worker.Concurrency)
	if err = pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Worker pool stopped with an error", "error", err)
	}
	slog.Info("Worker is shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Health server forced to shutdown", "error", err)
	}
}

func parseQueueNames(arg string) []string {
	fields := strings.FieldsFunc(arg, func(r rune) bool {
		return r == ',' || r == ' '
	})

	seen := map[string]bool{}
	names := []string{}
	for _, name := range fields {
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}

	return names
}
