package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sf7293/task-dispatcher/configs"
	"github.com/sf7293/task-dispatcher/internal/postgres"
	"github.com/sf7293/task-dispatcher/internal/producer"
	"github.com/sf7293/task-dispatcher/internal/rabbitmq"
	"github.com/sf7293/task-dispatcher/internal/redis"
	"github.com/sf7293/task-dispatcher/internal/scheduler"
	"github.com/sf7293/task-dispatcher/pkg/email"
	"github.com/sf7293/task-dispatcher/pkg/process"
)

func main() {
	cfg := configs.InitConfig()
	cfg.SetUpLogger()

	// The optional first arg overrides the schedule file path
	scheduleFile := cfg.Scheduler.ScheduleFile
	if len(os.Args) > 1 && os.Args[1] != "" {
		scheduleFile = os.Args[1]
	}

	entries, err := scheduler.LoadSchedule(scheduleFile)
	if err != nil {
		log.Fatal(err)
	}
	slog.Info("Schedule is loaded", "schedule_file", scheduleFile, "entries_count", len(entries))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initCtx, cancelInit := context.WithTimeout(ctx, time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer cancelInit()

	storage, err := postgres.NewStorage(initCtx, cfg.Database.ToDbConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	defer storage.Close()
	slog.Info("Postgres connection has been initialized successfully")

	rabbitClient, err := rabbitmq.NewRabbitMQClient(initCtx, cfg.RabbitMQ.ToRabbitConnectionUri(), cfg.RabbitMQ.GetMainQueueNames(), 1)
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

	// Scheduled invocations take their queue and retry defaults from the task catalogue; handlers never run here.
	catalogue, err := process.NewCatalogue(process.Dependencies{
		Sender:      email.LogSender{},
		Counter:     storage,
		FromAddress: cfg.Email.FromAddress,
		MaxRetries:  cfg.Worker.DefaultMaxRetries,
		Queue:       cfg.RabbitMQ.DefaultQueue,
	})
	if err != nil {
		log.Fatal(err)
	}

	taskProducer := producer.New(rabbitClient, storage, producer.WithRegistry(catalogue), producer.WithDefaultQueue(cfg.RabbitMQ.DefaultQueue))

	beat, err := scheduler.New(taskProducer, entries,
		scheduler.WithLock(redisClient, cfg.Scheduler.LockTTL),
		scheduler.WithTickInterval(cfg.Scheduler.TickInterval),
	)
	if err != nil {
		log.Fatal(err)
	}

	slog.Info("Beat is running. To exit press CTRL+C", "tick_interval", cfg.Scheduler.TickInterval)
	if err = beat.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Beat stopped with an error", "error", err)
	}
	slog.Info("Beat is shutting down...")
}
