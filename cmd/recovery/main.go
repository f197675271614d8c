package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/sf7293/task-dispatcher/configs"
	"github.com/sf7293/task-dispatcher/internal/postgres"
	"github.com/sf7293/task-dispatcher/internal/producer"
	"github.com/sf7293/task-dispatcher/internal/rabbitmq"
)

func main() {
	cfg := configs.InitConfig()
	cfg.SetUpLogger()
	args := os.Args
	if len(args) < 2 {
		log.Fatal("Insufficient arguments are provided in calling the command, usage: recovery <limit> [past_seconds]")
		return
	}

	// This argument defines maximum number of tasks to be fetched by query
	limitStr := args[1]
	limit, err := strconv.ParseInt(limitStr, 10, 32)
	if err != nil || limit <= 0 {
		log.Fatal("Invalid input is given for the limit arg, it must be a positive integer: ", limitStr)
		return
	}

	// This argument defines the condition for the query, The query finds PENDING tasks whose updated_at has not been changed since passed X seconds (their updated_at <= nowStamp - passedXSeconds)
	olderThan := cfg.Worker.StalePendingAfter
	if len(args) > 2 {
		pastSecondsStr := args[2]
		pastSeconds, err := strconv.ParseInt(pastSecondsStr, 10, 64)
		if err != nil || pastSeconds < 0 {
			log.Fatal("Invalid input is given for the pastSeconds arg, it must be a non negative integer: ", pastSecondsStr)
			return
		}
		olderThan = time.Duration(pastSeconds) * time.Second
	}

	ctx := context.Background()
	storage, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	defer storage.Close()
	slog.Info("Postgres connection has been initialized successfully")

	mainQueueNames := cfg.RabbitMQ.GetMainQueueNames()
	rabbitClient, err := rabbitmq.NewRabbitMQClient(ctx, cfg.RabbitMQ.ToRabbitConnectionUri(), mainQueueNames, 1)
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

	taskProducer := producer.New(rabbitClient, storage, producer.WithDefaultQueue(cfg.RabbitMQ.DefaultQueue))

	slog.Info("Fetching stale pending tasks", "older_than", olderThan.String(), "limit", limit)
	staleInvocations, err := storage.GetStalePending(ctx, olderThan, int32(limit))
	if err != nil {
		slog.Error("Error occurred while fetching stale pending tasks", "error", err.Error())
		return
	}
	slog.Info("Stale pending tasks are fetched", "older_than", olderThan.String(), "limit", limit, "fetched_items_count", len(staleInvocations))

	requeuedCount := 0
	for i, invocation := range staleInvocations {
		err = taskProducer.Republish(ctx, invocation)
		if err != nil {
			// The task stays PENDING, so the next recovery run picks it up again
			slog.Error("Error occurred while re-queueing task", "task_id", invocation.ID, "queue", invocation.QueueName, "error", err.Error())
			continue
		}
		slog.Info("Task is re-queued successfully", "task_id", invocation.ID, "queue", invocation.QueueName, "stale_tasks_count", len(staleInvocations), "item_index", i)
		requeuedCount++
	}

	slog.Info("Stale pending tasks have been re-queued", "stale_tasks_count", len(staleInvocations), "successful_requeued_count", requeuedCount)
}
