package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/droidgrity/droidgrity-go/internal/config"
	"github.com/droidgrity/droidgrity-go/internal/domain"
	"github.com/droidgrity/droidgrity-go/internal/queue"
	"github.com/droidgrity/droidgrity-go/internal/repository"
	"github.com/droidgrity/droidgrity-go/internal/service"
)

// 将失败的运行重新投递到 RabbitMQ，由运行中的服务消费
func main() {
	configPath := flag.String("config", "./configs/config.yaml", "config file")
	failureType := flag.String("type", "", "only requeue runs with this failure type (e.g. build, signing)")
	dryRun := flag.Bool("dry-run", false, "list runs without requeueing")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.RabbitMQ.Enabled {
		log.Fatal("rabbitmq.enabled is false; use POST /api/runs/:id/retry against the server instead")
	}
	logger := config.InitLogger(&cfg.Log)

	db, err := repository.Open(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	repo := repository.NewRunRepository(db, logger)

	ctx := context.Background()
	failed, err := repo.ListByStatus(ctx, domain.RunStatusFailed)
	if err != nil {
		log.Fatalf("Failed to query failed runs: %v", err)
	}

	var targets []*domain.Run
	for _, run := range failed {
		if *failureType == "" || string(run.FailureType) == *failureType {
			targets = append(targets, run)
		}
	}
	fmt.Printf("找到 %d 个失败运行\n", len(targets))

	if *dryRun || len(targets) == 0 {
		for _, run := range targets {
			fmt.Printf("  %s  %-30s  %s\n", run.ID, run.APKName, run.FailureType)
		}
		return
	}

	mq, err := queue.NewRabbitMQ(ctx, &queue.RabbitMQConfig{
		Host:     cfg.RabbitMQ.Host,
		Port:     cfg.RabbitMQ.Port,
		User:     cfg.RabbitMQ.User,
		Password: cfg.RabbitMQ.Password,
		VHost:    cfg.RabbitMQ.VHost,
	}, cfg.RabbitMQ.Queue, 1, nil, logger)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer mq.Close()

	svc := service.NewRunService(repo, service.NewQueueDispatcher(queue.NewProducer(mq, logger)), cfg.Workspace.Dir, nil, logger)

	successCount := 0
	for i, run := range targets {
		if _, err := svc.RetryRun(ctx, run.ID); err != nil {
			log.Printf("❌ Failed to requeue run %s: %v", run.ID, err)
			continue
		}
		successCount++
		if (i+1)%100 == 0 {
			fmt.Printf("进度: %d/%d\n", i+1, len(targets))
		}
	}

	fmt.Printf("\n✅ 成功重新入队 %d/%d 个运行\n", successCount, len(targets))
}
