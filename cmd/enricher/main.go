package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/maristack/vigia-core/internal/boot"
	"github.com/maristack/vigia-core/internal/bus"
	"github.com/maristack/vigia-core/internal/config"
	"github.com/maristack/vigia-core/internal/enrich"
	"github.com/maristack/vigia-core/internal/opsserver"
	"github.com/maristack/vigia-core/internal/pipeline"
	"github.com/maristack/vigia-core/internal/storage/clickhouse"
	"github.com/maristack/vigia-core/pkg/logger"
)

const (
	serviceName    = "enricher"
	defaultOpsPort = 9102
	drainTimeout   = 30 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(defaultOpsPort)
	if err != nil {
		log.Printf("configuration error: %v", err)
		return 1
	}

	logg := logger.New(cfg.LogLevel, cfg.LogFormat)
	logg.Info("starting vigia enricher", "environment", cfg.Environment, "ops_port", cfg.OpsPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logg.Info("shutdown signal received")
		cancel()
	}()

	var busClient *bus.Client
	if err := boot.Retry(ctx, logg, "nats", func(context.Context) error {
		var err error
		busClient, err = bus.Connect(cfg.Bus, serviceName, logg)
		return err
	}); err != nil {
		logg.Error("fatal startup error", "error", err)
		return 2
	}
	defer busClient.Close()

	var store *clickhouse.Client
	if err := boot.Retry(ctx, logg, "clickhouse", func(context.Context) error {
		var err error
		store, err = clickhouse.Connect(cfg.ClickHouse)
		return err
	}); err != nil {
		logg.Error("fatal startup error", "error", err)
		return 2
	}
	defer store.Close()

	svc := enrich.NewService(busClient, store, cfg.Enricher, logg)
	pool := pipeline.New(cfg.Pipeline.Workers, cfg.Pipeline.QueueDepth)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := busClient.Consume(ctx, pool, bus.ConsumerConfig{
			SubjectFilter: bus.SubjectAnomalyDetected,
			Durable:       "vigia-enricher",
			PartitionKey:  func(msg *nats.Msg) string { return enrich.OrderingKey(msg.Data) },
			Handler: func(ctx context.Context, msg *nats.Msg) error {
				return svc.Handle(ctx, msg.Data)
			},
		})
		if err != nil {
			logg.Error("consumer failed", "error", err)
			cancel()
		}
	}()

	ops := opsserver.New(cfg, serviceName, svc.Stats, []opsserver.Probe{
		{Name: "nats", Required: true, Check: func(context.Context) error {
			if !busClient.Healthy() {
				return errors.New("nats connection down")
			}
			return nil
		}},
		{Name: "clickhouse", Required: true, Check: store.Ping},
	}, logg)

	exitCode := 0
	if err := ops.Start(ctx); err != nil {
		logg.Error("ops server failed", "error", err)
		cancel()
		exitCode = 1
	}

	wg.Wait()
	if !pool.Shutdown(drainTimeout) {
		logg.Warn("worker pool drain timed out")
	}
	logg.Info("enricher shutdown complete")
	return exitCode
}
