package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/tdcommerce/webhookd"
	"github.com/tdcommerce/webhookd/storage"
)

const (
	dbDSN  = "root:password@tcp(localhost:3306)/webhookd?parseTime=true"
	tenant = "example-tenant"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	db, err := sql.Open("mysql", dbDSN)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipeline, err := webhookd.NewPipeline(db,
		webhookd.WithLogger(logger),
		webhookd.WithMetrics(webhookd.NewOpenTelemetryMetricsCollector()),
	)
	if err != nil {
		logger.Fatal("failed to create pipeline", zap.Error(err))
	}

	if err := pipeline.EnsureTables(ctx); err != nil {
		logger.Fatal("failed to create tables", zap.Error(err))
	}

	// Register a subscriber interested in order events.
	sub := &storage.SubscriptionRecord{
		TenantID: tenant,
		URL:      "http://localhost:9090/webhooks",
		Secret:   "example-secret",
		Events:   []string{"order.created", "order.paid"},
	}
	if err := pipeline.Registry().Create(ctx, sub); err != nil {
		logger.Fatal("failed to create subscription", zap.Error(err))
	}

	// Ingest and fan out one event.
	rec, err := pipeline.Ingestor().Ingest(ctx, webhookd.Event{
		TenantID:  tenant,
		EventType: "order.paid",
		Source:    "example",
		Payload:   map[string]string{"order_id": "o-1001", "amount": "49.90"},
	})
	if err != nil {
		logger.Fatal("failed to ingest event", zap.Error(err))
	}
	if _, err := pipeline.Ingestor().Fanout(ctx, rec.ID, tenant); err != nil {
		logger.Fatal("failed to fan out event", zap.Error(err))
	}

	dispatcher := webhookd.NewDispatcher(logger,
		pipeline.PendingWorker(5*time.Second),
		pipeline.RetryWorker(10*time.Second),
		pipeline.StuckWorker(time.Minute),
	)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutdown signal received")
		dispatcher.Stop()
	}()

	dispatcher.Start(ctx)

	stats, err := pipeline.Stats().Collect(ctx, tenant)
	if err != nil {
		logger.Error("failed to collect stats", zap.Error(err))
		return
	}
	logger.Info("pipeline stats",
		zap.Int64("deliveries", stats.TotalDeliveries),
		zap.Float64("success_rate", stats.SuccessRate))
}
