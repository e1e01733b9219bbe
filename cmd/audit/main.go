// Command audit runs the Audit stage: two independent consumers persisting
// every validated event and every emitted metric (with lineage) into a
// single-writer SQLite database.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/xshift007/eventpipe/internal/auditsvc"
	"github.com/xshift007/eventpipe/internal/broker"
	"github.com/xshift007/eventpipe/internal/config"
	"github.com/xshift007/eventpipe/internal/telemetry"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()

	if cfg.OTelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "audit", cfg.OTelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), "audit", cfg.OTelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}

	store, err := auditsvc.Open(cfg.AuditDBPath)
	if err != nil {
		logger.Fatal("open audit store failed", zap.Error(err))
	}
	defer store.Close()

	user, pass, ok := config.BrokerOverlay(os.Getenv("VAULT_ADDR"), os.Getenv("VAULT_TOKEN"), os.Getenv("VAULT_SECRET_PATH"))
	if !ok {
		user, pass = os.Getenv("RABBITMQ_USER"), os.Getenv("RABBITMQ_PASS")
	}

	conn, err := broker.Dial(cfg.AMQPURL(user, pass), logger)
	if err != nil {
		logger.Fatal("broker dial failed", zap.Error(err))
	}
	defer conn.Close()

	topoCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("open topology channel failed", zap.Error(err))
	}
	if err := broker.DeclareTopology(topoCh); err != nil {
		logger.Fatal("declare topology failed", zap.Error(err))
	}
	topoCh.Close()

	eventCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("open event channel failed", zap.Error(err))
	}
	if err := eventCh.Qos(1, 0, false); err != nil {
		logger.Fatal("set event prefetch failed", zap.Error(err))
	}
	eventDeliveries, err := eventCh.Consume(broker.QueueAudit, "audit-events", false, false, false, false, nil)
	if err != nil {
		logger.Fatal("consume audit_queue failed", zap.Error(err))
	}

	metricCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("open metric channel failed", zap.Error(err))
	}
	if err := metricCh.Qos(1, 0, false); err != nil {
		logger.Fatal("set metric prefetch failed", zap.Error(err))
	}
	metricDeliveries, err := metricCh.Consume(broker.QueueAuditMetrics, "audit-metrics", false, false, false, false, nil)
	if err != nil {
		logger.Fatal("consume audit_metrics_queue failed", zap.Error(err))
	}

	consumer := auditsvc.NewConsumer(store, logger, cfg.LogFilePath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			select {
			case <-ctx.Done():
				return
			case d, open := <-eventDeliveries:
				if !open {
					return
				}
				consumer.HandleEvent(ctx, d)
			}
		}
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			select {
			case <-ctx.Done():
				return
			case d, open := <-metricDeliveries:
				if !open {
					return
				}
				consumer.HandleMetric(ctx, d)
			}
		}
	}()

	logger.Info("audit consuming",
		zap.String("event_queue", broker.QueueAudit),
		zap.String("metric_queue", broker.QueueAuditMetrics),
		zap.String("db_path", cfg.AuditDBPath),
	)

	<-ctx.Done()
	logger.Info("audit shutting down")
	<-done
	<-done
}
