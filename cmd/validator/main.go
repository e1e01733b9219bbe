// Command validator runs the Validator stage: consume validator_input_queue,
// schema-check every delivery, forward valid ones to processing_exchange,
// and DLQ the rest — retrying transient failures with exponential backoff.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/xshift007/eventpipe/internal/broker"
	"github.com/xshift007/eventpipe/internal/config"
	"github.com/xshift007/eventpipe/internal/schema"
	"github.com/xshift007/eventpipe/internal/telemetry"
	"github.com/xshift007/eventpipe/internal/validatorsvc"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()

	if cfg.OTelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "validator", cfg.OTelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), "validator", cfg.OTelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}

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

	pubCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("open publisher channel failed", zap.Error(err))
	}
	publisher, err := broker.NewPublisher(pubCh)
	if err != nil {
		logger.Fatal("enable publisher confirms failed", zap.Error(err))
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("open consumer channel failed", zap.Error(err))
	}
	if err := consumeCh.Qos(1, 0, false); err != nil {
		logger.Fatal("set prefetch failed", zap.Error(err))
	}

	deliveries, err := consumeCh.Consume(broker.QueueValidatorInput, "validator", false, false, false, false, nil)
	if err != nil {
		logger.Fatal("consume failed", zap.Error(err))
	}

	v := validatorsvc.New(schema.NewRegistry(), publisher, logger, cfg.MaxRetries, cfg.BaseBackoff, cfg.SimulateErrors)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("validator consuming", zap.String("queue", broker.QueueValidatorInput))
	for {
		select {
		case <-ctx.Done():
			logger.Info("validator shutting down")
			return
		case d, open := <-deliveries:
			if !open {
				logger.Warn("delivery channel closed, exiting")
				return
			}
			v.HandleDelivery(ctx, d)
		}
	}
}
