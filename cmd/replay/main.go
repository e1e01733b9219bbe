// Command replay streams the persisted JSON-Lines audit log back onto
// events_exchange so history can be reprocessed.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/xshift007/eventpipe/internal/broker"
	"github.com/xshift007/eventpipe/internal/config"
	"github.com/xshift007/eventpipe/internal/replaysvc"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()
	loop, _ := strconv.ParseBool(os.Getenv("REPLAY_LOOP"))

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

	reader := replaysvc.New(publisher, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		if err := runOnce(ctx, reader, logger, cfg.LogFilePath); err != nil {
			logger.Error("replay pass failed", zap.Error(err))
			os.Exit(1)
		}
		if !loop || ctx.Err() != nil {
			break
		}
	}
	logger.Info("replay finished")
}

func runOnce(ctx context.Context, reader *replaysvc.Reader, logger *zap.Logger, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	published, skipped, err := reader.Run(ctx, f)
	logger.Info("replay pass complete", zap.Int("published", published), zap.Int("skipped", skipped))
	return err
}
