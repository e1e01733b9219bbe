// Command dashboard serves the last window_summary over HTTP while
// consuming analytics_exchange on an anonymous exclusive queue.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/xshift007/eventpipe/internal/broker"
	"github.com/xshift007/eventpipe/internal/config"
	"github.com/xshift007/eventpipe/internal/dashboardsvc"
	"github.com/xshift007/eventpipe/internal/middleware"
	"github.com/xshift007/eventpipe/internal/telemetry"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()

	if cfg.OTelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "dashboard", cfg.OTelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), "dashboard", cfg.OTelEndpoint)
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

	queueName, err := broker.DeclareDashboardQueue(topoCh)
	if err != nil {
		logger.Fatal("declare dashboard queue failed", zap.Error(err))
	}

	deliveries, err := topoCh.Consume(queueName, "dashboard", false, true, false, false, nil)
	if err != nil {
		logger.Fatal("consume dashboard queue failed", zap.Error(err))
	}

	d := dashboardsvc.New(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, open := <-deliveries:
				if !open {
					return
				}
				d.HandleDelivery(delivery)
			}
		}
	}()

	hb := dashboardsvc.NewHeartbeat(d, logger)
	if err := hb.Start(); err != nil {
		logger.Fatal("heartbeat start failed", zap.Error(err))
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("dashboard"))
	e.Use(middleware.NullToEmptyArray())
	e.Use(echomw.Recover())
	dashboardsvc.RegisterRoutes(e, d)

	go func() {
		logger.Info("dashboard HTTP server listening on :8080")
		if err := e.Start(":8080"); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("dashboard shutting down")
	hb.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("echo shutdown error", zap.Error(err))
	}
}
