// Command twincache runs the device twin caches as a standalone process: it keeps the
// device property names fresh and serves the management HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/hyp3rd/twincache"
	"github.com/hyp3rd/twincache/internal/logging"
	"github.com/hyp3rd/twincache/pkg/middleware"
)

// set at build time via -ldflags "-X main.version=..."
var version = "dev"

const (
	instrumentationName = "github.com/hyp3rd/twincache"
	shutdownTimeout     = 15 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "twincache: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := twincache.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging, version)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	defer func() { _ = logger.Sync() }()

	tc, err := twincache.New(ctx, cfg, twincache.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("starting twincache: %w", err)
	}

	svc, err := instrument(tc, logger)
	if err != nil {
		_ = tc.Stop(context.Background())

		return err
	}

	err = tc.StartManagement(ctx, svc)
	if err != nil {
		_ = svc.Stop(context.Background())

		return fmt.Errorf("starting management server: %w", err)
	}

	tc.StartRebuildLoop(ctx, svc)

	logger.Info("twincache started",
		zap.String("backend", cfg.Backend),
		zap.String("management", tc.ManagementHTTPAddress()),
	)

	<-ctx.Done()

	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return svc.Stop(stopCtx)
}

func instrument(tc *twincache.TwinCache, logger *zap.Logger) (twincache.Service, error) {
	var metricsErr error

	svc := twincache.ApplyMiddleware(tc,
		func(next twincache.Service) twincache.Service {
			return middleware.NewOTelTracingMiddleware(next, otel.Tracer(instrumentationName))
		},
		func(next twincache.Service) twincache.Service {
			wrapped, err := middleware.NewOTelMetricsMiddleware(next, otel.Meter(instrumentationName))
			if err != nil {
				metricsErr = err

				return next
			}

			return wrapped
		},
		func(next twincache.Service) twincache.Service {
			return middleware.NewLoggingMiddleware(next, logger)
		},
	)

	if metricsErr != nil {
		return nil, fmt.Errorf("building metrics middleware: %w", metricsErr)
	}

	return svc, nil
}
