package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/samirrijal/safewatch/internal/adapters/http"
	natsadapter "github.com/samirrijal/safewatch/internal/adapters/nats"
	"github.com/samirrijal/safewatch/internal/bootstrap"
	"github.com/samirrijal/safewatch/internal/pkg/config"
	"github.com/samirrijal/safewatch/internal/pkg/logging"
	"github.com/samirrijal/safewatch/internal/pkg/telemetry"
)

func main() {
	cfg, err := config.Load("safewatch-api")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Telemetry.ServiceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			slog.Warn("telemetry init failed", "error", err)
		} else {
			defer shutdown()
		}
	}

	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("stores: %v", err)
	}
	defer stores.Close()

	pipeline, err := bootstrap.NewPipeline(cfg, stores, logger)
	if err != nil {
		log.Fatalf("pipeline: %v", err)
	}
	defer pipeline.Close()
	pipeline.Retry.Start(ctx)

	// Raw NATS connection for the WebSocket relay
	natsConn, err := natsadapter.RawConn(cfg.NATS.URL)
	if err != nil {
		slog.Warn("nats ws conn unavailable", "error", err)
	} else {
		defer natsConn.Close()
	}

	probes := make(map[string]http.Pinger, len(stores.Probes))
	for name, p := range stores.Probes {
		probes[name] = p
	}

	deps := &http.Dependencies{
		Engine:          pipeline.Engine,
		Zones:           stores.Zones,
		States:          stores.State,
		Deliveries:      stores.State,
		Events:          stores.State,
		InvalidateZones: stores.InvalidateZones,
		NATS:            natsConn,
		Logger:          logger,
		Probes:          probes,
	}

	// Fiber
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    256 * 1024,
		AppName:      "SafeWatch API",
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
		MaxAge:       3600,
	}))

	routerCfg := http.DefaultRouterConfig()
	routerCfg.RateLimit = cfg.Server.RateLimit
	http.SetupRoutes(app, deps, routerCfg)

	// Graceful shutdown
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		slog.Info("API server starting", "addr", addr, "state_backend", cfg.State.Backend)
		if err := app.Listen(addr); err != nil {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received, draining connections...", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	slog.Info("server stopped")
}
