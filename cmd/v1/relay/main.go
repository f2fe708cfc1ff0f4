package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/t3t-io/screenrelay/internal/v1/config"
	"github.com/t3t-io/screenrelay/internal/v1/discovery"
	"github.com/t3t-io/screenrelay/internal/v1/health"
	"github.com/t3t-io/screenrelay/internal/v1/logging"
	"github.com/t3t-io/screenrelay/internal/v1/middleware"
	"github.com/t3t-io/screenrelay/internal/v1/ratelimit"
	"github.com/t3t-io/screenrelay/internal/v1/registry"
	"github.com/t3t-io/screenrelay/internal/v1/relay"
	"github.com/t3t-io/screenrelay/internal/v1/tracing"
	"github.com/t3t-io/screenrelay/internal/v1/transport"
	"github.com/t3t-io/screenrelay/internal/v1/types"
)

const serviceName = "screen-relay"

func main() {
	var (
		host       = flag.String("host", "", "listen host (overrides config)")
		port       = flag.Int("port", 0, "listen port (overrides config)")
		configPath = flag.String("config", "", "path to JSON config file")
	)
	flag.Parse()

	// .env for local development; absence is normal.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	if err := logging.Initialize(cfg.Server.DevelopmentMode, cfg.Server.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization failed: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()

	if cfg.Server.DevelopmentMode {
		logging.Info(ctx, "running in development mode")
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// --- Tracing (optional) ---
	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.Tracing.CollectorAddr)
		if err != nil {
			logging.Error(ctx, "tracing disabled, failed to initialize", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Core wiring ---
	reg := registry.New()
	rt := relay.NewRouter(reg, relay.Options{
		Room:       types.RoomIdType(cfg.Server.Room),
		OCRTimeout: time.Duration(cfg.Server.OCRTimeout * float64(time.Second)),
	})

	limiter, err := ratelimit.New(cfg.Server.RateLimitWsIP)
	if err != nil {
		logging.Fatal(ctx, "invalid rate limit configuration", zap.Error(err))
	}

	hub := transport.NewHub(rt, limiter, cfg.Server.CorsOrigins, cfg.Server.DevelopmentMode)
	advertiser := discovery.NewAdvertiser(cfg.Server.ServiceType, cfg.Server.Port)

	// --- HTTP surface ---
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CorrelationID())
	if cfg.Tracing.Enabled {
		engine.Use(otelgin.Middleware(serviceName))
	}

	corsConfig := cors.DefaultConfig()
	if len(cfg.Server.CorsOrigins) == 1 && cfg.Server.CorsOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.Server.CorsOrigins
	}
	engine.Use(cors.New(corsConfig))

	engine.GET("/ws", hub.ServeWs)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(reg, advertiser)
	engine.GET("/health/live", healthHandler.Liveness)
	engine.GET("/health/ready", healthHandler.Readiness)

	// Explicit Listen so a taken port fails loudly before anything is
	// advertised over mDNS.
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logging.Fatal(ctx, "failed to bind listen address",
			zap.String("addr", addr), zap.Error(err))
	}

	srv := &http.Server{Handler: engine}

	go func() {
		logging.Info(ctx, "relay listening", zap.String("addr", addr), zap.String("room", cfg.Server.Room))
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(ctx, "server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Advertise only after the port is actually bound.
	if err := advertiser.Start(ctx); err != nil {
		logging.Error(ctx, "mdns advertisement unavailable, continuing without discovery", zap.Error(err))
	}

	rt.Emitter().Emit(ctx, types.EventServerStarted, relay.ServerStartedBody{
		Room: cfg.Server.Room,
		Addr: addr,
	})

	// --- Heartbeat ---
	hbCtx, hbCancel := context.WithCancel(ctx)
	heartbeat := relay.NewHeartbeat(reg, rt.Emitter(),
		time.Duration(cfg.Server.HealthCheckInterval*float64(time.Second)))
	go heartbeat.Run(hbCtx)

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hbCancel()

	// Stop accepting new connections first, then drain and drop peers,
	// then withdraw the mDNS record.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "http shutdown error", zap.Error(err))
	}
	rt.Shutdown(shutdownCtx)
	if err := advertiser.Shutdown(shutdownCtx); err != nil {
		logging.Warn(ctx, "mdns shutdown error", zap.Error(err))
	}

	logging.Info(ctx, "relay exited")
}
