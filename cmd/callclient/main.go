package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mm-agent/voicecall/internal/config"
	"github.com/mm-agent/voicecall/internal/endpoint"
	"github.com/mm-agent/voicecall/internal/hostbridge"
	"github.com/mm-agent/voicecall/internal/media"
	"github.com/mm-agent/voicecall/internal/restriction"
	"github.com/mm-agent/voicecall/internal/session"
	"github.com/mm-agent/voicecall/internal/token"
	"github.com/mm-agent/voicecall/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default config/callclient.$CONFIG_ENV.yaml)")
	autostart := flag.Bool("autostart", false, "start a call immediately")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	logger := newLogger(cfg.Debug)
	defer logger.Sync()

	endpoints := endpoint.FromConfig(cfg.Endpoints)
	if err := endpoint.ValidateAll(endpoints); err != nil {
		logger.Fatal("invalid endpoints", zap.Error(err))
	}
	logger.Info("call client starting",
		zap.Int("endpoints", len(endpoints)),
		zap.Int("checks", len(cfg.RestrictionChecks)),
		zap.String("bridge", cfg.BridgeAddr),
	)

	client := &http.Client{}
	mic := media.NewDevice(logger)
	checks := restriction.FromConfig(cfg.RestrictionChecks, client)
	adapter := transport.NewAdapter(
		transport.NewLiveKit(mic, cfg.RecordDir, logger),
		transport.NewHTTPPolling(client, cfg.FallbackMaxRetries, logger),
		cfg.ConnectTimeout,
		logger,
	)

	ctrl := session.New(session.Options{
		Endpoints:  endpoints,
		Prober:     endpoint.NewProber(client, cfg.ProbeTimeout, logger),
		Detector:   restriction.NewDetector(checks, cfg.CheckTimeout, logger),
		Tokens:     token.NewExchanger(client, cfg.TokenTimeout, cfg.UserID, cfg.Room, logger),
		Transport:  adapter,
		Microphone: mic,
		Logger:     logger,
	})
	ctrl.Subscribe(session.LogObserver(logger))
	ctrl.Subscribe(session.MetricsObserver())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge := hostbridge.New(ctx, ctrl, cfg.AllowedOrigins, cfg.HistorySize, logger)
	ctrl.Subscribe(bridge)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Handle("/bridge", bridge)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.BridgeAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("host bridge listening", zap.String("addr", cfg.BridgeAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("host bridge failed", zap.Error(err))
		}
	}()

	if *autostart {
		go func() {
			if err := ctrl.StartCall(ctx); err != nil {
				logger.Warn("autostart call failed", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	if err := ctrl.Destroy(shutdownCtx); err != nil {
		logger.Warn("destroy", zap.Error(err))
	}
	cancel()
	bridge.Close()
	srv.Shutdown(shutdownCtx)
}

func newLogger(debug bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
