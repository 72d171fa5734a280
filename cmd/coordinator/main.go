// Package main provides the entry point for the strategy coordinator:
// regime classification, strategy routing, capital allocation, three-tier
// risk, and the HTTP/WebSocket control surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meridian-desk/coordinator/internal/api"
	"github.com/meridian-desk/coordinator/internal/config"
	"github.com/meridian-desk/coordinator/internal/coordinator"
	"github.com/meridian-desk/coordinator/internal/data"
	"github.com/meridian-desk/coordinator/internal/exchange"
	"github.com/meridian-desk/coordinator/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Config file path (YAML, optional)")
	host := flag.String("host", "", "Override API host")
	port := flag.Int("port", 0, "Override API port")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	feedMode := flag.String("feed", "sim", "Market data feed (sim or binance)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger.Info("starting strategy coordinator",
		zap.Strings("instruments", cfg.Instruments),
		zap.String("feed", *feedMode),
		zap.String("state", cfg.StatePath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var feed data.Feed
	switch *feedMode {
	case "binance":
		bf := data.NewBinanceFeed(logger, data.DefaultBinanceConfig(), cfg.Instruments)
		if err := bf.Start(ctx); err != nil {
			logger.Fatal("binance feed start failed", zap.Error(err))
		}
		defer bf.Stop()
		feed = bf
	case "sim":
		feed = data.NewSimFeed(logger, data.DefaultSimConfig(), cfg.Instruments)
	default:
		logger.Fatal("unknown feed mode", zap.String("feed", *feedMode))
	}

	executor := exchange.NewPaperExecutor(logger, cfg.Paper)

	stateStore, err := store.NewFileStore(logger, cfg.StatePath)
	if err != nil {
		logger.Fatal("state store init failed", zap.Error(err))
	}

	coord := coordinator.New(logger, cfg, feed, executor, stateStore)
	if err := coord.Start(ctx); err != nil {
		logger.Fatal("coordinator start failed", zap.Error(err))
	}

	server := api.NewServer(logger, cfg.Server, coord)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	logger.Info("coordinator running",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown error", zap.Error(err))
	}

	cancel()
	coord.Stop()
	logger.Info("coordinator stopped cleanly")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
