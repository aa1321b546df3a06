// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command mycel runs the mycelial knowledge substrate server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/hyphae-ai/mycelnet/services/mycel"
	"github.com/hyphae-ai/mycelnet/services/mycel/auth"
	"github.com/hyphae-ai/mycelnet/services/mycel/config"
	"github.com/hyphae-ai/mycelnet/services/mycel/memory"
	"github.com/hyphae-ai/mycelnet/services/mycel/propagation"
	"github.com/hyphae-ai/mycelnet/services/mycel/ratelimit"
	"github.com/hyphae-ai/mycelnet/services/mycel/reinforce"
	"github.com/hyphae-ai/mycelnet/services/mycel/security"
	badgerstore "github.com/hyphae-ai/mycelnet/services/mycel/storage/badger"
	"github.com/hyphae-ai/mycelnet/services/mycel/store"
	"github.com/hyphae-ai/mycelnet/services/mycel/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel)

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, slog.Default())
	if err != nil {
		slog.Error("Failed to set up tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}

	st, err := store.New(ctx, cfg.PostgresURL, slog.Default())
	if err != nil {
		slog.Error("Failed to connect to postgres", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	if err := st.EnsureSchema(ctx); err != nil {
		slog.Error("Failed to apply schema", slog.String("error", err.Error()))
		os.Exit(1)
	}

	capDB, err := badgerstore.Open(badgerstore.DefaultConfig(cfg.CacheDir))
	if err != nil {
		slog.Error("Failed to open cap cache", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer capDB.Close()

	limiter, err := ratelimit.New(cfg.RedisURL, cfg.DefaultRateLimit, slog.Default())
	if err != nil {
		slog.Error("Failed to connect to redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer limiter.Close()

	signer, err := security.NewSigner()
	if err != nil {
		slog.Error("Failed to initialize audit signer", slog.String("error", err.Error()))
		os.Exit(1)
	}
	encryptor := security.NewEncryptor()

	memEngine := memory.NewEngine(st, encryptor, slog.Default())
	outcomes := reinforce.NewEngine(st, slog.Default())
	caps := propagation.NewCapCache(capDB, st, slog.Default())
	controller := propagation.NewController(st, caps, memEngine.Decrypt, slog.Default())

	handlers := mycel.NewHandlers(st, controller, memEngine, outcomes, limiter, signer, slog.Default())
	validator := auth.NewValidator(st, slog.Default())

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(telemetry.ServiceName))

	// Health and metrics stay outside auth so probes and scrapers need no key.
	router.GET("/health", handlers.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(validator.Middleware())
	v1.Use(limiter.Middleware())
	mycel.RegisterRoutes(v1, handlers)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting mycel server",
			slog.String("address", cfg.ListenAddr),
			slog.String("public_key", signer.PublicKeyHex()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return outcomes.RunDecayLoop(gctx, cfg.DecayInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down mycel server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown incomplete", slog.String("error", err.Error()))
		}
		if err := shutdownTraces(shutdownCtx); err != nil {
			slog.Warn("Trace flush incomplete", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Server exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
