package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/toolgate/internal/auth"
	"github.com/ashita-ai/toolgate/internal/gateway"
	"github.com/ashita-ai/toolgate/internal/ratelimit"
	"github.com/ashita-ai/toolgate/internal/server"
	"github.com/ashita-ai/toolgate/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the tools over JSON-RPC on HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd)
		},
	}
}

func runServe(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.OutOrStdout(), cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Info("toolgate starting", "version", version, "host", cfg.Host, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return err
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	verifier, err := auth.NewVerifier(cfg.BearerToken)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	origins := auth.NewOriginPolicy(cfg.AllowedOrigins, cfg.AllowNoOrigin)
	gw, err := gateway.New(a.reg, gateway.Options{
		Verifier:     verifier,
		Origins:      origins,
		MaxBodyBytes: cfg.MaxRequestBodyBytes,
		Version:      version,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	limiter := ratelimit.New(cfg.RateLimitEnabled, cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer func() { _ = limiter.Close() }()
	if cfg.RateLimitEnabled {
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srvCfg := server.Config{
		Gateway:      gw,
		MCPPath:      cfg.MCPPath,
		Limiter:      limiter,
		Origins:      &origins,
		Logger:       logger,
		Host:         cfg.Host,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	}
	if a.kv != nil {
		srvCfg.KV = a.kv
	}
	srv, err := server.New(srvCfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("toolgate shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("toolgate stopped")
	return nil
}
