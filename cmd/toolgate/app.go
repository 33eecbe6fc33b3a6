package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ashita-ai/toolgate/internal/audit"
	"github.com/ashita-ai/toolgate/internal/config"
	"github.com/ashita-ai/toolgate/internal/egress"
	"github.com/ashita-ai/toolgate/internal/kv"
	"github.com/ashita-ai/toolgate/internal/registry"
	"github.com/ashita-ai/toolgate/internal/sandbox"
	"github.com/ashita-ai/toolgate/internal/tools"
)

// app is the set of components every transport shares.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	sandbox *sandbox.Sandbox
	audit   *audit.Log
	kv      kv.Store // nil when TOOLGATE_KV_URL is empty
	reg     *registry.Registry
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// loadConfig reads the environment. HTTP serving requires a bearer token;
// the other commands do not.
func loadConfig(requireBearer bool) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if requireBearer {
		err = cfg.Validate()
	} else {
		err = cfg.ValidateStdio()
	}
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// openStorage opens the sandbox and the audit log inside it.
func openStorage(cfg config.Config, logger *slog.Logger) (*sandbox.Sandbox, *audit.Log, error) {
	sb, err := sandbox.New(cfg.SandboxRoot)
	if err != nil {
		return nil, nil, err
	}
	log, err := audit.New(sb, audit.Options{
		Subdir:   cfg.ArtifactsSubdir,
		MaxBytes: cfg.ArtifactMaxBytes,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return sb, log, nil
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	sb, log, err := openStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	guard := egress.New(egress.Options{
		Allowlist:    cfg.HTTPAllowlist,
		Timeout:      cfg.HTTPTimeout,
		MaxBytes:     cfg.HTTPMaxBytes,
		MaxRedirects: cfg.HTTPMaxRedirects,
		Logger:       logger,
	})

	var store kv.Store
	if cfg.KVURL != "" {
		store, err = kv.Open(ctx, cfg.KVURL, logger)
		if err != nil {
			return nil, fmt.Errorf("kv: %w", err)
		}
	}

	reg, err := tools.Build(tools.Deps{
		Sandbox: sb,
		Egress:  guard,
		Audit:   log,
		KV:      store,
		Logger:  logger,
	})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	logger.Info("tools ready",
		"tools", reg.Len(),
		"sandbox_root", sb.Root(),
		"http_allowlist", guard.Allowlist(),
		"kv", store != nil,
	)
	return &app{cfg: cfg, logger: logger, sandbox: sb, audit: log, kv: store, reg: reg}, nil
}

func (a *app) Close() error {
	var errs []error
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	return errors.Join(errs...)
}
