package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/gradebox/internal/config"
	"github.com/michaelbrown/gradebox/internal/execution"
	"github.com/michaelbrown/gradebox/internal/logging"
	"github.com/michaelbrown/gradebox/internal/sandbox"
	"github.com/michaelbrown/gradebox/internal/storage"
	"github.com/michaelbrown/gradebox/internal/storage/postgres"
	"github.com/michaelbrown/gradebox/internal/storage/sqlite"
)

// setup loads config and builds the root logger. The returned closer
// flushes the log file.
func setup() (*config.Config, zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}

	log, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	return cfg, log, closer, nil
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.Storage.DSN, log)
	default:
		return sqlite.Open(cfg.Storage.DBPath)
	}
}

// openRuntime returns the configured sandbox driver and a func releasing it.
func openRuntime(ctx context.Context, cfg *config.Config, log zerolog.Logger) (sandbox.Runtime, func(), error) {
	if cfg.Sandbox.Driver != "engine" {
		return sandbox.NewDockerCLI(log), func() {}, nil
	}

	eng, err := sandbox.NewEngine(log)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to docker: %w", err)
	}
	if err := eng.EnsureImage(ctx, cfg.Sandbox.Image); err != nil {
		eng.Close()
		return nil, nil, err
	}
	return eng, func() { eng.Close() }, nil
}

func policy(cfg *config.Config) (sandbox.Policy, error) {
	p := sandbox.DefaultPolicy()
	p.Image = cfg.Sandbox.Image
	p.CPUs = cfg.Sandbox.CPULimit
	p.Memory = cfg.Sandbox.MemoryLimit
	p.Network = cfg.Sandbox.Network
	if err := p.Validate(); err != nil {
		return sandbox.Policy{}, err
	}
	return p, nil
}

func timing(cfg *config.Config) execution.Timing {
	return execution.Timing{
		Startup: cfg.Sandbox.StartupTimeout(),
		Execute: cfg.Sandbox.ExecuteTimeout(),
	}
}
