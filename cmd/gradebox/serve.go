package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/gradebox/internal/auth"
	"github.com/michaelbrown/gradebox/internal/execution"
	"github.com/michaelbrown/gradebox/internal/grading"
	"github.com/michaelbrown/gradebox/internal/sandbox"
	"github.com/michaelbrown/gradebox/internal/server"
	"github.com/michaelbrown/gradebox/internal/terminal"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the grading server",
	Long: `Start the Gradebox HTTP server: the quiz grading API under /quiz and
the interactive terminal websocket at /terminal.

Examples:
  gradebox serve
  gradebox serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := context.Background()

	// Open storage
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	// Sandbox
	rt, release, err := openRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer release()

	pol, err := policy(cfg)
	if err != nil {
		return err
	}
	workspaces, err := sandbox.NewWorkspaceManager(cfg.Sandbox.MountDir)
	if err != nil {
		return err
	}

	sweeper := sandbox.NewSweeper(workspaces.Root(), cfg.Sandbox.SweepAge, log)
	if cfg.Sandbox.SweepSchedule != "" && !cfg.Sandbox.KeepWorkspaces {
		if err := sweeper.Start(cfg.Sandbox.SweepSchedule); err != nil {
			return err
		}
	}

	authn, err := auth.New(cfg.Auth.JWTKey, cfg.Auth.JWTIssuer)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	runner := execution.NewRunner(rt, workspaces, pol, timing(cfg), log,
		execution.WithKeepWorkspaces(cfg.Sandbox.KeepWorkspaces))
	terminals := terminal.NewRegistry(rt, workspaces, terminal.Config{
		Policy:         pol,
		MaxSession:     cfg.Terminal.MaxSession,
		KeepWorkspaces: cfg.Sandbox.KeepWorkspaces,
	}, log)

	srv := server.New(cfg, grading.New(store, runner, log), terminals, authn, log)

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		sweeper.Stop(ctx)
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
