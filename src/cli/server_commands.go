package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"capnp-lsp/src/config"
	"capnp-lsp/src/internal/common"
	"capnp-lsp/src/server"
)

// RunServer starts the stdio LSP server and blocks until the client
// disconnects, requests shutdown, or the process receives SIGINT or
// SIGTERM.
func RunServer(configPath string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	common.ConfigureLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	common.CLILogger.Info("capnp-lsp started, reading LSP frames from stdin")

	srv := server.New(os.Stdin, os.Stdout, cfg)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server terminated: %w", err)
	}

	common.CLILogger.Info("capnp-lsp exiting")
	return nil
}
