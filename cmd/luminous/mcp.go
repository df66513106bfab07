package main

import (
	"context"
	"errors"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/luminousflow/luminous/pkg/cli"
	"github.com/luminousflow/luminous/pkg/duration"
)

// runMCP serves the scanner tools over stdio. Stdout carries the protocol,
// so logs go to stderr and no banner is printed.
func runMCP(args []string) error {
	cfg, _, err := loadConfig("mcp", args)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg)

	ctx, cancel := cli.SignalContext(logger, duration.HTTPShutdown)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	logger.Info("mcp server on stdio", "max_concurrent", cfg.Scanner.MaxConcurrent, "hooks", a.hookNames)

	runErr := a.mcp.MCPServer().Run(ctx, &mcp.StdioTransport{})
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), duration.HTTPShutdown)
	defer shutdownCancel()
	return errors.Join(runErr, a.close(shutdownCtx))
}
