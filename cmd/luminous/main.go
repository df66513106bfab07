// Command luminous runs the LUMINOUS FLOW scan orchestration service.
//
// Usage:
//
//	luminous [serve] [flags]   HTTP API, WebSocket progress and MCP endpoint
//	luminous mcp [flags]       MCP over stdio for IDE integrations
//	luminous check [flags]     verify configuration, database and nuclei
//	luminous version
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/luminousflow/luminous/pkg/config"
	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/ui"
)

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "mcp":
		err = runMCP(args)
	case "check":
		err = runCheck(args)
	case "version":
		fmt.Printf("%s v%s (%s)\n", defaults.ProductName, defaults.Version, ui.Commit)
	case "help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "%s v%s\n\n", defaults.ProductName, defaults.Version)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  luminous [serve] [flags]   run the HTTP API, WebSocket channel and /mcp endpoint")
	fmt.Fprintln(w, "  luminous mcp [flags]       serve MCP tools over stdio")
	fmt.Fprintln(w, "  luminous check [flags]     validate configuration, database and nuclei")
	fmt.Fprintln(w, "  luminous version           print the version")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'luminous <command> -h' for the command flags.")
}

// loadConfig parses args for cmd and resolves the configuration with
// file < environment < flags precedence.
func loadConfig(cmd string, args []string) (*config.Config, *config.Flags, error) {
	fs := flag.NewFlagSet("luminous "+cmd, flag.ContinueOnError)
	f := config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(f.ConfigPath, os.LookupEnv)
	if err != nil {
		return nil, nil, err
	}
	f.Apply(fs, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, f, nil
}

// newLogger returns a text handler in development and a JSON handler in
// production, both at the configured level.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(w, opts)).With("service", defaults.ToolName)
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}
