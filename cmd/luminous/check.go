package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/luminousflow/luminous/pkg/ai"
	"github.com/luminousflow/luminous/pkg/config"
	"github.com/luminousflow/luminous/pkg/duration"
	"github.com/luminousflow/luminous/pkg/nuclei"
	"github.com/luminousflow/luminous/pkg/scan"
	"github.com/luminousflow/luminous/pkg/store"
	"github.com/luminousflow/luminous/pkg/ui"
)

// errCheckFailed is returned when at least one check did not pass.
var errCheckFailed = errors.New("one or more checks failed")

// runCheck validates the deployment without starting the server.
func runCheck(args []string) error {
	cfg, _, err := loadConfig("check", args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), duration.HTTPShutdown)
	defer cancel()
	return check(ctx, os.Stdout, cfg)
}

// check runs each probe and prints one line per result.
func check(ctx context.Context, w io.Writer, cfg *config.Config) error {
	st := ui.NewStyles(ui.NewRenderer(w, false))
	ok := true
	report := func(name string, err error, detail string) {
		status := st.Status(scan.StatusCompleted).Render(ui.Icon(w, "✔", "ok"))
		if err != nil {
			ok = false
			status = st.Status(scan.StatusFailed).Render(ui.Icon(w, "✘", "FAIL"))
			detail = err.Error()
		}
		fmt.Fprintf(w, "  %s %s %s\n", status, st.Label.Render(name), st.Value.Render(detail))
	}

	report("config", nil, fmt.Sprintf("%s, max %d scans", cfg.Server.Environment, cfg.Scanner.MaxConcurrent))

	db, err := store.Open(ctx, cfg.Database.Path)
	if err == nil {
		err = db.Ping(ctx)
		defer db.Close()
	}
	report("database", err, cfg.Database.Path)

	version, err := nuclei.New(cfg.Nuclei, nil).CheckInstallation(ctx)
	report("nuclei", err, version)

	provider := cfg.AIProvider()
	summarizer, err := ai.New(ctx, ai.Config{
		Provider: provider,
		APIKey:   cfg.AI.APIKey,
		Model:    cfg.AI.Model,
		BaseURL:  cfg.AI.BaseURL,
	})
	if c, isCloser := summarizer.(io.Closer); isCloser {
		_ = c.Close()
	}
	report("ai", err, string(provider))

	if !ok {
		return errCheckFailed
	}
	return nil
}
