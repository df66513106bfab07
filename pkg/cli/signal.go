package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// SignalContext returns a context cancelled on SIGINT/SIGTERM.
// If a second signal arrives during gracePeriod, the process exits with
// status 1 without waiting for in-flight scans.
//
// Usage:
//
//	ctx, cancel := cli.SignalContext(logger, duration.HTTPShutdown)
//	defer cancel()
//	<-ctx.Done()
//	shutdown(context.WithTimeout(context.Background(), duration.HTTPShutdown))
func SignalContext(logger *slog.Logger, gracePeriod time.Duration) (context.Context, context.CancelFunc) {
	return signalContextWithNotifier(logger, gracePeriod, nil, nil)
}

// signalContextWithNotifier lets tests inject the signal channel and the
// exit function.
func signalContextWithNotifier(
	logger *slog.Logger,
	gracePeriod time.Duration,
	sigChan chan os.Signal,
	exitFn func(int),
) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ownChannel := sigChan == nil
	if ownChannel {
		sigChan = make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	}

	if exitFn == nil {
		exitFn = os.Exit
	}

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("signal received, shutting down gracefully", "signal", sig.String(), "grace", gracePeriod)
			cancel()

			select {
			case <-sigChan:
				logger.Warn("second signal received, exiting immediately")
				exitFn(1)
			case <-time.After(gracePeriod):
			}
		case <-ctx.Done():
		}
		if ownChannel {
			signal.Stop(sigChan)
		}
	}()

	return ctx, cancel
}
