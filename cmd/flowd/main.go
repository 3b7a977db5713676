// flowd runs the full market-data pipeline: exchange connectors feed the
// tick bus, the aggregator builds bars, strategies emit signals, and the
// router executes them on the paper broker (or the live adapter) under
// the risk guard. The control-plane HTTP API serves health, account
// state, manual orders, and risk controls.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"flowdesk/internal/config"
	"flowdesk/internal/control"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("FLOW_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	plane, err := control.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	if err := plane.Start(context.Background()); err != nil {
		logger.Error("failed to start pipeline", "error", err)
		os.Exit(1)
	}

	logger.Info("flowd started",
		"mode", cfg.Mode,
		"exchanges", len(cfg.Exchanges),
		"control_addr", cfg.Control.Addr,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	plane.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
