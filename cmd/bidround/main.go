// Command bidround is the entry point for the bid round settlement service.
// It loads configuration, validates it, wires dependencies, sets up signal
// handling, and starts the application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alanyoungcy/bidround/internal/app"
	"github.com/alanyoungcy/bidround/internal/config"
	"github.com/alanyoungcy/bidround/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file (empty to use environment only)")
	mode := flag.String("mode", "", "override the configured mode (api, maintenance, full)")
	sealSeed := flag.String("seal-seed", "", "generate a new issuer seed, seal it with BIDROUND_AUTHORITY_PASSPHRASE into this file, and exit")
	flag.Parse()

	path := *configPath
	if path == "config.toml" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}

	logger := newLogger("info", "")
	slog.SetDefault(logger)

	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	logger = newLogger(cfg.LogLevel, cfg.LogFile)
	slog.SetDefault(logger)

	if *sealSeed != "" {
		if err := writeSealedSeed(*sealSeed, cfg.Authority.Passphrase); err != nil {
			logger.Error("failed to seal issuer seed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("issuer seed sealed", slog.String("path", *sealSeed))
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	redacted := config.RedactedConfig(cfg)
	logger.Info("bidround starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", redacted),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			application.Close()
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("bidround stopped")
}

// newLogger builds the JSON logger. When logFile is set the output is
// written to stdout and to a size-rotated file.
func newLogger(level, logFile string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if logFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		})
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl}))
}

func writeSealedSeed(path, passphrase string) error {
	if passphrase == "" {
		return errors.New("a passphrase is required to seal the seed")
	}
	seed, err := crypto.GenerateSeed()
	if err != nil {
		return err
	}
	sealed, err := crypto.SealSeed(seed, passphrase)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(sealed); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
