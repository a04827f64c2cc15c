// Command server runs the creditsaga API: store-credit purchases held in
// escrow until delivery, then settled or refunded.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mbd888/creditsaga/internal/config"
	"github.com/mbd888/creditsaga/internal/logging"
	"github.com/mbd888/creditsaga/internal/server"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configFile := flag.String("config", "", "YAML config file (overrides CONFIG_FILE)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("creditsaga %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return
	}
	if *configFile != "" {
		_ = os.Setenv("CONFIG_FILE", *configFile)
	}

	if err := run(context.Background()); err != nil {
		// The configured logger may not exist yet.
		slog.Error("creditsaga exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewWithOutput(cfg.LogLevel, cfg.LogFormat, logging.Output{
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	slog.SetDefault(logger)

	logger.Info("starting creditsaga",
		"version", Version,
		"commit", Commit,
		"env", cfg.Env,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisAddr != "",
		"tracing", cfg.OTLPEndpoint != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(ctx)
}
