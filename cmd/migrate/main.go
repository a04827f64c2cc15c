// Command migrate applies or inspects the embedded creditsaga schema.
//
// Usage:
//
//	migrate up                # apply all pending migrations
//	migrate down              # roll back the last migration
//	migrate status            # list applied and pending migrations
//	migrate version           # print the current schema version
//	migrate up-to <version>   # migrate up to a specific version
//	migrate down-to <version> # roll back to a specific version
//
// The database comes from DATABASE_URL, read through the same .env and
// CONFIG_FILE layering as the server.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/creditsaga/internal/config"
	"github.com/mbd888/creditsaga/internal/logging"
	"github.com/mbd888/creditsaga/migrations"
)

var commands = map[string]bool{
	"up": true, "down": true, "status": true, "version": true,
	"redo": true, "reset": true, "up-to": true, "down-to": true,
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate <up|down|status|version|redo|reset|up-to N|down-to N>")
}

func main() {
	if len(os.Args) < 2 || !commands[os.Args[1]] {
		usage()
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.DatabaseURL, command, args); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", command)
}

func run(ctx context.Context, dsn, command string, args []string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	return migrations.Run(ctx, command, db, args...)
}
