// Command migrate applies the embedded schema migrations to DATABASE_URL.
//
//	migrate up | down | redo | status | version | up-to N | down-to N
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/p2ptrade/internal/config"
	"github.com/mbd888/p2ptrade/internal/logging"
	"github.com/mbd888/p2ptrade/migrations"
)

var commands = map[string]bool{
	"up": true, "down": true, "redo": true, "status": true,
	"version": true, "up-to": true, "down-to": true,
}

func main() {
	if len(os.Args) < 2 || !commands[os.Args[1]] {
		fmt.Fprintln(os.Stderr, "usage: migrate up|down|redo|status|version|up-to N|down-to N")
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		slog.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, "text")
	slog.SetDefault(logger)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	logger.Info("running migrations", "command", command)
	if err := goose.RunContext(context.Background(), command, db, ".", args...); err != nil {
		return err
	}
	v, err := goose.GetDBVersionContext(context.Background(), db)
	if err != nil {
		return err
	}
	logger.Info("migrations done", "command", command, "version", v)
	return nil
}
