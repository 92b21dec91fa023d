// Command mcp exposes the dispute desk (list, inspect, resolve, cancel,
// assign) as MCP tools over stdio. Stdout carries the protocol, so logs go
// to stderr.
package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/p2ptrade/internal/logging"
	"github.com/mbd888/p2ptrade/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()
	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	cfg, err := loadConfig(logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("serving arbitration tools", "api", cfg.APIURL, "admin", cfg.AdminID)
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}

func loadConfig(logger *slog.Logger) (mcpserver.Config, error) {
	cfg := mcpserver.Config{
		APIURL:      strings.TrimRight(os.Getenv("P2PTRADE_API_URL"), "/"),
		AdminID:     os.Getenv("P2PTRADE_ADMIN_ID"),
		AdminSecret: os.Getenv("P2PTRADE_ADMIN_SECRET"),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}
	if u, err := url.Parse(cfg.APIURL); err != nil || u.Host == "" {
		return cfg, fmt.Errorf("P2PTRADE_API_URL %q is not an absolute URL", cfg.APIURL)
	}
	if cfg.AdminID == "" {
		return cfg, fmt.Errorf("P2PTRADE_ADMIN_ID is required")
	}
	if cfg.AdminSecret == "" {
		logger.Warn("P2PTRADE_ADMIN_SECRET not set; admin calls only succeed against servers without ADMIN_SECRET")
	}
	return cfg, nil
}
