// Shoal is a Redfish aggregator service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"microq/internal/api"
	"microq/internal/auth"
	"microq/internal/config"
	"microq/internal/logging"
	"microq/internal/scheduler"
	"microq/internal/store"
)

func main() {
	defaults := config.Default()

	var (
		port          = flag.String("port", defaults.Port, "HTTP server port")
		dbPath        = flag.String("db", defaults.DatabaseURI, "SQLite database path")
		apiRoot       = flag.String("api-root", defaults.APIRoot, "mount point for every microq route")
		logLevel      = flag.String("log-level", defaults.LogLevel, "log level (debug, info, warn, error)")
		configFile    = flag.String("config", "", "optional YAML config file, overlaid under flags and env vars")
		adminUser     = flag.String("admin-user", defaults.AdminUser, "username for the bootstrapped admin account")
		adminPassword = flag.String("admin-password", "", "password for the bootstrapped admin account (uses USERVICE_ADMIN_PASSWORD if unset)")
		schedCache    = flag.Int("scheduler-cache-size", 256, "LRU size for the scheduler's per-project mean-processing-time cache")
	)
	flag.Parse()

	cfg, err := config.LoadFile(defaults, *configFile)
	if err != nil {
		fatalf("load config: %v", err)
	}
	cfg = config.ApplyEnv(cfg)
	if *port != defaults.Port {
		cfg.Port = *port
	}
	if *dbPath != defaults.DatabaseURI {
		cfg.DatabaseURI = *dbPath
	}
	if *apiRoot != defaults.APIRoot {
		cfg.APIRoot = *apiRoot
	}
	if *logLevel != defaults.LogLevel {
		cfg.LogLevel = *logLevel
	}
	if *adminUser != defaults.AdminUser {
		cfg.AdminUser = *adminUser
	}
	if *adminPassword != "" {
		cfg.AdminPassword = *adminPassword
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()

	db, err := store.New(cfg.DatabaseURI)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Migrate(ctx); err != nil {
		slog.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	authn := auth.New(db)
	if err := createDefaultAdminUser(ctx, db, authn, cfg.AdminUser, cfg.AdminPassword); err != nil {
		slog.Error("failed to create default admin user", "error", err)
		os.Exit(1)
	}

	sched, err := scheduler.New(db, *schedCache)
	if err != nil {
		slog.Error("failed to initialize scheduler", "error", err)
		os.Exit(1)
	}

	handler := api.NewRouter(db, sched, cfg.APIRoot)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting microq", "port", cfg.Port, "api_root", cfg.APIRoot, "production", cfg.Production)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server exited")
}

// createDefaultAdminUser bootstraps the service's first admin account when
// the user table is empty, mirroring the §6 requirement that a fresh
// install is immediately usable without a separate provisioning step.
func createDefaultAdminUser(ctx context.Context, db *store.DB, authn *auth.Authenticator, username, password string) error {
	count, err := db.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		password = "admin"
	}

	if _, err := authn.CreateUser(ctx, username, password, "admin"); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("created default admin user", "username", username)
	if password == "admin" {
		slog.Warn("using default admin password, change it immediately")
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "microq: "+format+"\n", args...)
	os.Exit(1)
}
