package main

import (
	"log/slog"
	"os"

	"chatrelay/internal/config"
	"chatrelay/internal/db/migrate"
	"chatrelay/internal/logging"
)

func main() {
	cfg := config.LoadMigrate()
	logging.Init("migrate", cfg.LogFormat, "info")

	if err := migrate.Run(cfg.DBDSN, cfg.Direction); err != nil {
		slog.Error("migration failed", "direction", cfg.Direction, "err", err)
		os.Exit(1)
	}
	version, dirty, err := migrate.Version(cfg.DBDSN)
	if err != nil {
		slog.Error("migration version lookup failed", "err", err)
		os.Exit(1)
	}
	slog.Info("migrations applied", "direction", cfg.Direction, "version", version, "dirty", dirty)
}
