package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/bankgate/internal/config"
	"github.com/wudi/bankgate/internal/gateway"
	"github.com/wudi/bankgate/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bankgate %s (built %s)\n", version, buildTime)
		return
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Printf("Configuration is valid: %d routes, %d upstreams, %d rate zones\n",
			len(cfg.Routes), len(cfg.Upstreams), len(cfg.RateLimit.Zones))
		return
	}

	if err := run(cfg, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "bankgate: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, path string) error {
	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting bankgate", startupFields(cfg, path)...)

	server, err := gateway.NewServer(cfg)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		return err
	}
	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		return err
	}
	return nil
}

// startupFields summarizes the loaded config for the startup line.
func startupFields(cfg *config.Config, path string) []zap.Field {
	fields := []zap.Field{
		zap.String("version", version),
		zap.String("config", path),
		zap.String("listen", cfg.Server.Address),
		zap.Int("routes", len(cfg.Routes)),
		zap.Int("upstreams", len(cfg.Upstreams)),
		zap.Int("rate_zones", len(cfg.RateLimit.Zones)),
		zap.Strings("global_zones", cfg.RateLimit.Global),
		zap.Bool("maintenance", cfg.Maintenance.Enabled),
	}
	if cfg.Cache.Enabled {
		fields = append(fields, zap.String("cache_store", cfg.Cache.Store))
	}
	if cfg.Admin.Enabled {
		fields = append(fields, zap.String("admin", cfg.Admin.Address))
	}
	if f := cfg.Maintenance.FlagFile; f != "" {
		fields = append(fields, zap.String("maintenance_flag", f))
	}
	return fields
}
