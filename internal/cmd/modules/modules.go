// Package modules parses modules service flags and launches the service.
package modules

import (
	"context"
	"flag"

	entrypoint "github.com/palettehq/palette/internal/platform/cmd"
	server "github.com/palettehq/palette/internal/services/modules/app"
)

// Config holds modules command configuration.
type Config struct {
	Port int `env:"PALETTE_MODULES_PORT" envDefault:"8090"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The modules gRPC server port")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the modules gRPC API service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceModules, func(context.Context) error {
		return server.Run(ctx, cfg.Port)
	})
}
