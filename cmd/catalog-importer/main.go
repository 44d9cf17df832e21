// Package main validates and imports a module catalog file.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/palettehq/palette/internal/platform/config"
	catalogimporter "github.com/palettehq/palette/internal/tools/importer/catalog/v1"
)

func main() {
	cfg, err := catalogimporter.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	if err := catalogimporter.Run(context.Background(), cfg, os.Stdout); err != nil {
		config.Exitf("Error: %v", err)
	}
}
