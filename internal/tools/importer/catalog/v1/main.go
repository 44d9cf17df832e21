// Package catalogimporter loads a module catalog file into the modules
// database, rejecting catalogs that would break activation semantics.
package catalogimporter

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	storagesqlite "github.com/palettehq/palette/internal/services/modules/storage/sqlite"
)

// Config holds configuration for the catalog importer.
type Config struct {
	File   string
	DBPath string
	DryRun bool
}

// ParseConfig parses CLI flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{
		DBPath: filepath.Join("data", "modules.db"),
	}

	fs.StringVar(&cfg.File, "file", "", "path to the catalog JSON file")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "modules database path")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "validate without writing to the database")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.File) == "" {
		return Config{}, errors.New("file is required")
	}
	return cfg, nil
}

// Run executes the importer using the provided Config.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if out == nil {
		out = io.Discard
	}

	payload, err := readCatalogFile(cfg.File)
	if err != nil {
		return err
	}
	if err := validateCatalog(payload); err != nil {
		return err
	}

	if cfg.DryRun {
		_, err = fmt.Fprintf(out, "validated %d module(s), %d dependency edge(s)\n",
			len(payload.Modules), len(payload.Dependencies))
		return err
	}

	store, err := storagesqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open modules store: %w", err)
	}
	defer store.Close()

	modules, edges, err := upsertCatalog(ctx, store, payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "imported %d module(s), %d dependency edge(s)\n", modules, edges)
	return err
}
