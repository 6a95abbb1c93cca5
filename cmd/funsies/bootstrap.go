package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aspuru-guzik-group/funsies/internal/config"
	badgerbackend "github.com/aspuru-guzik-group/funsies/internal/store/badger"
	"github.com/aspuru-guzik-group/funsies/internal/store/memstore"
	postgresbackend "github.com/aspuru-guzik-group/funsies/internal/store/postgres"

	"github.com/aspuru-guzik-group/funsies/internal/store"
)

func loadConfig() (config.Config, error) {
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return config.Default(), nil
		}
		defaultPath := filepath.Join(home, ".funsies", "config.yaml")
		if _, err := os.Stat(defaultPath); err != nil {
			return config.Default(), nil
		}
		return config.Load(defaultPath)
	}
	return config.Load(configPath)
}

// openStore opens the store.Backend named by cfg.Backend and wraps it
// with store.New. The returned close func must be deferred by the
// caller.
func openStore(ctx context.Context, cfg config.Config) (*store.Store, func() error, error) {
	var backend store.Backend
	var err error

	switch cfg.Backend {
	case "badger":
		backend, err = badgerbackend.Open(badgerbackend.DefaultConfig(cfg.BadgerPath))
	case "postgres":
		backend, err = postgresbackend.Open(ctx, cfg.PostgresDSN)
	case "memory":
		backend = memstore.New()
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s backend: %w", cfg.Backend, err)
	}

	s, err := store.New(ctx, backend)
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	return s, s.Close, nil
}
