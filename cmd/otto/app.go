package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ottohq/otto/internal/api"
	"github.com/ottohq/otto/internal/config"
	"github.com/ottohq/otto/internal/control"
	"github.com/ottohq/otto/internal/identity"
	"github.com/ottohq/otto/internal/storage"
)

// app bundles the wired control plane for a CLI invocation.
type app struct {
	cfg        config.Config
	store      *storage.Store
	controller *control.Controller
}

// newApp loads config, opens storage, and starts the control plane.
// The caller must call close when done.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	token := func() string { return cfg.Identity.AuthToken }
	remote := api.New(cfg.API.BaseURL, api.TokenSource(token), nil)
	provider := identity.New(cfg.Identity.BaseURL, token, nil, nil)

	controller := control.New(provider, remote, store, nil, nil)
	if err := controller.Start(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("starting control plane: %w", err)
	}

	return &app{cfg: cfg, store: store, controller: controller}, nil
}

func (a *app) close() {
	a.controller.Stop()
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

// openStore opens storage without starting the control plane, for
// commands that only need local data.
func openStore(cfg config.Config) (*storage.Store, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

// reportBanner surfaces the error banner after a failed operation and
// returns a terminal error carrying the same message.
func (a *app) reportBanner(op string) error {
	if banner := a.controller.Banner(); banner != nil {
		if banner.Retry != nil {
			printWarning("%s (retry with: otto retry)", banner.Message)
		} else {
			printWarning("%s", banner.Message)
		}
		return fmt.Errorf("%s failed: %s", op, banner.Message)
	}
	return fmt.Errorf("%s failed", op)
}
