package main

import (
	"context"
	"fmt"
	"log/slog"

	"mercator-hq/meridian/pkg/config"
	"mercator-hq/meridian/pkg/gateway"
	"mercator-hq/meridian/pkg/server"
)

func run(path string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(path)
	if err != nil {
		return err
	}

	rt, err := gateway.Build(cfg, gateway.BuildOptions{})
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}
	slog.SetDefault(rt.Logger)
	rt.Logger.Info("starting meridian",
		"version", Version,
		"commit", GitCommit,
		"config", path,
		"listen_address", cfg.Gateway.ListenAddress,
		"admin_address", cfg.Gateway.AdminAddress,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Gateway.Watch {
		w := config.NewWatcher(path, config.WatcherOptions{
			Debounce:     cfg.Gateway.WatchDebounce,
			EnvOverrides: true,
			Logger:       rt.Logger,
		})
		go func() {
			if err := w.Watch(ctx, rt.ApplyConfig); err != nil {
				rt.Logger.Error("config watcher failed", "error", err)
			}
		}()
		defer w.Stop()
	}

	return server.New(cfg.Gateway, rt, rt.Logger).Start(ctx)
}
