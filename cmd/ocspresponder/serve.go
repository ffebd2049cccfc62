// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/matthewpi/ocspresponder"
	"github.com/matthewpi/ocspresponder/internal/config"
	"github.com/matthewpi/ocspresponder/internal/filestore"
	"github.com/matthewpi/ocspresponder/internal/server"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve OCSP requests",
		Long: `Serve OCSP requests over HTTP, answering from the database named in the
configuration file. The database and every file it references are watched
and reloaded on change.

Examples:
  ocspresponder serve --config /etc/ocspresponder/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the configuration file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	store, err := filestore.Open(ctx, cfg.Database, filestore.Options{Logger: logger})
	if err != nil {
		return err
	}

	watcher, err := filestore.NewWatcher(ctx, store, filestore.WatcherOptions{
		Debounce: cfg.Debounce,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	go watcher.Start(ctx)

	responder, err := ocspresponder.New(store, ocspresponder.Options{
		Logger:           logger,
		Concurrency:      cfg.Concurrency,
		Timeout:          cfg.Timeout,
		ResponderIDByKey: cfg.ResponderID == config.ResponderIDKey,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, responder, server.Options{Logger: logger})
	if err != nil {
		return err
	}
	// The global provider delegates instruments created before it was set.
	otel.SetMeterProvider(srv.MeterProvider())

	return srv.ListenAndServe(ctx)
}
