// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/workmove/services/migrate"
)

var servePort int

// serveCmd starts the HTTP API server.
//
// # Description
//
// Serves the migration API under /v1/migrate and /v1/cleanup, with
// Prometheus metrics on /metrics. Shutdown is graceful: running jobs
// checkpoint at page boundaries, so an interrupted migration resumes
// from its last completed page on restart.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the migration API server",
	Long: `Starts the HTTP API server.

Endpoints:
  POST /v1/migrate/jobs            Start a migration
  GET  /v1/migrate/jobs            List jobs
  GET  /v1/migrate/jobs/:id        Job progress and state
  POST /v1/migrate/jobs/:id/pause  Pause at the next page boundary
  POST /v1/cleanup/jobs            Start a duplicate cleanup
  GET  /metrics                    Prometheus metrics`,
	RunE: runServeCommand,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServeCommand(cmd *cobra.Command, args []string) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc, err := buildService(registry)
	if err != nil {
		return err
	}
	defer svc.Close()

	// Jobs interrupted by a previous shutdown surface as paused and
	// resume via the API from their last checkpoint.
	if unfinished, err := svc.Runner().Unfinished(cmd.Context()); err == nil && len(unfinished) > 0 {
		for _, j := range unfinished {
			slog.Info("Found unfinished job",
				slog.String("job_id", j.ID),
				slog.String("status", string(j.Status)),
				slog.Int("offset", j.Checkpoint.Offset))
		}
	}

	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Server.Debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	migrate.RegisterRoutes(v1, migrate.NewHandlers(svc))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting workmove server", slog.String("address", srv.Addr))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-quit:
		slog.Info("Shutting down workmove server", slog.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}
