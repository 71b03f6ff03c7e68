// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command workmove migrates items between applications on a
// rate-limited collaboration platform.
//
// Usage:
//
//	workmove serve                 # Start the HTTP API server
//	workmove migrate --source 100 --target 200 --mapping mapping.yaml
//	workmove cleanup --app 100 --match-field email
//	workmove status                # List jobs
//	workmove status <job-id>       # Inspect one job
//
// Credentials come from the environment (or a .env file):
//
//	WORKMOVE_CLIENT_ID, WORKMOVE_CLIENT_SECRET,
//	WORKMOVE_USERNAME, WORKMOVE_PASSWORD
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/workmove/cmd/workmove/config"
	"github.com/AleutianAI/workmove/pkg/logging"
	"github.com/AleutianAI/workmove/services/migrate"
	"github.com/AleutianAI/workmove/services/migrate/auth"
	"github.com/AleutianAI/workmove/services/migrate/job"
	"github.com/AleutianAI/workmove/services/migrate/podio"
)

var (
	configPath string
	cfg        config.Config
	appLogger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "workmove",
	Short: "Migrate items between applications on a rate-limited platform",
	Long: `Workmove copies, updates and deduplicates items across applications
on an OAuth2, rate-limited collaboration platform.

Jobs are durable: progress checkpoints on every page boundary, so a
paused or interrupted migration resumes where it left off.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default ~/.workmove/workmove.yaml)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// .env is a development convenience; absence is normal.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		appLogger = logging.New(logging.Config{
			Level:   logging.ParseLevel(cfg.Logging.Level),
			Service: "workmove",
			JSON:    cfg.Logging.JSON,
			LogDir:  cfg.Logging.Dir,
		})
		slog.SetDefault(appLogger.Slog())
		return nil
	}

	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if appLogger != nil {
			appLogger.Close()
		}
	}
}

// buildService assembles the migration service from the loaded config.
// metrics is nil for CLI commands; the server passes its registry.
func buildService(metrics prometheus.Registerer) (*migrate.Service, error) {
	clientSecret, password := config.Secrets()
	creds := auth.NewCredentials(cfg.Auth.ClientID, clientSecret, cfg.Auth.Username, password)
	if !creds.Complete() {
		return nil, fmt.Errorf("incomplete credentials: set %s, %s, %s and %s",
			config.EnvClientID, config.EnvClientSecret, config.EnvUsername, config.EnvPassword)
	}

	return migrate.NewService(migrate.ServiceConfig{
		DataDir: cfg.DataDir,
		API: podio.Config{
			BaseURL:           cfg.API.BaseURL,
			UserAgent:         cfg.API.UserAgent,
			RequestsPerSecond: cfg.API.RequestsPerSecond,
			Burst:             cfg.API.Burst,
		},
		TokenURL:    cfg.API.TokenURL,
		Credentials: creds,
		Jobs: job.Config{
			PageSize:    cfg.Jobs.PageSize,
			Concurrency: cfg.Jobs.Concurrency,
		},
		Metrics: metrics,
		Logger:  slog.Default(),
	})
}
