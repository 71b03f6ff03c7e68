// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package migrate assembles the migration engine into one service: the
// API gateway with token lifecycle and rate-limit tracking, the durable
// job store, the job runner, and the HTTP surface in front of them.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/workmove/services/migrate/auth"
	"github.com/AleutianAI/workmove/services/migrate/events"
	"github.com/AleutianAI/workmove/services/migrate/job"
	"github.com/AleutianAI/workmove/services/migrate/match"
	"github.com/AleutianAI/workmove/services/migrate/podio"
	"github.com/AleutianAI/workmove/services/migrate/storage/badger"
)

// ServiceVersion is the migration service version.
const ServiceVersion = "0.1.0"

// ServiceConfig configures the migration service.
type ServiceConfig struct {
	// DataDir is the directory for the embedded job and token store.
	// Ignored when InMemory is true.
	DataDir string

	// InMemory keeps all state in memory. Testing only: jobs and tokens
	// do not survive a restart.
	InMemory bool

	// API configures the platform gateway.
	API podio.Config

	// TokenURL is the OAuth token endpoint.
	TokenURL string

	// Credentials authenticate the password grant.
	Credentials auth.Credentials

	// Jobs tunes job execution.
	Jobs job.Config

	// Metrics receives gateway metrics. If nil, none are registered.
	Metrics prometheus.Registerer

	// Logger is the service logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Client overrides the platform gateway. Testing hook; when set,
	// API, TokenURL and Credentials are ignored.
	Client job.Client
}

// Service owns the migration engine's long-lived components.
//
// Description:
//
//	Opens the embedded store, wires the token manager into the gateway
//	client, and builds the job runner on top. One Service serves the
//	whole process; handlers and CLI commands share it.
//
// Thread Safety: Safe for concurrent use after construction.
type Service struct {
	cfg    ServiceConfig
	logger *slog.Logger

	db      *badger.DB
	tokens  *auth.Manager
	gateway *podio.Client
	client  job.Client
	bus     *events.Bus
	runner  *job.Runner

	closed atomic.Bool
}

// NewService builds the migration service.
//
// Outputs:
//
//	*Service - The assembled service. Callers own Close.
func NewService(cfg ServiceConfig) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "migrate_service"))

	dbCfg := badger.DefaultConfig()
	dbCfg.Path = cfg.DataDir
	dbCfg.Logger = logger
	if cfg.InMemory {
		dbCfg = badger.InMemoryConfig()
	}
	db, err := badger.OpenDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}

	s := &Service{
		cfg:    cfg,
		logger: logger,
		db:     db,
		bus:    events.NewBus(logger),
		client: cfg.Client,
	}

	if s.client == nil {
		if cfg.TokenURL == "" || !cfg.Credentials.Complete() {
			db.Close()
			return nil, fmt.Errorf("%w: token URL and credentials are required", ErrNoGateway)
		}
		tokens, err := auth.NewManager(auth.ManagerConfig{
			TokenURL:    cfg.TokenURL,
			Credentials: cfg.Credentials,
			Store:       auth.NewBadgerStore(db),
			Logger:      logger,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("building token manager: %w", err)
		}
		gateway, err := podio.NewClient(cfg.API, tokens, podio.NewRateLimitTracker(), logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("building gateway: %w", err)
		}
		if cfg.Metrics != nil {
			gateway.WithMetrics(podio.NewMetrics(cfg.Metrics))
		}
		s.tokens = tokens
		s.gateway = gateway
		s.client = gateway
	}

	jobCfg := cfg.Jobs
	if jobCfg.Logger == nil {
		jobCfg.Logger = logger
	}
	s.runner = job.NewRunner(job.NewStore(db), s.client, s.bus, jobCfg)
	return s, nil
}

// Runner returns the job runner.
func (s *Service) Runner() *job.Runner {
	return s.runner
}

// Events returns the job event bus.
func (s *Service) Events() *events.Bus {
	return s.bus
}

// Quota returns the gateway's last observed rate-limit snapshot, or
// zeroes when the service runs on an injected client.
func (s *Service) Quota() podio.RateLimitState {
	if s.gateway == nil {
		return podio.RateLimitState{}
	}
	return s.gateway.Tracker().Snapshot()
}

// ProposeMapping suggests a field mapping between two applications.
//
// Description:
//
//	Fetches both schemas and pairs source fields with compatible target
//	fields by external ID and label similarity. The proposal is a
//	starting point for review, not something to feed into a migration
//	blindly.
func (s *Service) ProposeMapping(ctx context.Context, sourceAppID, targetAppID int64) ([]match.Mapping, error) {
	if s.closed.Load() {
		return nil, ErrServiceClosed
	}
	source, err := s.client.GetApp(ctx, sourceAppID)
	if err != nil {
		return nil, fmt.Errorf("fetching source app %d: %w", sourceAppID, err)
	}
	target, err := s.client.GetApp(ctx, targetAppID)
	if err != nil {
		return nil, fmt.Errorf("fetching target app %d: %w", targetAppID, err)
	}
	return match.ProposeMapping(source.Fields, target.Fields), nil
}

// Close shuts the gateway and releases the embedded store. Running jobs
// checkpoint at page boundaries, so a shutdown loses at most one page of
// progress.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.gateway != nil {
		s.gateway.Close()
	}
	return s.db.Close()
}
