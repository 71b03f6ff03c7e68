// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migrate

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all migration service routes with the router.
//
// Description:
//
//	Registers all /v1/migrate/* and /v1/cleanup/* endpoints with the
//	given Gin router group. The router group should already have any
//	required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Migration Endpoints:
//
//	POST /v1/migrate/jobs - Start a migration job (dry_run for preview)
//	GET  /v1/migrate/jobs - List jobs, newest first
//	GET  /v1/migrate/jobs/:id - Get a job's progress and state
//	POST /v1/migrate/jobs/:id/pause - Pause at the next page boundary
//	POST /v1/migrate/jobs/:id/resume - Resume from the checkpoint
//	POST /v1/migrate/jobs/:id/retry - Re-execute failed items
//	POST /v1/migrate/jobs/:id/cancel - Cancel the job
//	GET  /v1/migrate/jobs/:id/events - Recently buffered job events
//	POST /v1/migrate/preview - Synchronous dry-run preview
//	POST /v1/migrate/mappings/propose - Suggest a field mapping
//
// Cleanup Endpoints:
//
//	POST /v1/cleanup/jobs - Start a duplicate cleanup job
//	GET  /v1/cleanup/jobs/:id - Get a cleanup job (shared job store)
//	POST /v1/cleanup/jobs/:id/execute - Execute approved groups
//
// Operational Endpoints:
//
//	GET /v1/migrate/quota - Last observed platform rate-limit window
//	GET /v1/migrate/health - Service health
//	GET /v1/migrate/ready - Job store readiness
//
// Example:
//
//	service, _ := migrate.NewService(cfg)
//	handlers := migrate.NewHandlers(service)
//
//	v1 := router.Group("/v1")
//	migrate.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	m := rg.Group("/migrate")
	{
		m.POST("/jobs", handlers.HandleStartMigration)
		m.GET("/jobs", handlers.HandleListJobs)
		m.GET("/jobs/:id", handlers.HandleGetJob)
		m.POST("/jobs/:id/pause", handlers.HandlePauseJob)
		m.POST("/jobs/:id/resume", handlers.HandleResumeJob)
		m.POST("/jobs/:id/retry", handlers.HandleRetryFailed)
		m.POST("/jobs/:id/cancel", handlers.HandleCancelJob)
		m.GET("/jobs/:id/events", handlers.HandleJobEvents)

		m.POST("/preview", handlers.HandlePreview)
		m.POST("/mappings/propose", handlers.HandleProposeMapping)

		m.GET("/quota", handlers.HandleQuota)
		m.GET("/health", handlers.HandleHealth)
		m.GET("/ready", handlers.HandleReady)
	}

	// Cleanup jobs share the job store; the separate group exists so
	// approval-centric clients never touch migration endpoints.
	cl := rg.Group("/cleanup")
	{
		cl.POST("/jobs", handlers.HandleStartCleanup)
		cl.GET("/jobs/:id", handlers.HandleGetJob)
		cl.POST("/jobs/:id/execute", handlers.HandleExecuteCleanup)
	}
}
