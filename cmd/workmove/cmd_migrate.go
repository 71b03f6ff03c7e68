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
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/workmove/services/migrate"
	"github.com/AleutianAI/workmove/services/migrate/job"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	migrateSourceApp     int64  // Source application ID
	migrateTargetApp     int64  // Target application ID
	migrateMode          string // create, update or upsert
	migrateMappingFile   string // YAML file mapping source to target fields
	migrateMatchField    string // Match field for update/upsert
	migrateDryRun        bool   // Preview without writing
	migrateTransferFiles bool   // Copy file attachments
	migrateDetach        bool   // Return immediately instead of following
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// migrateCmd starts a migration and follows it to completion.
//
// # Description
//
// Launches a migration job and, unless --detach is given, polls its
// progress until the job settles. Progress persists on every page
// boundary, so interrupting the command (or the process) never loses
// more than one page of work; a re-run of the same job ID resumes.
//
// # Examples
//
//	workmove migrate --source 100 --target 200 --mapping mapping.yaml
//	workmove migrate --source 100 --target 200 --mapping mapping.yaml --mode upsert --match-field email
//	workmove migrate --source 100 --target 200 --mapping mapping.yaml --dry-run
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate items from a source application to a target",
	Long: `Starts a migration job and follows it to completion.

The mapping file is YAML, source external field ID to target:

  email: contact_email
  full_name: name
  amount: budget

Modes:
  create  Create every source item in the target (default)
  update  Update matched target items; skip unmatched sources
  upsert  Update matched, create the rest

Use --dry-run first: it streams the real source data and reports what
would happen without writing anything.`,
	RunE: runMigrateCommand,
}

func init() {
	migrateCmd.Flags().Int64Var(&migrateSourceApp, "source", 0, "Source application ID (required)")
	migrateCmd.Flags().Int64Var(&migrateTargetApp, "target", 0, "Target application ID (required)")
	migrateCmd.Flags().StringVar(&migrateMode, "mode", "create", "Migration mode: create, update or upsert")
	migrateCmd.Flags().StringVar(&migrateMappingFile, "mapping", "", "YAML field mapping file (required)")
	migrateCmd.Flags().StringVar(&migrateMatchField, "match-field", "", "Source field that locates target counterparts")
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "Preview outcomes without writing")
	migrateCmd.Flags().BoolVar(&migrateTransferFiles, "transfer-files", false, "Copy file attachments with created items")
	migrateCmd.Flags().BoolVar(&migrateDetach, "detach", false, "Start the job and return immediately")
	migrateCmd.MarkFlagRequired("source")
	migrateCmd.MarkFlagRequired("target")
	migrateCmd.MarkFlagRequired("mapping")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrateCommand(cmd *cobra.Command, args []string) error {
	mapping, err := loadMappingFile(migrateMappingFile)
	if err != nil {
		return err
	}

	svc, err := buildService(nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := context.Background()
	j, err := svc.Runner().Start(ctx, job.MigrationSpec{
		SourceAppID:   migrateSourceApp,
		TargetAppID:   migrateTargetApp,
		Mode:          job.Mode(migrateMode),
		Mapping:       mapping,
		MatchField:    migrateMatchField,
		TransferFiles: migrateTransferFiles,
		DryRun:        migrateDryRun,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Started migration job %s\n", j.ID)
	if migrateDetach {
		return nil
	}
	return followJob(ctx, svc, j.ID)
}

// loadMappingFile reads a YAML source-to-target field mapping.
func loadMappingFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mapping file: %w", err)
	}
	var mapping map[string]string
	if err := yaml.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("parsing mapping file %s: %w", path, err)
	}
	if len(mapping) == 0 {
		return nil, fmt.Errorf("mapping file %s is empty", path)
	}
	return mapping, nil
}

// followJob polls a job until it settles, printing progress lines.
func followJob(ctx context.Context, svc *migrate.Service, id string) error {
	var lastProcessed = -1
	for {
		j, err := svc.Runner().Get(ctx, id)
		if err != nil {
			return err
		}

		if j.Progress.Processed != lastProcessed {
			lastProcessed = j.Progress.Processed
			fmt.Printf("  %s: %d/%d processed (%d ok, %d failed, %d skipped)\n",
				j.Status, j.Progress.Processed, j.Progress.Total,
				j.Progress.Succeeded, j.Progress.Failed, j.Progress.Skipped)
		}

		switch j.Status {
		case job.StatusCompleted:
			printJobOutcome(j)
			return nil
		case job.StatusFailed:
			return fmt.Errorf("job failed: %s", j.Error)
		case job.StatusCancelled:
			fmt.Println("Job cancelled")
			return nil
		case job.StatusPaused:
			fmt.Printf("Job paused at offset %d; resume with the API or re-run status\n", j.Checkpoint.Offset)
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// printJobOutcome summarizes a settled job.
func printJobOutcome(j *job.Job) {
	if j.Preview != nil {
		fmt.Printf("Dry run: %d would create, %d would update, %d would skip, %d would fail\n",
			j.Preview.WouldCreate, j.Preview.WouldUpdate, j.Preview.WouldSkip, j.Preview.WouldFail)
		for _, reason := range j.Preview.SampleFailures {
			fmt.Printf("  failure: %s\n", reason)
		}
		return
	}
	fmt.Printf("Completed: %d succeeded, %d failed, %d skipped\n",
		j.Progress.Succeeded, j.Progress.Failed, j.Progress.Skipped)
	if j.Progress.Failed > 0 {
		fmt.Printf("Retry failed items with: workmove retry %s\n", j.ID)
	}
}
