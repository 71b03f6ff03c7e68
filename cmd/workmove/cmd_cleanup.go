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
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/workmove/services/migrate/dedupe"
	"github.com/AleutianAI/workmove/services/migrate/job"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	cleanupAppID      int64  // Application to scan
	cleanupMatchField string // Field anchoring duplicate comparison
	cleanupStrategy   string // oldest or newest survivor
	cleanupDryRun     bool   // Detect and report without deleting
	cleanupYes        bool   // Skip the interactive confirmation
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// cleanupCmd detects and removes duplicate items in one application.
//
// # Description
//
// Runs detection first and shows every duplicate group with its chosen
// survivor. On a terminal the command asks for confirmation before
// deleting; --yes skips the prompt, --dry-run stops after the report.
//
// # Examples
//
//	workmove cleanup --app 100 --match-field email --dry-run
//	workmove cleanup --app 100 --match-field email
//	workmove cleanup --app 100 --match-field email --strategy newest --yes
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Detect and remove duplicate items in an application",
	Long: `Detects duplicate items by normalized match-field value and removes
the non-survivors of each group.

Normalization trims and lowercases text, rounds numbers to integers,
and collapses absent values, so "Alice@Example.com " and
"alice@example.com" count as the same value.

The survivor is the oldest item by default (--strategy newest keeps the
newest). Deletion requires confirmation unless --yes or --dry-run.`,
	RunE: runCleanupCommand,
}

func init() {
	cleanupCmd.Flags().Int64Var(&cleanupAppID, "app", 0, "Application ID to scan (required)")
	cleanupCmd.Flags().StringVar(&cleanupMatchField, "match-field", "", "Field anchoring duplicate comparison (required)")
	cleanupCmd.Flags().StringVar(&cleanupStrategy, "strategy", "oldest", "Survivor strategy: oldest or newest")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Report duplicate groups without deleting")
	cleanupCmd.Flags().BoolVar(&cleanupYes, "yes", false, "Delete without interactive confirmation")
	cleanupCmd.MarkFlagRequired("app")
	cleanupCmd.MarkFlagRequired("match-field")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanupCommand(cmd *cobra.Command, args []string) error {
	svc, err := buildService(nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := context.Background()
	j, err := svc.Runner().StartCleanup(ctx, job.CleanupSpec{
		AppID:      cleanupAppID,
		MatchField: cleanupMatchField,
		Strategy:   dedupe.KeepStrategy(cleanupStrategy),
		Mode:       job.CleanupManual,
		DryRun:     cleanupDryRun,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Started cleanup job %s, detecting duplicates...\n", j.ID)
	j, err = waitSettled(ctx, svc.Runner(), j.ID)
	if err != nil {
		return err
	}
	if j.Status == job.StatusFailed {
		return fmt.Errorf("detection failed: %s", j.Error)
	}

	if len(j.Groups) == 0 {
		fmt.Println("No duplicate groups found")
		return nil
	}

	toDelete := 0
	for _, g := range j.Groups {
		toDelete += len(g.DeleteIDs)
		fmt.Printf("\n%q: %d items, keeping %d\n", g.Value, len(g.Items), g.KeepID)
		for _, item := range g.Items {
			marker := "delete"
			if item.ItemID == g.KeepID {
				marker = "keep  "
			}
			fmt.Printf("  [%s] %d  %s  (created %s)\n", marker, item.ItemID, item.Title, item.CreatedOn)
		}
	}
	fmt.Printf("\n%d duplicate groups, %d items to delete\n", len(j.Groups), toDelete)

	if cleanupDryRun {
		fmt.Println("Dry run: nothing deleted")
		return nil
	}
	if !cleanupYes && !confirm(fmt.Sprintf("Delete %d items?", toDelete)) {
		fmt.Println("Aborted; no items deleted")
		return nil
	}

	j, err = svc.Runner().ExecuteCleanup(ctx, j.ID, nil)
	if err != nil {
		return err
	}
	j, err = waitSettled(ctx, svc.Runner(), j.ID)
	if err != nil {
		return err
	}
	if j.Status == job.StatusFailed {
		return fmt.Errorf("cleanup failed: %s", j.Error)
	}
	fmt.Printf("Deleted %d items (%d failed)\n", j.Progress.Succeeded, j.Progress.Failed)
	return nil
}

// waitSettled polls until the job leaves its running states.
func waitSettled(ctx context.Context, r *job.Runner, id string) (*job.Job, error) {
	for {
		r.Wait(id)
		j, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch j.Status {
		case job.StatusPlanning, job.StatusDetecting, job.StatusInProgress:
			time.Sleep(100 * time.Millisecond)
		default:
			return j, nil
		}
	}
}

// confirm asks on the terminal; non-terminal stdin refuses.
func confirm(prompt string) bool {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		fmt.Println("stdin is not a terminal; use --yes to confirm non-interactively")
		return false
	}
	fmt.Printf("%s [y/N]: ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
