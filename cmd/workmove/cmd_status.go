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
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/workmove/services/migrate/job"
)

var statusJSONOutput bool // Output as JSON

// statusCmd lists jobs or inspects one.
//
// # Description
//
// Without arguments lists all jobs, newest first. With a job ID prints
// that job's full state: progress, checkpoint, failed items and (for
// cleanup jobs) detected duplicate groups. Piped output switches to
// JSON automatically; --json forces it.
//
// # Examples
//
//	workmove status
//	workmove status 4f7c...
//	workmove status --json | jq '.jobs[].status'
var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show job progress and state",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatusCommand,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSONOutput, "json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatusCommand(cmd *cobra.Command, args []string) error {
	svc, err := buildService(nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := context.Background()
	asJSON := statusJSONOutput || !isatty.IsTerminal(os.Stdout.Fd())

	if len(args) == 1 {
		j, err := svc.Runner().Get(ctx, args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(j)
		}
		printJobDetail(j)
		return nil
	}

	jobs, err := svc.Runner().List(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(map[string]any{"jobs": jobs, "count": len(jobs)})
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tPROGRESS\tFAILED\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			j.ID, j.Kind, j.Status,
			j.Progress.Processed, j.Progress.Total, j.Progress.Failed,
			j.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJobDetail(j *job.Job) {
	fmt.Printf("Job:      %s (%s)\n", j.ID, j.Kind)
	fmt.Printf("Status:   %s\n", j.Status)
	if j.Error != "" {
		fmt.Printf("Error:    %s\n", j.Error)
	}
	fmt.Printf("Progress: %d/%d processed, %d ok, %d failed, %d skipped\n",
		j.Progress.Processed, j.Progress.Total,
		j.Progress.Succeeded, j.Progress.Failed, j.Progress.Skipped)
	if j.Checkpoint.Offset > 0 {
		fmt.Printf("Checkpoint: offset %d (item %d, %s)\n",
			j.Checkpoint.Offset, j.Checkpoint.LastItemID,
			j.Checkpoint.UpdatedAt.Local().Format(time.DateTime))
	}
	if j.Preview != nil {
		fmt.Printf("Preview:  %d create, %d update, %d skip, %d fail\n",
			j.Preview.WouldCreate, j.Preview.WouldUpdate,
			j.Preview.WouldSkip, j.Preview.WouldFail)
	}
	if j.AwaitingApproval {
		fmt.Printf("Awaiting approval: %d duplicate groups detected\n", len(j.Groups))
	}
	if len(j.FailedItems) > 0 {
		fmt.Printf("\nFailed items (%d):\n", len(j.FailedItems))
		for i, f := range j.FailedItems {
			if i >= 10 {
				fmt.Printf("  ... and %d more\n", len(j.FailedItems)-i)
				break
			}
			fmt.Printf("  %d [%s]: %s\n", f.SourceItemID, f.Op, f.Reason)
		}
	}
}
