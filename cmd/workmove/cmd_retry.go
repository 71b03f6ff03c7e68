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

	"github.com/spf13/cobra"
)

// retryCmd re-executes a settled job's failed items.
//
// # Description
//
// Each failed item is re-read from the source before the retry, so the
// write carries current data rather than a stale snapshot. Update-mode
// jobs are refused.
//
// # Examples
//
//	workmove retry 4f7c...
var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-execute a job's failed items",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetryCommand,
}

func init() {
	rootCmd.AddCommand(retryCmd)
}

func runRetryCommand(cmd *cobra.Command, args []string) error {
	svc, err := buildService(nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := context.Background()
	j, err := svc.Runner().RetryFailed(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Retrying %d failed items on job %s\n", len(j.FailedItems), j.ID)
	return followJob(ctx, svc, j.ID)
}
