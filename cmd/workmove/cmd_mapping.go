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

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	mappingSourceApp int64 // Source application ID
	mappingTargetApp int64 // Target application ID
	mappingAsYAML    bool  // Emit a mapping file instead of a report
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// mappingCmd proposes a field mapping between two applications.
//
// # Description
//
// Fetches both schemas and pairs fields by external ID and label
// similarity. With --yaml the output is a ready-to-edit mapping file
// for `workmove migrate --mapping`; review it before using, especially
// low-confidence pairs.
//
// # Examples
//
//	workmove mapping --source 100 --target 200
//	workmove mapping --source 100 --target 200 --yaml > mapping.yaml
var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Propose a field mapping between two applications",
	RunE:  runMappingCommand,
}

func init() {
	mappingCmd.Flags().Int64Var(&mappingSourceApp, "source", 0, "Source application ID (required)")
	mappingCmd.Flags().Int64Var(&mappingTargetApp, "target", 0, "Target application ID (required)")
	mappingCmd.Flags().BoolVar(&mappingAsYAML, "yaml", false, "Emit a mapping file for the migrate command")
	mappingCmd.MarkFlagRequired("source")
	mappingCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(mappingCmd)
}

func runMappingCommand(cmd *cobra.Command, args []string) error {
	svc, err := buildService(nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	mappings, err := svc.ProposeMapping(context.Background(), mappingSourceApp, mappingTargetApp)
	if err != nil {
		return err
	}
	if len(mappings) == 0 {
		fmt.Fprintln(os.Stderr, "No compatible field pairs found")
		return nil
	}

	if mappingAsYAML {
		out := make(map[string]string, len(mappings))
		for _, m := range mappings {
			out[m.SourceExternalID] = m.TargetExternalID
		}
		data, err := yaml.Marshal(out)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	}

	for _, m := range mappings {
		note := ""
		if m.Note != "" {
			note = "  (" + m.Note + ")"
		}
		fmt.Printf("%-30s -> %-30s %.0f%%%s\n",
			m.SourceExternalID, m.TargetExternalID, m.Confidence*100, note)
	}
	return nil
}
