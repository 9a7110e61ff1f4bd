// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sqlshield/shared/logger"
	"sqlshield/shield"
	"sqlshield/shield/sqli"
)

// rulesCmd returns the rules subcommand for inspecting rule catalogs.
func rulesCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect detection rule catalogs",
	}

	cmd.AddCommand(rulesListCmd(configPath))
	cmd.AddCommand(rulesValidateCmd())

	return cmd
}

func rulesListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the active detection rules",
		Long: `List the rules the service would load with the current configuration:
the configured catalog object or file, or the built-in rules.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shield.LoadConfig(*configPath)
			if err != nil {
				return err
			}

			log := logger.NewWithWriter("sqlshield", cmd.ErrOrStderr())
			detector, closeModel := shield.BuildDetector(cmd.Context(), cfg, log)
			defer closeModel(cmd.Context())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSEVERITY\tCATEGORY\tNAME")
			for _, r := range detector.Rules().Rules() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Severity, r.Category, r.Name)
			}
			return w.Flush()
		},
	}
}

func rulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a rule catalog for errors",
		Long: `Decode and compile a YAML or JSON rule catalog and report every invalid
rule. The exit code is 1 when any rule is rejected.

Examples:
  sqlshield rules validate rules.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read rule catalog: %w", err)
			}
			records, err := sqli.DecodeRuleCatalog(data, filepath.Ext(path))
			if err != nil {
				return err
			}

			rules, errs := sqli.CompileRules(records)
			out := cmd.OutOrStdout()
			for _, e := range errs {
				fmt.Fprintf(out, "❌ %v\n", e)
			}
			if len(errs) > 0 {
				return &exitError{code: 1, msg: fmt.Sprintf("%d of %d rules rejected", len(errs), len(records))}
			}

			fmt.Fprintf(out, "✅ %d rules valid\n", rules.Len())
			return nil
		},
	}
}
