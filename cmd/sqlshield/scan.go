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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"sqlshield/shared/logger"
	"sqlshield/shield"
	"sqlshield/shield/sqli"
)

// exitBlocked is returned when the evaluated payload would be blocked.
const exitBlocked = 2

type scanOutput struct {
	Action       sqli.Action      `json:"action"`
	ShouldReport bool             `json:"should_report"`
	Report       *sqli.ScanResult `json:"report,omitempty"`
	DurationMS   float64          `json:"duration_ms"`
}

func scanCmd(configPath *string) *cobra.Command {
	var mode string
	var rulesFile string

	cmd := &cobra.Command{
		Use:   "scan [file]",
		Short: "Evaluate a JSON payload",
		Long: `Evaluate a JSON payload read from a file or stdin. Top-level keys are
request sources: query, body, params, cookies and headers.

The evaluation is printed as JSON. The exit code is 2 when the payload
would be blocked.

Examples:
  echo '{"query":{"id":"1 OR 1=1"}}' | sqlshield scan --mode block
  sqlshield scan request.json --rules custom-rules.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shield.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Mode = strings.ToLower(mode)
			}
			if rulesFile != "" {
				cfg.RulesFile = rulesFile
				cfg.RulesURI = ""
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open payload: %w", err)
				}
				defer f.Close()
				in = f
			}
			payload, err := readPayload(in)
			if err != nil {
				return err
			}

			// Diagnostics go to stderr so stdout stays machine readable.
			log := logger.NewWithWriter("sqlshield", cmd.ErrOrStderr())
			detector, closeModel := shield.BuildDetector(cmd.Context(), cfg, log,
				sqli.WithReportCallback(func(event *sqli.DetectionEvent) {
					log.Warn("", "", "SQL injection attempt detected", event.ToDetails())
				}))
			defer closeModel(cmd.Context())

			scanCfg := sqli.NewScanConfig(cfg.ScanOptions(), log).WithReporting(true)
			ev := detector.Evaluate(cmd.Context(), payload, scanCfg)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(scanOutput{
				Action:       ev.Action,
				ShouldReport: ev.ShouldReport,
				Report:       ev.Report,
				DurationMS:   float64(ev.Duration.Microseconds()) / 1000,
			}); err != nil {
				return err
			}

			if ev.Action == sqli.ActionBlock {
				return &exitError{code: exitBlocked}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "enforcement mode: block, warn or silent")
	cmd.Flags().StringVar(&rulesFile, "rules", "", "rule catalog file (YAML or JSON)")
	return cmd
}

func readPayload(r io.Reader) (sqli.Payload, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	var raw map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	return shield.PayloadFromMap(raw)
}
