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

// Package main implements the sqlshield CLI: it runs the screening service
// and scans payloads offline.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sqlshield/shared/logger"
	"sqlshield/shield"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd(stdin, stdout, stderr)
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(stderr, ee.msg)
			}
			return ee.code
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "sqlshield",
		Short:         "SQL injection screening for HTTP services",
		Long:          `sqlshield screens request data for SQL injection using a rule catalog and a token scorer.`,
		Version:       shield.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(scanCmd(&configPath))
	rootCmd.AddCommand(rulesCmd(&configPath))

	return rootCmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the screening service",
		Long: `Run the HTTP service: the scan API, the shielded demo routes and the
health and metrics endpoints.

Examples:
  sqlshield serve
  SQLSHIELD_MODE=block sqlshield serve --config /etc/sqlshield/shield.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shield.LoadConfig(*configPath)
			if err != nil {
				return err
			}

			log := logger.New("shield")
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := shield.Build(ctx, cfg, log)
			if err != nil {
				return err
			}
			return srv.ListenAndServe(ctx)
		},
	}
}
