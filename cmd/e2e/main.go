// Package main provides the e2e test runner CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/caseflow/test/e2e/scenarios"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		apiURL       string
		outputJSON   bool
		stageTimeout time.Duration
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "e2e [scenario]",
		Short: "Run caseflow e2e tests",
		Long: `Run end-to-end tests against a running caseflow server.

The server is expected to be up already, typically pointed at the mock-llm
fixture server so runs are deterministic and offline.

Available scenarios:
  full-pipeline  - Drives summary, findings, review, recommendations, report
  rerun          - Verifies cached results, explicit re-runs, and rejections
  all            - Run all scenarios (default)

Examples:
  e2e                                    # Run all scenarios
  e2e full-pipeline                      # Run a specific scenario
  e2e --json                             # Output results as JSON
  e2e --api http://localhost:8080/api    # Custom server URL
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scenarioName := "all"
			if len(args) > 0 {
				scenarioName = args[0]
			}

			opts := scenarios.Options{
				APIBaseURL:   apiURL,
				StageTimeout: stageTimeout,
			}

			var toRun []scenarios.Scenario
			if scenarioName == "all" {
				toRun = scenarios.All(opts)
			} else {
				s := scenarios.ByName(scenarioName, opts)
				if s == nil {
					return fmt.Errorf("unknown scenario: %s", scenarioName)
				}
				toRun = []scenarios.Scenario{s}
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
			defer cancelTimeout()

			return runScenarios(ctx, toRun, outputJSON)
		},
	}

	cmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080/api", "caseflow server API URL")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")
	cmd.Flags().DurationVar(&stageTimeout, "stage-timeout", 2*time.Minute, "per-stage completion timeout")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "overall run timeout")

	return cmd
}

func runScenarios(ctx context.Context, toRun []scenarios.Scenario, outputJSON bool) error {
	results := make([]*scenarios.Result, 0, len(toRun))
	failed := 0

	for _, s := range toRun {
		if !outputJSON {
			fmt.Printf("=== %s: %s\n", s.Name(), s.Description())
		}

		result, err := s.Execute(ctx)
		if err != nil {
			// Execute errors are harness failures, not scenario verdicts.
			return fmt.Errorf("scenario %s: %w", s.Name(), err)
		}
		results = append(results, result)

		if !result.Success {
			failed++
		}
		if !outputJSON {
			printResult(result)
		}
	}

	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scenario(s) failed", failed, len(toRun))
	}
	if !outputJSON {
		fmt.Printf("\nAll %d scenario(s) passed\n", len(toRun))
	}
	return nil
}

func printResult(r *scenarios.Result) {
	for _, s := range r.Steps {
		mark := "ok"
		if !s.Success {
			mark = "FAIL"
		}
		fmt.Printf("  [%s] %-32s %s\n", mark, s.Name, s.Duration.Round(time.Millisecond))
		if s.Error != "" {
			fmt.Printf("        %s\n", s.Error)
		}
	}
	verdict := "PASS"
	if !r.Success {
		verdict = "FAIL"
	}
	fmt.Printf("  %s (%s)\n\n", verdict, r.Duration.Round(time.Millisecond))
}
