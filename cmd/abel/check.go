package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/abel/internal/app"
	"github.com/ent0n29/abel/internal/service"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Initialize every service once and print the readiness report",
	Long: `Check builds the same components as serve, probes each configured
service and prints the readiness report as JSON. It exits non-zero when a
required service is unavailable.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	res, err := app.Build(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = res.Cleanup() }()

	report := res.Registry.Snapshot()
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if report.Status != service.StatusReady {
		return fmt.Errorf("not ready: %s", report.Message)
	}
	return nil
}
