package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/confirmbot/confirmd/internal/debug"
	"github.com/confirmbot/confirmd/internal/orchestrator"
)

var (
	orchestrateMode     string
	orchestrateLookback int
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate <case-id>",
	Short: "Run the orchestrator over one case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		eng, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.close()

		mode := orchestrator.Mode(orchestrateMode)
		if !mode.Valid() {
			return fmt.Errorf("unknown mode %q", orchestrateMode)
		}

		sink := func(stage, message string) {
			debug.PrintNormal("[%s] %s\n", stage, message)
		}
		outcome, err := eng.orch.Run(ctx, args[0], mode, orchestrateLookback, sink)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	},
}

func init() {
	orchestrateCmd.Flags().StringVar(&orchestrateMode, "mode", string(orchestrator.ModeDryRun), "dry_run, queue_only, or auto_send")
	orchestrateCmd.Flags().IntVar(&orchestrateLookback, "lookback", 0, "inbox lookback in days")
	rootCmd.AddCommand(orchestrateCmd)
}
