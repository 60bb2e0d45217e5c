package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var pollDryRun bool

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one due-case poll tick",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		eng, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.close()

		result, err := eng.poll.PollDue(ctx, pollDryRun)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	pollCmd.Flags().BoolVar(&pollDryRun, "dry-run", false, "read everything, mutate nothing")
	rootCmd.AddCommand(pollCmd)
}
