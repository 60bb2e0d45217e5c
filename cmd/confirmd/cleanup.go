package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/confirmbot/confirmd/internal/debug"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup-attachments",
	Short: "Fold duplicate attachment rows into their canonical row",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		eng, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.close()

		// buildEngine already runs one pass at boot; run an explicit second
		// pass so the command reports fresh numbers.
		stats, err := eng.store.CleanupDuplicateAttachments(ctx)
		if err != nil {
			return err
		}
		debug.PrintNormal("groups=%d deleted=%d backrefs_rewritten=%d\n", stats.Groups, stats.Deleted, stats.Rewritten)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
