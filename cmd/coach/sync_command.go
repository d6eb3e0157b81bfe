package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"salescoach/api/internal/cache"
)

func newSyncCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull the team's content once and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ctx.flags.token == "" {
				return fmt.Errorf("a credential is required (--token or COACH_TOKEN)")
			}
			client := ctx.newClient(nil)
			if err := client.Sync(cmd.Context()); err != nil {
				return err
			}
			writeSummary(cmd.OutOrStdout(), client.Snapshot())
			return nil
		},
	}
}

func writeSummary(w io.Writer, snapshot *cache.Snapshot) {
	fmt.Fprintln(w, countsTable(snapshot.TeamID(), snapshot.Counts()).render())

	watermark := "never"
	if wm := snapshot.Watermark(); !wm.IsZero() {
		watermark = wm.Format(time.RFC3339Nano)
	}
	fmt.Fprintf(w, "Watermark: %s\nObjections in corpus: %d\n", watermark, snapshot.Corpus().Len())
}
