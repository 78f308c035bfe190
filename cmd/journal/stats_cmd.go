package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	journal "github.com/emidln/s3-journal"
)

func newStatsCommand(newJournal func() (*journal.Journal, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Recover local/remote state and print the resulting counters once",
		Long: `stats opens the journal (running the same crash recovery a long-running
process would on startup), prints enqueued/uploaded/pending counters, and
closes. Useful for checking what a prior crash left behind without starting
a full serve process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := newJournal()
			if err != nil {
				return err
			}
			stats := j.Stats()
			if closeErr := j.Close(); closeErr != nil {
				return closeErr
			}
			now := time.Now()
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued=%s uploaded=%s pending=%s oldest_pending=%s\n",
				humanize.Comma(stats.Enqueued), humanize.Comma(stats.Uploaded),
				humanize.Comma(int64(stats.Queue.Pending)),
				humanize.RelTime(now.Add(-stats.Queue.OldestPending), now, "ago", "from now"))
			return nil
		},
	}
}
