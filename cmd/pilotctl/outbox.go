package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mailpilot/pkg/db"
	"mailpilot/pkg/outbox"
)

var (
	outboxEventID int64
	outboxLimit   int
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Manage the transactional outbox",
}

var outboxReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Hand failed outbox events back to the dispatcher",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := db.NewConnection(cfg.DB, log)
		if err != nil {
			return err
		}
		defer pool.Close()

		replay := outbox.NewReplayService(outbox.NewRepository(pool))
		if outboxEventID > 0 {
			if err := replay.ReplayEvent(cmd.Context(), outboxEventID); err != nil {
				return err
			}
			fmt.Printf("event %d reset to pending\n", outboxEventID)
			return nil
		}

		n, err := replay.ReplayFailedEvents(cmd.Context(), outboxLimit)
		if err != nil {
			return err
		}
		fmt.Printf("%d failed event(s) reset to pending\n", n)
		return nil
	},
}

func init() {
	outboxReplayCmd.Flags().Int64Var(&outboxEventID, "id", 0, "replay a single event regardless of its status")
	outboxReplayCmd.Flags().IntVar(&outboxLimit, "limit", 100, "maximum number of failed events to reset")
	outboxCmd.AddCommand(outboxReplayCmd)
	rootCmd.AddCommand(outboxCmd)
}
