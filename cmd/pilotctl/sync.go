package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/repository"
	"mailpilot/pkg/db"
	"mailpilot/pkg/mq"
	"mailpilot/pkg/tokencrypt"
	"mailpilot/pkg/trace"
)

var syncInitial bool

var syncCmd = &cobra.Command{
	Use:   "sync ACCOUNT_ID",
	Short: "Enqueue a sync job for one account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid account id %q", args[0])
		}

		pool, err := db.NewConnection(cfg.DB, log)
		if err != nil {
			return err
		}
		defer pool.Close()

		box, err := tokencrypt.NewBox(cfg.Security.TokenKey)
		if err != nil {
			return err
		}
		acct, err := repository.NewStore(pool, box).GetAccount(cmd.Context(), accountID)
		if err != nil {
			return fmt.Errorf("load account %d: %w", accountID, err)
		}
		if !acct.IsActive || acct.ReauthRequired {
			return fmt.Errorf("account %d is inactive or awaiting re-authorization", accountID)
		}

		publisher, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			return err
		}
		defer publisher.Close()

		trigger := mqcontracts.SyncIncremental
		if syncInitial {
			trigger = mqcontracts.SyncInitial
		}
		ctx := trace.Ensure(cmd.Context())
		job := mqcontracts.SyncJobPayload{
			Type:      trigger,
			AccountID: acct.ID,
			UserID:    acct.UserID,
			TraceID:   trace.FromContext(ctx),
		}
		if err := publisher.Publish(ctx, mqcontracts.RoutingKeySync, job); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		fmt.Printf("queued %s sync for account %d (trace %s)\n", trigger, acct.ID, job.TraceID)
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncInitial, "initial", false, "run a full initial sync instead of an incremental one")
	rootCmd.AddCommand(syncCmd)
}
