package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/pkg/mq"
)

var dlqLimit int

var queueAliases = map[string]string{
	"sync":       mqcontracts.QueueSync,
	"classify":   mqcontracts.QueueClassify,
	"autohandle": mqcontracts.QueueAutoHandle,
}

func resolveQueue(name string) (string, error) {
	if q, ok := queueAliases[name]; ok {
		return q, nil
	}
	for _, q := range queueAliases {
		if q == name {
			return q, nil
		}
	}
	return "", fmt.Errorf("unknown queue %q (want sync, classify or autohandle)", name)
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered jobs",
}

var dlqPeekCmd = &cobra.Command{
	Use:   "peek QUEUE",
	Short: "Show dead-lettered jobs without removing them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, err := resolveQueue(args[0])
		if err != nil {
			return err
		}
		inspector, err := mq.NewInspector(cfg.MQ.URL)
		if err != nil {
			return err
		}
		defer inspector.Close()

		letters, err := inspector.Peek(queue, dlqLimit)
		if err != nil {
			return err
		}
		if len(letters) == 0 {
			fmt.Println("dead-letter queue is empty")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FAILED AT\tATTEMPT\tROUTING KEY\tERROR\tBODY")
		for _, dl := range letters {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", dl.FailedAt, dl.Attempt, dl.RoutingKey, dl.Error, truncate(string(dl.Body), 80))
		}
		return w.Flush()
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay QUEUE",
	Short: "Move dead-lettered jobs back onto their queue with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, err := resolveQueue(args[0])
		if err != nil {
			return err
		}
		inspector, err := mq.NewInspector(cfg.MQ.URL)
		if err != nil {
			return err
		}
		defer inspector.Close()

		moved, err := inspector.Replay(cmd.Context(), queue, dlqLimit)
		fmt.Printf("replayed %d job(s) from %s\n", moved, queue)
		return err
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func init() {
	dlqCmd.PersistentFlags().IntVar(&dlqLimit, "limit", 20, "maximum number of jobs to read")
	dlqCmd.AddCommand(dlqPeekCmd, dlqReplayCmd)
	rootCmd.AddCommand(dlqCmd)
}
