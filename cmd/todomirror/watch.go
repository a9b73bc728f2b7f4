package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	watchScope      string
	watchJSONOutput bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the collection live",
	Long:  "Print the collection, then print it again after every change until interrupted.",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchScope, "scope", "all", "Records to show: mine, others or all")
	watchCmd.Flags().BoolVar(&watchJSONOutput, "json", false, "Print one JSON document per change")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	cmd.SetContext(ctx)

	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.close()

	changed := make(chan struct{}, 1)
	unsubscribe := c.session.Subscribe(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	out := cmd.OutOrStdout()
	for {
		todos, err := selectTodos(c, watchScope)
		if err != nil {
			return err
		}
		if !watchJSONOutput {
			fmt.Fprintln(out, "---")
		}
		if err := renderList(out, c, todos, watchJSONOutput); err != nil {
			return err
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil
		}
	}
}
