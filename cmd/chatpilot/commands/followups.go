package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ravelino/chatpilot/pkg/chatpilot/followup"
	"github.com/ravelino/chatpilot/pkg/chatpilot/store"
)

// newFollowupsCmd creates the `chatpilot followups` command group.
func newFollowupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "followups",
		Short: "Inspect and drive scheduled follow-ups",
	}
	cmd.AddCommand(
		newFollowupsListCmd(),
		newFollowupsTickCmd(),
		newFollowupsCancelCmd(),
	)
	return cmd
}

func newFollowupsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [conversation-id]",
		Short: "List follow-ups, due-first without an argument",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger, logCloser, err := buildLogger(cmd, cfg)
			if err != nil {
				return err
			}
			defer logCloser.Close()

			st, err := store.Open(store.Config{Path: cfg.DatabasePath}, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			var list []*store.FollowUp
			if len(args) == 1 {
				list, err = st.ListFollowUps(ctx, args[0], "")
			} else {
				list, err = st.DueFollowUps(ctx, time.Now().Add(365*24*time.Hour), 100)
			}
			if err != nil {
				return err
			}

			if len(list) == 0 {
				fmt.Println("No follow-ups found.")
				return nil
			}
			for _, f := range list {
				fmt.Printf("%s  %-18s %-9s retries=%d/%d  %s  %s\n",
					f.ScheduledAt.Format("2006-01-02 15:04"),
					f.Type, f.Status, f.RetryCount, f.MaxRetries, f.ID, f.Reason)
			}
			return nil
		},
	}
	return cmd
}

func newFollowupsTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Process due follow-ups once, now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger, logCloser, err := buildLogger(cmd, cfg)
			if err != nil {
				return err
			}
			defer logCloser.Close()

			st, err := store.Open(store.Config{Path: cfg.DatabasePath}, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			eng, scheduler := buildEngine(cfg, st, logger)
			poller := followup.NewPoller(st, scheduler, eng.ProcessFollowUp, cfg.PollInterval, logger)
			poller.ProcessDue(context.Background(), time.Now())
			return nil
		},
	}
}

func newFollowupsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <follow-up-id>",
		Short: "Cancel one pending follow-up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger, logCloser, err := buildLogger(cmd, cfg)
			if err != nil {
				return err
			}
			defer logCloser.Close()

			st, err := store.Open(store.Config{Path: cfg.DatabasePath}, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.CancelFollowUp(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Println("Cancelled.")
			return nil
		},
	}
}
