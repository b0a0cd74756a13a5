package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/clawinfra/opsloop/internal/config"
	"github.com/clawinfra/opsloop/internal/execute"
	"github.com/clawinfra/opsloop/internal/learn"
	"github.com/clawinfra/opsloop/internal/types"
)

func newScoresCmd(flags *rootFlags) *cobra.Command {
	var history int
	cmd := &cobra.Command{
		Use:   "scores",
		Short: "Print the persisted confidence table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if !cfg.Learning.Persist {
				return fmt.Errorf("learning.persist is off; scores live only in a running loop")
			}
			if _, err := os.Stat(cfg.Learning.DBPath); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(cmd.OutOrStdout(), "No confidence database at %s yet.\n", cfg.Learning.DBPath)
				return nil
			}

			db, err := learn.OpenSQLite(cfg.Learning.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			scores, outcomes, err := db.Load(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printScores(out, scores, outcomes)
			if history > 0 && len(outcomes) > 0 {
				if len(outcomes) > history {
					outcomes = outcomes[len(outcomes)-history:]
				}
				printOutcomes(out, outcomes)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&history, "history", 0, "Also print the last N recorded outcomes")
	return cmd
}

func newValidateConfigCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s is valid\n", flags.configPath)
			fmt.Fprintf(out, "  providers:   %d\n", len(cfg.Collector.Providers))
			fmt.Fprintf(out, "  rules:       %d\n", len(cfg.Classifier.Rules))
			schedule := fmt.Sprintf("every %s", cfg.Loop.Interval())
			if cfg.Loop.Schedule != "" {
				schedule = "cron " + cfg.Loop.Schedule
			}
			fmt.Fprintf(out, "  schedule:    %s\n", schedule)
			fmt.Fprintf(out, "  sandbox:     %s\n", cfg.Validator.Backend)
			fmt.Fprintf(out, "  executor:    %s\n", cfg.Executor.Target)
			fmt.Fprintf(out, "  safety mode: %v\n", cfg.Safety.SafetyMode)
			fmt.Fprintf(out, "  oracle:      %v\n", cfg.Oracle.Enabled)
			return nil
		},
	}
}

func newApproveCmd(flags *rootFlags) *cobra.Command {
	var list, reject bool
	cmd := &cobra.Command{
		Use:   "approve [action-id]",
		Short: "Approve (or reject) an action held back by safety mode",
		Long: "Critical actions are not applied while safety mode is on; they wait in the approval\n" +
			"queue. An approved action is applied at the start of the next cycle.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			q, err := execute.NewApprovals(filepath.Join(cfg.Server.DataDir, "approvals"))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if list || len(args) == 0 {
				pending, err := q.Pending()
				if err != nil {
					return err
				}
				printApprovals(out, pending)
				return nil
			}

			id := args[0]
			if reject {
				if err := q.Reject(id); err != nil {
					return err
				}
				fmt.Fprintf(out, "Rejected %s\n", id)
				return nil
			}
			if err := q.Approve(id); err != nil {
				if errors.Is(err, types.ErrNotApproved) {
					return fmt.Errorf("no pending action %q (run 'opsloop approve --list')", id)
				}
				return err
			}
			fmt.Fprintf(out, "Approved %s; it will be applied on the next cycle\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "List actions awaiting approval")
	cmd.Flags().BoolVar(&reject, "reject", false, "Reject the action instead of approving it")
	return cmd
}
