package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/backup"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/index"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/orchestrator"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan conversations for the owner's messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := requireAccount()
		if err != nil {
			return err
		}
		opts := orchestrator.ScanOptions{}
		opts.ChatIDs, _ = cmd.Flags().GetInt64Slice("chat")
		opts.Query, _ = cmd.Flags().GetString("query")
		opts.BatchSize, _ = cmd.Flags().GetInt("batch")
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			t, err := time.Parse(time.DateOnly, since)
			if err != nil {
				return fmt.Errorf("invalid --since %q (use YYYY-MM-DD): %w", since, err)
			}
			opts.Since = t
		}

		return withRuntime(func(ctx context.Context, rt *runtime) error {
			pause, stop := pauseOnSignal()
			defer stop()
			opts.Pause = pause

			res, err := rt.service.Scan(ctx, accountID, opts)
			return report(res, err)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the found messages in rate-limited batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := requireAccount()
		if err != nil {
			return err
		}
		opts := orchestrator.DeleteOptions{}
		opts.ChatIDs, _ = cmd.Flags().GetInt64Slice("chat")
		opts.KeepForOthers, _ = cmd.Flags().GetBool("keep-for-others")

		return withRuntime(func(ctx context.Context, rt *runtime) error {
			pause, stop := pauseOnSignal()
			defer stop()
			opts.Pause = pause

			res, err := rt.service.Delete(ctx, accountID, opts)
			return report(res, err)
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a text to several conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := requireAccount()
		if err != nil {
			return err
		}
		opts := orchestrator.SendOptions{}
		opts.ChatIDs, _ = cmd.Flags().GetInt64Slice("chat")
		opts.Text, _ = cmd.Flags().GetString("text")
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
		opts.SelfDestruct, _ = cmd.Flags().GetBool("self-destruct")
		opts.Override, _ = cmd.Flags().GetInt64Slice("override")

		if opts.SelfDestruct && !opts.DryRun {
			log.Warn().Msg("The self-destruct queue lives in memory: only a running `run` process deletes queued items")
		}

		return withRuntime(func(ctx context.Context, rt *runtime) error {
			pause, stop := pauseOnSignal()
			defer stop()
			opts.Pause = pause

			res, err := rt.service.Send(ctx, accountID, opts)
			return report(res, err)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [account...]",
	Short: "Check the sessions of accounts",
	Long:  "Checks the given accounts, the configured account, or every account of the credential store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *runtime) error {
			ids := args
			if len(ids) == 0 {
				var err error
				if ids, err = rt.accountSource()(ctx); err != nil {
					return fmt.Errorf("failed to list accounts: %w", err)
				}
			}
			statuses, err := rt.service.Status(ctx, ids)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, statuses)
		})
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete backups older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("retention-days")
		if !cmd.Flags().Changed("retention-days") {
			days = viper.GetInt("backup.retention_days")
		}

		return withRuntime(func(ctx context.Context, rt *runtime) error {
			ids := []string{}
			if id := viper.GetString("account_id"); id != "" {
				ids = append(ids, id)
			} else {
				var err error
				if ids, err = rt.gateway.Accounts(); err != nil {
					return fmt.Errorf("failed to list backed up accounts: %w", err)
				}
			}

			reports := make([]backup.PruneReport, 0, len(ids))
			for _, id := range ids {
				r, err := rt.gateway.PruneOldBackups(ctx, id, days)
				if err != nil {
					return err
				}
				reports = append(reports, r)
			}
			return printJSON(os.Stdout, reports)
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget scan progress",
	Long:  "Soft reset clears the checkpoints of the given conversations, or all of them. Hard reset also wipes the found items and the conversation index.",
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := requireAccount()
		if err != nil {
			return err
		}
		hard, _ := cmd.Flags().GetBool("hard")
		chatIDs, _ := cmd.Flags().GetInt64Slice("chat")
		if hard && len(chatIDs) > 0 {
			return fmt.Errorf("--hard resets every conversation, drop --chat")
		}

		return withRuntime(func(ctx context.Context, rt *runtime) error {
			acct, err := rt.registry.For(ctx, accountID)
			if err != nil {
				return err
			}
			if hard {
				if err := acct.Checkpoints.HardReset(ctx); err != nil {
					return err
				}
				log.Info().Str("account_id", accountID).Msg("Hard reset complete")
				return nil
			}
			if err := acct.Checkpoints.SoftReset(ctx, chatIDs...); err != nil {
				return err
			}
			log.Info().Str("account_id", accountID).Ints64("chats", chatIDs).Msg("Soft reset complete")
			return nil
		})
	},
}

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "List found messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := requireAccount()
		if err != nil {
			return err
		}
		q := index.Query{}
		q.ChatID, _ = cmd.Flags().GetInt64("chat")
		q.Search, _ = cmd.Flags().GetString("search")
		q.Limit, _ = cmd.Flags().GetInt("limit")
		q.Cursor, _ = cmd.Flags().GetString("cursor")
		q.IncludeDeleted, _ = cmd.Flags().GetBool("include-deleted")

		return withRuntime(func(ctx context.Context, rt *runtime) error {
			acct, err := rt.registry.For(ctx, accountID)
			if err != nil {
				return err
			}
			page, err := acct.Items.GetAll(q)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, page)
		})
	},
}

// withRuntime builds the runtime, runs fn and tears the runtime down.
func withRuntime(fn func(ctx context.Context, rt *runtime) error) error {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// report prints the result, partial ones included, then returns the run error.
func report(res *orchestrator.Result, err error) error {
	if res != nil {
		if perr := printJSON(os.Stdout, res); perr != nil {
			return perr
		}
	}
	return err
}

func init() {
	scanCmd.Flags().Int64Slice("chat", nil, "Conversations to scan (default: every eligible one)")
	scanCmd.Flags().String("since", "", "Ignore messages older than this date (YYYY-MM-DD)")
	scanCmd.Flags().String("query", "", "Keep only messages containing this text")
	scanCmd.Flags().Int("batch", 0, "Maximum conversations to scan in this run")

	deleteCmd.Flags().Int64Slice("chat", nil, "Conversations to clean (default: every one with found messages)")
	deleteCmd.Flags().Bool("keep-for-others", false, "Delete only for this account")

	sendCmd.Flags().Int64Slice("chat", nil, "Destination conversations, in order")
	sendCmd.Flags().String("text", "", "Text to send")
	sendCmd.Flags().Bool("dry-run", false, "Check destinations without sending")
	sendCmd.Flags().Bool("self-destruct", false, "Delete every sent message after one hour")
	sendCmd.Flags().Int64Slice("override", nil, "Destinations exempt from the rules check")
	_ = sendCmd.MarkFlagRequired("text")

	pruneCmd.Flags().Int("retention-days", backup.DefaultRetentionDays, "Keep backups younger than this many days")

	resetCmd.Flags().Bool("hard", false, "Also wipe found messages and the conversation index")
	resetCmd.Flags().Int64Slice("chat", nil, "Conversations to reset (default: all)")

	itemsCmd.Flags().Int64("chat", 0, "Only list messages of this conversation")
	itemsCmd.Flags().String("search", "", "Keep messages containing this text")
	itemsCmd.Flags().Int("limit", index.DefaultPageSize, "Page size")
	itemsCmd.Flags().String("cursor", "", "Cursor returned by the previous page")
	itemsCmd.Flags().Bool("include-deleted", false, "Include deleted messages")

	rootCmd.AddCommand(scanCmd, deleteCmd, sendCmd, statusCmd, pruneCmd, resetCmd, itemsCmd)
}
