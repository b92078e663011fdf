package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/remittance-engine/app"
	"github.com/warp/remittance-engine/config"
	"github.com/warp/remittance-engine/wallet"
)

// cliState is shared by the subcommands of one invocation.
type cliState struct {
	configPath string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	st := &cliState{}

	root := &cobra.Command{
		Use:           "duesctl",
		Short:         "duesctl - operate the dues remittance engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(st.configPath)
			if err != nil {
				return err
			}
			logger, err := app.NewLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			st.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&st.configPath, "config", "c", "", "YAML config file (DUES_* env vars override it)")

	root.AddCommand(st.triggerCmd())
	root.AddCommand(st.balanceCmd())
	root.AddCommand(st.ledgerCmd())
	return root
}

// withApp builds the engine for one command and closes it afterwards.
func (st *cliState) withApp(ctx context.Context, fn func(*app.App) error) error {
	a, err := app.Build(ctx, st.cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(a)
}

// =============================================================================
// TRIGGER
// =============================================================================

func (st *cliState) triggerCmd() *cobra.Command {
	var (
		period string
		at     string
	)
	cmd := &cobra.Command{
		Use:   "trigger [kind]",
		Short: "Run one orchestrator (calculate-period, mark-overdue, send-reminders, retry-failed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := parseNow(at)
			if err != nil {
				return err
			}
			params := map[string]string{}
			if period != "" {
				params["period"] = period
			}
			return st.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Dispatcher.Trigger(cmd.Context(), args[0], params, now)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			})
		},
	}
	cmd.Flags().StringVarP(&period, "period", "p", "", "Billing period YYYY-MM (calculate-period)")
	cmd.Flags().StringVar(&at, "now", "", "Evaluate as of this RFC 3339 instant instead of the clock")
	return cmd
}

// =============================================================================
// BALANCE
// =============================================================================

func (st *cliState) balanceCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "balance [account]",
		Short: "Show an account's wallet balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseNow(asOf)
			if err != nil {
				return err
			}
			return st.withApp(cmd.Context(), func(a *app.App) error {
				bal, err := a.Wallet.GetBalance(cmd.Context(), wallet.AccountID(args[0]), at)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t(as of %s)\n", args[0], bal.String(), at.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "RFC 3339 instant (default now)")
	return cmd
}

// =============================================================================
// LEDGER
// =============================================================================

func (st *cliState) ledgerCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "ledger [account]",
		Short: "List an account's ledger entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withApp(cmd.Context(), func(a *app.App) error {
				page, err := a.Wallet.ListLedger(cmd.Context(), wallet.AccountID(args[0]), limit, offset)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(page.Entries) == 0 {
					fmt.Fprintln(out, "No entries.")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CREATED\tAMOUNT\tREASON\tKEY\tEXPIRES")
				for _, e := range page.Entries {
					expires := "-"
					if e.ExpiresAt != nil {
						expires = e.ExpiresAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						e.CreatedAt.UTC().Format(time.RFC3339), e.Amount.String(), e.Reason, e.IdempotencyKey, expires)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				if page.HasMore {
					fmt.Fprintf(out, "(more: --offset %d)\n", page.Offset+page.Limit)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", wallet.DefaultPageSize, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Entries to skip")
	return cmd
}

func parseNow(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid instant %q (use RFC 3339, e.g. 2025-07-01T00:00:00Z): %w", raw, err)
	}
	return t.UTC(), nil
}
