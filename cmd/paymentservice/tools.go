package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"paygate/payment/chain"
	"paygate/payment/config"
	"paygate/web/middleware"
)

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run a single reconciliation pass and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, "reconcile")
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.engine.Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func collectCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "collect [order_no]",
		Short: "Sweep the funds of a paid order to the collection address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			a, err := newApp(ctx, "collect")
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.collector.Collect(ctx, args[0])
			if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	return cmd
}

func keygenCmd() *cobra.Command {
	var showKey bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a fresh BSC account, e.g. for the gas funding address",
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := chain.NewAccount()
			if err != nil {
				return err
			}
			out := map[string]string{"address": acct.Address.Hex()}
			if showKey {
				out["private_key"] = acct.PrivateKeyHex()
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&showKey, "show-key", false, "print the private key as well")
	return cmd
}

func adminTokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Issue a bearer token for the admin endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			if cfg.Security.AdminJWTSecret == "" {
				return fmt.Errorf("ADMIN_JWT_SECRET is not set")
			}
			token, err := middleware.IssueAdminToken(cfg.Security.AdminJWTSecret, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
