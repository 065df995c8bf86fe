package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/kursadbilgin/mail-gateway/internal/service"
	"github.com/spf13/cobra"
)

func newCreateCmd(root *rootFlags) *cobra.Command {
	var (
		name       string
		dailyLimit int
		domains    []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key",
		Long: `Issue a new API key and print it once.

Without --daily-limit the key uses the gateway's DEFAULT_DAILY_LIMIT.
Without --allow-domain it inherits the gateway's ALLOW_DOMAINS.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, closeDB, err := openKeyManager(cmd, root)
			if err != nil {
				return err
			}
			defer closeDB()

			input := service.CreateKeyInput{Name: name, AllowedDomains: domains}
			if cmd.Flags().Changed("daily-limit") {
				input.DailyLimit = &dailyLimit
			}

			created, err := manager.Create(cmd.Context(), input)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:      %s\n", created.Key.ID)
			fmt.Fprintf(out, "Name:    %s\n", created.Key.Name)
			fmt.Fprintf(out, "Limit:   %s\n", formatLimit(created.Key.DailyLimit))
			fmt.Fprintf(out, "Domains: %s\n", formatDomains(created.Key.AllowedDomains))
			fmt.Fprintf(out, "API key: %s\n", created.PlainKey)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Store the key now. It cannot be shown again.")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "key owner name")
	cmd.Flags().IntVar(&dailyLimit, "daily-limit", 0, "sends allowed per UTC day")
	cmd.Flags().StringSliceVar(&domains, "allow-domain", nil, "allowed recipient domain (repeatable)")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newActivateCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <id>",
		Short: "Re-enable a disabled API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, closeDB, err := openKeyManager(cmd, root)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := manager.Activate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key %s activated\n", args[0])
			return nil
		},
	}
}

func newDeactivateCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Disable an API key",
		Long:  `Disable an API key. Requests with it are rejected with 403 until it is activated again.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, closeDB, err := openKeyManager(cmd, root)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := manager.Deactivate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key %s deactivated\n", args[0])
			return nil
		},
	}
}

func newListCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, closeDB, err := openKeyManager(cmd, root)
			if err != nil {
				return err
			}
			defer closeDB()

			keys, err := manager.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPREFIX\tACTIVE\tLIMIT\tDOMAINS")
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
					k.ID, k.Name, k.KeyPrefix, k.Active, formatLimit(k.DailyLimit), formatDomains(k.AllowedDomains))
			}
			return w.Flush()
		},
	}
}

func formatLimit(limit *int) string {
	if limit == nil {
		return "default"
	}
	return fmt.Sprintf("%d", *limit)
}

func formatDomains(domains []string) string {
	if len(domains) == 0 {
		return "default"
	}
	return strings.Join(domains, ",")
}
