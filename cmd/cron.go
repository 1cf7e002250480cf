package cmd

import (
	"github.com/spf13/cobra"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage recurring envelope schedules",
	}
	cmd.AddCommand(cronCreateCmd())
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronEnableCmd())
	cmd.AddCommand(cronDisableCmd())
	cmd.AddCommand(cronDeleteCmd())
	cmd.AddCommand(cronExplainCmd())
	return cmd
}

func cronCreateCmd() *cobra.Command {
	var (
		agent    string
		timezone string
	)
	cmd := &cobra.Command{
		Use:   "create <cron-expr> <to> <text>",
		Short: "Create a schedule that delivers an envelope at each fire",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("cron.create", map[string]any{
				"agent":    agent,
				"cron":     args[0],
				"timezone": timezone,
				"to":       args[1],
				"text":     args[2],
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "owning agent (default: the calling agent)")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA zone (default: boss timezone)")
	return cmd
}

func cronListCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cron schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("cron.list", map[string]any{"agent": agent})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "filter by owning agent")
	return cmd
}

func cronEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <id>",
		Short: "Enable a schedule and materialize its next fire",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("cron.enable", map[string]any{"id": args[0]})
		},
	}
}

func cronDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable a schedule and cancel its pending envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("cron.disable", map[string]any{"id": args[0]})
		},
	}
}

func cronDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("cron.delete", map[string]any{"id": args[0]})
		},
	}
}

func cronExplainCmd() *cobra.Command {
	var (
		timezone string
		count    int
	)
	cmd := &cobra.Command{
		Use:   "explain <cron-expr>",
		Short: "Show the next fire times for an expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("cron.explain", map[string]any{
				"cron":     args[0],
				"timezone": timezone,
				"count":    count,
			})
		},
	}
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA zone (default: boss timezone)")
	cmd.Flags().IntVar(&count, "count", 5, "number of fire times")
	return cmd
}
