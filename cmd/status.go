package cmd

import (
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("daemon.status", nil)
		},
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the daemon is answering",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("daemon.ping", nil)
		},
	}
}

func timeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "time",
		Short: "Show daemon time in the boss timezone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("daemon.time", nil)
		},
	}
}
