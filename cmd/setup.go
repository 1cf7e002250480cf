package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func setupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Check or apply the declared daemon topology",
	}
	cmd.AddCommand(setupCheckCmd())
	cmd.AddCommand(setupExecuteCmd())
	return cmd
}

func setupCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report setup completeness and topology issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("setup.check", nil)
		},
	}
}

func setupExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <setup.json>",
		Short: "Reconcile boss config, agents, and bindings from a JSON file",
		Long: "The file carries {bossName, bossTimezone, bossToken, bossIds, agents}.\n" +
			"Tokens for newly created agents are printed exactly once.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var params map[string]any
			if err := json.Unmarshal(data, &params); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			return callAndPrint("setup.execute", params)
		},
	}
}
