package cmd

import (
	"github.com/spf13/cobra"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents and their bindings",
	}
	cmd.AddCommand(agentRegisterCmd())
	cmd.AddCommand(agentSetCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentStatusCmd())
	cmd.AddCommand(agentDeleteCmd())
	cmd.AddCommand(agentBindCmd())
	cmd.AddCommand(agentUnbindCmd())
	cmd.AddCommand(agentRefreshCmd())
	cmd.AddCommand(agentAbortCmd())
	cmd.AddCommand(agentSelfCmd())
	cmd.AddCommand(agentSessionPolicyCmd())
	return cmd
}

func agentRegisterCmd() *cobra.Command {
	var (
		description string
		workspace   string
		model       string
		permission  string
	)
	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register a new agent (the token is printed once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("agent.register", map[string]any{
				"name":        args[0],
				"description": description,
				"workspace":   workspace,
				"model":       model,
				"permission":  permission,
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "agent description")
	cmd.Flags().StringVar(&workspace, "workspace", "", "agent workspace directory")
	cmd.Flags().StringVar(&model, "model", "", "provider model")
	cmd.Flags().StringVar(&permission, "permission", "", "restricted|standard|privileged|boss")
	return cmd
}

func agentSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Update agent fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"agent": args[0]}
			for _, f := range []string{"description", "workspace", "model", "reasoningEffort", "autoLevel", "permission"} {
				flagName := map[string]string{
					"reasoningEffort": "reasoning-effort",
					"autoLevel":       "auto-level",
				}[f]
				if flagName == "" {
					flagName = f
				}
				if cmd.Flags().Changed(flagName) {
					v, _ := cmd.Flags().GetString(flagName)
					params[f] = v
				}
			}
			return callAndPrint("agent.set", params)
		},
	}
	cmd.Flags().String("description", "", "agent description")
	cmd.Flags().String("workspace", "", "agent workspace directory")
	cmd.Flags().String("model", "", "provider model")
	cmd.Flags().String("reasoning-effort", "", "provider reasoning effort")
	cmd.Flags().String("auto-level", "", "provider auto level")
	cmd.Flags().String("permission", "", "restricted|standard|privileged|boss")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("agent.list", nil)
		},
	}
}

func agentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Show agent run state and due work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("agent.status", map[string]any{"agent": args[0]})
		},
	}
}

func agentDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an agent, its bindings, cron schedules, and home dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("agent.delete", map[string]any{"agent": args[0]})
		},
	}
}

func agentBindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bind <name> <adapter> <adapter-token>",
		Short: "Bind an adapter credential to an agent",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("agent.bind", map[string]any{
				"agent":        args[0],
				"adapter":      args[1],
				"adapterToken": args[2],
			})
		},
	}
}

func agentUnbindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unbind <name> <adapter>",
		Short: "Remove an agent's adapter binding",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("agent.unbind", map[string]any{
				"agent":   args[0],
				"adapter": args[1],
			})
		},
	}
}

func agentRefreshCmd() *cobra.Command {
	var newSession bool
	cmd := &cobra.Command{
		Use:   "refresh <name>",
		Short: "Request a session refresh for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason := "manual"
			if newSession {
				reason = "command:/new"
			}
			return callAndPrint("agent.refresh", map[string]any{
				"agent":  args[0],
				"reason": reason,
			})
		},
	}
	cmd.Flags().BoolVar(&newSession, "new", false, "discard the persisted session handle (/new)")
	return cmd
}

func agentAbortCmd() *cobra.Command {
	var drop bool
	cmd := &cobra.Command{
		Use:   "abort <name>",
		Short: "Cancel the agent's in-flight run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("agent.abort", map[string]any{
				"agent": args[0],
				"drop":  drop,
			})
		},
	}
	cmd.Flags().BoolVar(&drop, "drop", false, "also drop the due non-cron envelope batch")
	return cmd
}

func agentSelfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "self",
		Short: "Show the calling agent's own row",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("agent.self", nil)
		},
	}
}

func agentSessionPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session-policy <name>",
		Short: "Set the agent's session refresh policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"agent": args[0]}
			if cmd.Flags().Changed("daily-reset-at") {
				v, _ := cmd.Flags().GetString("daily-reset-at")
				params["dailyResetAt"] = v
			}
			if cmd.Flags().Changed("idle-timeout") {
				v, _ := cmd.Flags().GetString("idle-timeout")
				params["idleTimeout"] = v
			}
			if cmd.Flags().Changed("max-context-length") {
				v, _ := cmd.Flags().GetInt("max-context-length")
				params["maxContextLength"] = v
			}
			return callAndPrint("agent.session-policy.set", params)
		},
	}
	cmd.Flags().String("daily-reset-at", "", `daily session reset "HH:MM" in boss timezone ("" clears)`)
	cmd.Flags().String("idle-timeout", "", `idle refresh timeout, e.g. "45m" ("" clears)`)
	cmd.Flags().Int("max-context-length", 0, "refresh after runs exceeding this context length (0 disables)")
	return cmd
}
