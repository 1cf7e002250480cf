// Package cmd holds the hiboss CLI: the daemon entrypoint plus thin
// IPC-client commands for envelopes, agents, cron, and status.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hiboss/internal/config"
	"github.com/nextlevelbuilder/hiboss/internal/ipc"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/hiboss/cmd.Version=v1.0.0"
var Version = "dev"

var (
	verbose   bool
	flagToken string
)

var rootCmd = &cobra.Command{
	Use:   "hiboss",
	Short: "Hi-Boss — local message-routing daemon for chat channels and agents",
	Long: "Hi-Boss connects chat channels and LLM-backed agents through durable,\n" +
		"schedulable envelopes: persisted exactly once, routed to agent inboxes or\n" +
		"channel outboxes, with per-agent single-flight execution and cron schedules.",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "auth token (default: $HIBOSS_TOKEN)")

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(envelopeCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(timeCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hiboss %s\n", Version)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func authToken() string {
	if flagToken != "" {
		return flagToken
	}
	return os.Getenv("HIBOSS_TOKEN")
}

// dialDaemon opens the IPC client against the resolved socket path.
func dialDaemon() (*ipc.Client, error) {
	paths, err := config.Resolve()
	if err != nil {
		return nil, err
	}
	return ipc.Dial(paths.Socket, authToken())
}

// callAndPrint runs one IPC call and pretty-prints the JSON result.
func callAndPrint(method string, params any) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := client.Call(ctx, method, params)
	if err != nil {
		return err
	}
	var pretty any
	if err := json.Unmarshal(result, &pretty); err != nil {
		fmt.Println(string(result))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
