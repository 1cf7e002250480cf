package cmd

import (
	"github.com/spf13/cobra"
)

func envelopeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "envelope",
		Short: "Send, list, and inspect envelopes",
	}
	cmd.AddCommand(envelopeSendCmd())
	cmd.AddCommand(envelopeListCmd())
	cmd.AddCommand(envelopeGetCmd())
	return cmd
}

func envelopeSendCmd() *cobra.Command {
	var (
		from        string
		replyTo     string
		deliverAt   string
		attachments []string
	)
	cmd := &cobra.Command{
		Use:   "send <to> <text>",
		Short: "Send an envelope to an agent or channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{
				"to":   args[0],
				"text": args[1],
			}
			if from != "" {
				params["from"] = from
			}
			if replyTo != "" {
				params["replyTo"] = replyTo
			}
			if deliverAt != "" {
				params["deliverAt"] = deliverAt
			}
			if len(attachments) > 0 {
				atts := make([]map[string]string, len(attachments))
				for i, src := range attachments {
					atts[i] = map[string]string{"source": src}
				}
				params["attachments"] = atts
			}
			return callAndPrint("envelope.send", params)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender address (privileged impersonation)")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "envelope id this replies to")
	cmd.Flags().StringVar(&deliverAt, "deliver-at", "", "ISO instant, local datetime, or relative (+5m, +1D2h)")
	cmd.Flags().StringArrayVar(&attachments, "attach", nil, "attachment source (path, URL, or telegram:file-id:<id>)")
	return cmd
}

func envelopeListCmd() *cobra.Command {
	var (
		box     string
		status  string
		limit   int
		consume bool
	)
	cmd := &cobra.Command{
		Use:   "list <address>",
		Short: "List envelopes for an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("envelope.list", map[string]any{
				"address": args[0],
				"box":     box,
				"status":  status,
				"limit":   limit,
				"consume": consume,
			})
		},
	}
	cmd.Flags().StringVar(&box, "box", "inbox", "inbox or outbox")
	cmd.Flags().StringVar(&status, "status", "", "pending or done")
	cmd.Flags().IntVar(&limit, "limit", 20, "max envelopes")
	cmd.Flags().BoolVar(&consume, "consume", false, "acknowledge due pending inbox envelopes")
	return cmd
}

func envelopeGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one envelope by id or unique prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("envelope.get", map[string]any{"id": args[0]})
		},
	}
}
