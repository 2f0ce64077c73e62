package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dev-adhiraj/be-better/pkg/blockchain"
	"github.com/dev-adhiraj/be-better/pkg/bridge"
	"github.com/dev-adhiraj/be-better/pkg/broker"
	"github.com/dev-adhiraj/be-better/pkg/channels"
	"github.com/dev-adhiraj/be-better/pkg/storage"
)

// relayClient targets the relay configured in the loaded config.
func relayClient() (*bridge.ApprovalClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return bridge.NewApprovalClient("http://"+cfg.Gateway.Addr(), cfg.Gateway.Token), nil
}

func newPendingCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "pending",
		Short: "List and decide pending requests on a running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := relayClient()
			if err != nil {
				return err
			}
			recs, err := client.ListPending(cmd.Context())
			if err != nil {
				return err
			}
			printPending(recs, time.Now())
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Describe one pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := relayClient()
			if err != nil {
				return err
			}
			rec, err := client.GetPending(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(channels.Describe(rec))
			return nil
		},
	}

	var tier string
	approveCmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := broker.Decision{ID: args[0], Approved: true}
			if tier != "" {
				t, err := blockchain.ParseGasTier(tier)
				if err != nil {
					return err
				}
				d.GasTier = string(t)
			}
			return sendDecision(cmd, d)
		},
	}
	approveCmd.Flags().StringVar(&tier, "gas", "", "gas tier for transactions: low, medium or high")

	rejectCmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendDecision(cmd, broker.Decision{ID: args[0]})
		},
	}

	c.AddCommand(showCmd, approveCmd, rejectCmd)
	return c
}

func sendDecision(cmd *cobra.Command, d broker.Decision) error {
	client, err := relayClient()
	if err != nil {
		return err
	}
	err = client.Decide(cmd.Context(), d)
	if errors.Is(err, broker.ErrAlreadyResolved) {
		fmt.Printf("Request %s was already resolved\n", d.ID)
		return nil
	}
	if errors.Is(err, broker.ErrUnknownRequest) {
		return fmt.Errorf("request %s is unknown or already resolved", d.ID)
	}
	if err != nil {
		return err
	}
	verb := "Rejected"
	if d.Approved {
		verb = "Approved"
	}
	fmt.Printf("%s %s\n", verb, d.ID)
	return nil
}

func printPending(recs []storage.PendingRecord, now time.Time) {
	if len(recs) == 0 {
		fmt.Println("No pending requests.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tORIGIN\tMETHOD\tEXPIRES IN")
	for _, r := range recs {
		left := r.ExpiresAt.Sub(now).Truncate(time.Second)
		if left < 0 {
			left = 0
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Kind, r.Origin, r.Method, left)
	}
	tw.Flush()
}
