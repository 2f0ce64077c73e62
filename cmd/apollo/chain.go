package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dev-adhiraj/be-better/pkg/blockchain"
	"github.com/dev-adhiraj/be-better/pkg/storage"
)

func newChainCommand() *cobra.Command {
	c := &cobra.Command{
		Use:     "chain",
		Aliases: []string{"chains"},
		Short:   "Manage known chains",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List known chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			chains, err := store.ListChains(cmd.Context())
			if err != nil {
				return err
			}
			active, err := store.ActiveChain(cmd.Context())
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			printChains(chains, active)
			return nil
		},
	}

	var add storage.Chain
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			chain, err := addChain(cmd.Context(), store, blockchain.DialRPC, add)
			if err != nil {
				return err
			}
			fmt.Printf("Stored chain %s (%s)\n", chain.Hex, chain.Name)
			return nil
		},
	}
	addCmd.Flags().StringVar(&add.Hex, "id", "", "hex chain id, resolved from the RPC endpoint when empty")
	addCmd.Flags().StringVar(&add.Name, "name", "", "display name")
	addCmd.Flags().StringVar(&add.Ticker, "ticker", "", "native currency ticker")
	addCmd.Flags().StringVar(&add.RPCURL, "rpc", "", "RPC endpoint")
	addCmd.Flags().StringVar(&add.BlockExplorerURL, "explorer", "", "block explorer URL")
	_ = addCmd.MarkFlagRequired("rpc")

	useCmd := &cobra.Command{
		Use:   "use <chain id>",
		Short: "Set the active chain used when the broker starts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			hex := storage.NormalizeHex(args[0])
			if _, err := store.GetChain(cmd.Context(), hex); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("unknown chain %s", args[0])
				}
				return err
			}
			if err := store.SetActiveChain(cmd.Context(), hex); err != nil {
				return err
			}
			fmt.Printf("Active chain is now %s\n", hex)
			return nil
		},
	}

	c.AddCommand(listCmd, addCmd, useCmd)
	return c
}

// addChain stores a user chain, resolving its id from the endpoint when
// the caller did not give one.
func addChain(ctx context.Context, store storage.ChainStore, dial blockchain.Dialer, chain storage.Chain) (storage.Chain, error) {
	if chain.RPCURL == "" {
		return chain, fmt.Errorf("rpc url is required")
	}
	chain.Hex = storage.NormalizeHex(chain.Hex)
	if chain.Hex == "" {
		rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
		defer cancel()
		hex, err := blockchain.ResolveChainID(rctx, dial, chain.RPCURL)
		if err != nil {
			return chain, fmt.Errorf("failed to resolve chain id: %w", err)
		}
		chain.Hex = hex
	}
	if chain.Name == "" {
		chain.Name = chain.Hex
	}
	chain.UserAdded = true
	if err := store.PutChain(ctx, chain); err != nil {
		return chain, err
	}
	return chain, nil
}

func printChains(chains []storage.Chain, active string) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTICKER\tRPC\tACTIVE")
	for _, c := range chains {
		mark := ""
		if c.Hex == active {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Hex, c.Name, c.Ticker, c.RPCURL, mark)
	}
	tw.Flush()
}
