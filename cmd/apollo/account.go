package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/dev-adhiraj/be-better/pkg/config"
	"github.com/dev-adhiraj/be-better/pkg/storage"
	"github.com/dev-adhiraj/be-better/pkg/wallet"
)

func newAccountCommand() *cobra.Command {
	c := &cobra.Command{
		Use:     "account",
		Aliases: []string{"accounts"},
		Short:   "Manage held accounts",
	}

	var name string
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a new account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := ensurePassphrase(cfg, true); err != nil {
				return err
			}
			addr, err := createAccount(cmd.Context(), cfg, "", name)
			if err != nil {
				return err
			}
			fmt.Println(addr)
			return nil
		},
	}
	newCmd.Flags().StringVar(&name, "name", "", "display name")

	var importName string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a hex private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := ensurePassphrase(cfg, false); err != nil {
				return err
			}
			key, err := promptPassphrase("Private key (hex): ", false)
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("no key given")
			}
			addr, err := createAccount(cmd.Context(), cfg, key, importName)
			if err != nil {
				return err
			}
			fmt.Println(addr)
			return nil
		},
	}
	importCmd.Flags().StringVar(&importName, "name", "", "display name")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List held accounts",
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
			accounts, err := store.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			last, _ := store.LastUsedAccount(cmd.Context())
			printAccounts(accounts, last)
			return nil
		},
	}

	var qr bool
	showCmd := &cobra.Command{
		Use:   "show <address>",
		Short: "Show an account address, optionally as a QR code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(args[0]) {
				return fmt.Errorf("invalid address %q", args[0])
			}
			addr := common.HexToAddress(args[0]).Hex()
			fmt.Println(addr)
			if qr {
				qrterminal.GenerateHalfBlock(addr, qrterminal.M, os.Stdout)
			}
			return nil
		},
	}
	showCmd.Flags().BoolVar(&qr, "qr", false, "render the address as a QR code")

	c.AddCommand(newCmd, importCmd, listCmd, showCmd)
	return c
}

// ensurePassphrase fills cfg.Wallet.Passphrase from a prompt when the
// environment did not supply it.
func ensurePassphrase(cfg *config.Config, confirm bool) error {
	if cfg.Wallet.Passphrase != "" {
		return nil
	}
	pass, err := promptPassphrase("Wallet passphrase: ", confirm)
	if err != nil {
		return err
	}
	cfg.Wallet.Passphrase = pass
	return nil
}

// createAccount seals a new or imported key under the wallet passphrase
// and stores it. An empty hexKey generates a fresh key.
func createAccount(ctx context.Context, cfg *config.Config, hexKey, name string) (string, error) {
	vault, err := openVault(cfg, false)
	if err != nil {
		return "", err
	}
	if vault.Locked() {
		return "", fmt.Errorf("wallet passphrase is required")
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer store.Close()

	imported := hexKey != ""
	var key wallet.NewKey
	if imported {
		key, err = vault.ImportHex(strings.TrimSpace(hexKey))
	} else {
		key, err = vault.Generate()
	}
	if err != nil {
		return "", err
	}

	if name == "" {
		existing, err := store.ListAccounts(ctx)
		if err != nil {
			return "", err
		}
		name = fmt.Sprintf("Account %d", len(existing)+1)
	}

	err = store.PutAccount(ctx, storage.Account{
		Address:      key.Address,
		DisplayName:  name,
		EncryptedKey: key.EncryptedKey,
		Imported:     imported,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store account: %w", err)
	}
	return key.Address.Hex(), nil
}

func printAccounts(accounts []storage.Account, last common.Address) {
	if len(accounts) == 0 {
		fmt.Println("No accounts. Create one with 'apollo account new'.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tIMPORTED\tLAST USED")
	for _, a := range accounts {
		mark := ""
		if a.Address == last {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", a.Address.Hex(), a.DisplayName, a.Imported, mark)
	}
	tw.Flush()
}
