package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dev-adhiraj/be-better/pkg/config"
	"github.com/dev-adhiraj/be-better/pkg/wallet"
)

func newOnboardCommand() *cobra.Command {
	var (
		generate bool
		force    bool
	)
	c := &cobra.Command{
		Use:   "onboard",
		Short: "Write the default config and chain list, optionally creating a first account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard(cmd.Context(), getConfigPath(), force, generate)
		},
	}
	c.Flags().BoolVar(&generate, "generate", false, "generate a first account")
	c.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return c
}

func onboard(ctx context.Context, configPath string, force, generate bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Println("Run 'apollo onboard --force' to overwrite it.")
	} else {
		fresh, err := onboardConfig()
		if err != nil {
			return err
		}
		if err := config.SaveConfig(configPath, fresh); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Created config at %s\n", configPath)
		fmt.Println("Approval clients authenticate with gateway.token from that file.")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir(), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir(), "abis"), 0o700); err != nil {
		return fmt.Errorf("failed to create abi directory: %w", err)
	}

	seedPath := cfg.ChainSeedPath()
	if _, err := os.Stat(seedPath); os.IsNotExist(err) {
		if err := config.SaveChainSeeds(seedPath, config.DefaultChainSeeds()); err != nil {
			return fmt.Errorf("failed to write chain list: %w", err)
		}
		fmt.Printf("Wrote chain list to %s\n", seedPath)
	}

	if generate {
		addr, err := generateFirstAccount(ctx, cfg)
		if err != nil {
			return err
		}
		fmt.Printf("Created account %s\n", addr)
	}

	fmt.Printf("%s apollo is ready!\n", logo)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Export APOLLO_WALLET_PASSPHRASE or run 'apollo serve --prompt'")
	if !generate {
		fmt.Println("  2. Create an account: apollo account new")
		fmt.Println("  3. Start the broker: apollo serve")
	} else {
		fmt.Println("  2. Start the broker: apollo serve")
	}
	return nil
}

// onboardConfig is the default config with a fresh approval API token.
func onboardConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	token, err := config.NewGatewayToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate gateway token: %w", err)
	}
	cfg.Gateway.Token = token
	return cfg, nil
}

// generateFirstAccount asks for a passphrase, offering a generated one when
// the answer is empty, and stores a fresh key under it.
func generateFirstAccount(ctx context.Context, cfg *config.Config) (string, error) {
	pass := cfg.Wallet.Passphrase
	if pass == "" {
		p, err := promptPassphrase("New wallet passphrase (empty to generate): ", false)
		if err != nil {
			return "", err
		}
		if p == "" {
			p, err = wallet.GeneratePassphrase()
			if err != nil {
				return "", err
			}
			fmt.Printf("Generated passphrase: %s\n", p)
			fmt.Println("Store it safely, it cannot be recovered.")
		} else if _, err := confirmPassphrase(p); err != nil {
			return "", err
		}
		pass = p
	}
	if err := wallet.ValidatePassphrase(pass); err != nil {
		return "", err
	}

	cfg.Wallet.Passphrase = pass
	return createAccount(ctx, cfg, "", "Account 1")
}

func confirmPassphrase(first string) (string, error) {
	second, err := promptPassphrase("Repeat passphrase: ", false)
	if err != nil {
		return "", err
	}
	if second != first {
		return "", fmt.Errorf("passphrases do not match")
	}
	return first, nil
}
