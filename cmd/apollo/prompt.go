package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ergochat/readline"

	"github.com/dev-adhiraj/be-better/pkg/config"
	"github.com/dev-adhiraj/be-better/pkg/wallet"
)

// promptPassphrase reads a passphrase without echo. confirm asks twice.
func promptPassphrase(prompt string, confirm bool) (string, error) {
	rl, err := readline.NewFromConfig(&readline.Config{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("failed to open terminal: %w", err)
	}
	defer rl.Close()

	first, err := rl.ReadPassword(prompt)
	if err != nil {
		return "", err
	}
	pass := strings.TrimSpace(string(first))
	if !confirm {
		return pass, nil
	}
	second, err := rl.ReadPassword("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if pass != strings.TrimSpace(string(second)) {
		return "", errors.New("passphrases do not match")
	}
	return pass, nil
}

// openVault builds the key vault. The passphrase comes from
// APOLLO_WALLET_PASSPHRASE, or a prompt when interactive is set. Without
// either the vault stays locked and signing fails with a decryption error.
func openVault(cfg *config.Config, interactive bool) (*wallet.Vault, error) {
	pass := cfg.Wallet.Passphrase
	if pass == "" && interactive {
		p, err := promptPassphrase("Wallet passphrase: ", false)
		if err != nil {
			return nil, err
		}
		pass = p
	}
	if pass != "" {
		if err := wallet.ValidatePassphrase(pass); err != nil {
			return nil, err
		}
	}
	return wallet.NewVault(pass, cfg.Wallet.LightScrypt), nil
}
