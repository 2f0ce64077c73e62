package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ergochat/readline"
	"github.com/spf13/cobra"

	"github.com/dev-adhiraj/be-better/pkg/bridge"
	"github.com/dev-adhiraj/be-better/pkg/broker"
)

func consoleCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("eth_requestAccounts"),
		readline.PcItem("eth_accounts"),
		readline.PcItem("eth_chainId"),
		readline.PcItem("eth_sendTransaction"),
		readline.PcItem("personal_sign"),
		readline.PcItem("eth_signTypedData_v4"),
		readline.PcItem("wallet_switchEthereumChain"),
		readline.PcItem("wallet_disconnect"),
		readline.PcItem("eth_getBalance"),
		readline.PcItem("eth_blockNumber"),
		readline.PcItem(".state"),
		readline.PcItem(".quit"),
	)
}

func newConsoleCommand() *cobra.Command {
	var origin string
	c := &cobra.Command{
		Use:   "console",
		Short: "Send provider requests to a running relay as a page origin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags, err := bridge.NewFileFlags(filepath.Join(cfg.DataDir(), "connections.json"))
			if err != nil {
				return err
			}
			p, err := bridge.NewProvider(bridge.ProviderOptions{
				RelayURL: "http://" + cfg.Gateway.Addr(),
				Origin:   origin,
				Flags:    flags,
			})
			if err != nil {
				return err
			}
			defer p.Close()
			return runConsole(cmd.Context(), p, filepath.Join(cfg.DataDir(), "console_history"))
		},
	}
	c.Flags().StringVar(&origin, "origin", "http://localhost:3000", "page origin to speak for")
	return c
}

// parseConsoleLine splits "method [json params]". Params must be JSON.
func parseConsoleLine(line string) (string, json.RawMessage, error) {
	line = strings.TrimSpace(line)
	method, rest, _ := strings.Cut(line, " ")
	if method == "" {
		return "", nil, errors.New("empty line")
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return method, nil, nil
	}
	if !json.Valid([]byte(rest)) {
		return "", nil, fmt.Errorf("params are not valid JSON: %s", rest)
	}
	return method, json.RawMessage(rest), nil
}

func runConsole(ctx context.Context, p *bridge.Provider, history string) error {
	rl, err := readline.NewFromConfig(&readline.Config{
		Prompt:       p.Origin() + "> ",
		HistoryFile:  history,
		AutoComplete: consoleCompleter(),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	if err := p.Start(ctx); err != nil {
		fmt.Fprintf(rl, "relay not reachable: %v\n", err)
	}
	for _, ev := range []string{broker.EventAccountsChanged, broker.EventChainChanged, broker.EventTransactionConfirmed} {
		name := ev
		p.On(name, func(data json.RawMessage) {
			fmt.Fprintf(rl, "event %s %s\n", name, data)
		})
	}

	fmt.Fprintf(rl, "%s connected to relay as %s. Type .quit to leave.\n", logo, p.Origin())
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch strings.TrimSpace(line) {
		case "":
			continue
		case ".quit", ".exit":
			return nil
		case ".state":
			fmt.Fprintf(rl, "chain %s, selected %q, connected %t\n", p.ChainID(), p.SelectedAddress(), p.Connected())
			continue
		}

		method, params, err := parseConsoleLine(line)
		if err != nil {
			fmt.Fprintln(rl, err)
			continue
		}
		var args any
		if params != nil {
			args = params
		}
		res, err := p.Request(ctx, method, args)
		if err != nil {
			fmt.Fprintf(rl, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(rl, string(res))
	}
}
