package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainSeed is a chain shipped with the wallet. Hex may be empty, in which
// case the chain id is resolved from the RPC endpoint at seed time.
type ChainSeed struct {
	Hex              string `yaml:"hex,omitempty"`
	Name             string `yaml:"name"`
	Ticker           string `yaml:"ticker"`
	RPCURL           string `yaml:"rpc_url"`
	BlockExplorerURL string `yaml:"block_explorer_url"`
}

type chainSeedFile struct {
	Chains []ChainSeed `yaml:"chains"`
}

func DefaultChainSeeds() []ChainSeed {
	return []ChainSeed{
		{Hex: "0x1a4", Name: "OLYMPUS", Ticker: "OLYM", RPCURL: "https://mainnet-rpc.olympusexplorer.io", BlockExplorerURL: "https://olympusexplorer.io"},
		{Name: "ZEUS Mainnet", Ticker: "ZEUSX", RPCURL: "https://mainnet-rpc.zeuschainscan.io", BlockExplorerURL: "https://zeuschainscan.io/"},
		{Hex: "0x1", Name: "ETHEREUM", Ticker: "ETH", RPCURL: "https://1rpc.io/eth", BlockExplorerURL: "https://etherscan.com/"},
		{Hex: "0x89", Name: "POLYGON", Ticker: "POL", RPCURL: "https://endpoints.omniatech.io/v1/matic/mainnet/public", BlockExplorerURL: "https://polygonscan.com/"},
		{Hex: "0x38", Name: "BNB Smart Chain", Ticker: "BNB", RPCURL: "https://bsc-rpc.publicnode.com/", BlockExplorerURL: "https://bscscan.com/"},
		{Hex: "0x61", Name: "BNB Smart Chain Testnet", Ticker: "tBNB", RPCURL: "https://bsc-testnet-rpc.publicnode.com", BlockExplorerURL: "https://testnet.bscscan.com/"},
	}
}

// LoadChainSeeds reads a chains.yaml file. A missing file yields the
// built-in seed list.
func LoadChainSeeds(path string) ([]ChainSeed, error) {
	if path == "" {
		return DefaultChainSeeds(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultChainSeeds(), nil
		}
		return nil, err
	}

	var file chainSeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for i := range file.Chains {
		seed := &file.Chains[i]
		seed.Hex = strings.ToLower(strings.TrimSpace(seed.Hex))
		if seed.RPCURL == "" {
			return nil, fmt.Errorf("chain %q in %s has no rpc_url", seed.Name, path)
		}
	}
	return file.Chains, nil
}

// SaveChainSeeds writes seeds in the format LoadChainSeeds reads.
func SaveChainSeeds(path string, seeds []ChainSeed) error {
	data, err := yaml.Marshal(chainSeedFile{Chains: seeds})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
