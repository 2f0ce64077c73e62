package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dev-adhiraj/be-better/pkg/blockchain"
	"github.com/dev-adhiraj/be-better/pkg/config"
	"github.com/dev-adhiraj/be-better/pkg/logger"
	"github.com/dev-adhiraj/be-better/pkg/storage"
	"github.com/dev-adhiraj/be-better/pkg/storage/pg"
	"github.com/dev-adhiraj/be-better/pkg/storage/sqlite"
)

const resolveTimeout = 10 * time.Second

// openStore opens the configured durable store with its schema applied.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return pg.Open(ctx, cfg.Storage.PostgresURL)
	case "sqlite", "":
		return sqlite.Open(ctx, cfg.StoragePath())
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// seedChains merges the seed list into the chain store. Seeds without a
// chain id are resolved from their RPC endpoint and skipped when that
// fails. The active pointer is set to defaultHex when none is stored.
func seedChains(ctx context.Context, store storage.ChainStore, dial blockchain.Dialer, seeds []config.ChainSeed, defaultHex string) (int, error) {
	seeded := 0
	for _, seed := range seeds {
		hex := storage.NormalizeHex(seed.Hex)
		if hex == "" {
			rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
			resolved, err := blockchain.ResolveChainID(rctx, dial, seed.RPCURL)
			cancel()
			if err != nil {
				logger.WarnCF("storage", "Skipping chain seed, chain id not resolvable", map[string]any{
					"name":  seed.Name,
					"rpc":   seed.RPCURL,
					"error": err.Error(),
				})
				continue
			}
			hex = resolved
		}

		chain := storage.Chain{
			Hex:              hex,
			Name:             seed.Name,
			Ticker:           seed.Ticker,
			RPCURL:           seed.RPCURL,
			BlockExplorerURL: seed.BlockExplorerURL,
		}
		if err := store.PutChain(ctx, chain); err != nil {
			return seeded, fmt.Errorf("failed to seed chain %s: %w", hex, err)
		}
		seeded++
	}

	_, err := store.ActiveChain(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if defaultHex != "" {
			if err := store.SetActiveChain(ctx, storage.NormalizeHex(defaultHex)); err != nil {
				return seeded, fmt.Errorf("failed to set default chain: %w", err)
			}
		}
	case err != nil:
		return seeded, err
	}

	logger.InfoCF("storage", "Chain seeds applied", map[string]any{
		"seeded": seeded,
		"total":  len(seeds),
	})
	return seeded, nil
}

// registerChains points the chain client at every stored chain.
func registerChains(ctx context.Context, store storage.ChainStore, client *blockchain.Client) error {
	chains, err := store.ListChains(ctx)
	if err != nil {
		return err
	}
	for _, c := range chains {
		client.Register(c.Hex, c.RPCURL)
	}
	return nil
}
