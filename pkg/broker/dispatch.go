package broker

import (
	"context"
	"errors"

	"github.com/dev-adhiraj/be-better/pkg/blockchain"
	"github.com/dev-adhiraj/be-better/pkg/logger"
	"github.com/dev-adhiraj/be-better/pkg/storage"
)

// dispatch runs on the actor.
func (b *Broker) dispatch(c *call) {
	switch call := c.parsed.(type) {
	case RequestAccounts:
		b.connect(c, func(acct string) { b.resolve(c, []string{acct}) })
	case Accounts:
		b.accounts(c)
	case SendTransaction:
		b.sendTransaction(c, call)
	case PersonalSign:
		b.personalSign(c, call)
	case SignTypedData:
		b.signTypedData(c, call)
	case SwitchChain:
		b.switchChain(c, call)
	case AddChain:
		b.addChain(c, call)
	case Disconnect:
		b.disconnect(c)
	case WatchAsset:
		b.autoResolved(c)
		b.resolve(c, true)
	case Passthrough:
		b.passthrough(c, call)
	default:
		b.reject(c, ErrUnsupportedMethod)
	}
}

func (b *Broker) autoResolved(c *call) {
	b.metrics.transition(c.parsed.Method(), stateAutoResolved)
}

func (b *Broker) switchChain(c *call, sc SwitchChain) {
	ctx, cancel := b.opCtx()
	defer cancel()

	chain, err := b.store.GetChain(ctx, sc.ChainHex)
	if errors.Is(err, storage.ErrNotFound) {
		b.reject(c, ErrChainConfigMissing.Withf("Unrecognized chain ID %q. Try adding the chain using wallet_addEthereumChain first.", sc.ChainHex))
		return
	}
	if err != nil {
		b.reject(c, err)
		return
	}
	if err := b.activate(ctx, chain); err != nil {
		b.reject(c, err)
		return
	}
	b.autoResolved(c)
	b.resolve(c, nil)
}

func (b *Broker) addChain(c *call, ac AddChain) {
	ctx, cancel := b.opCtx()
	defer cancel()

	existing, err := b.store.GetChain(ctx, ac.Chain.Hex)
	switch {
	case err == nil && !existing.UserAdded:
		// pages may switch to a built-in chain but never repoint it
		if ac.Chain.RPCURL != "" && ac.Chain.RPCURL != existing.RPCURL {
			logger.WarnCF("broker", "Ignored RPC override for built-in chain", map[string]any{
				"chain":  existing.Hex,
				"origin": c.origin,
				"rpc":    ac.Chain.RPCURL,
			})
		}
	case err == nil || errors.Is(err, storage.ErrNotFound):
		if err := b.store.PutChain(ctx, ac.Chain); err != nil {
			b.reject(c, err)
			return
		}
	default:
		b.reject(c, err)
		return
	}
	chain, err := b.store.GetChain(ctx, ac.Chain.Hex)
	if err != nil {
		b.reject(c, err)
		return
	}
	logger.InfoCF("broker", "Chain added", map[string]any{
		"chain":  chain.Hex,
		"name":   chain.Name,
		"origin": c.origin,
	})
	if err := b.activate(ctx, chain); err != nil {
		b.reject(c, err)
		return
	}
	b.autoResolved(c)
	b.resolve(c, nil)
}

// activate persists chain as the active chain and tells every page.
func (b *Broker) activate(ctx context.Context, chain storage.Chain) error {
	if err := b.store.SetActiveChain(ctx, chain.Hex); err != nil {
		return err
	}
	b.chains.Register(chain.Hex, chain.RPCURL)
	changed := b.activeChain != chain.Hex
	b.activeChain = chain.Hex
	if changed {
		logger.InfoCF("broker", "Active chain changed", map[string]any{"chain": chain.Hex, "name": chain.Name})
	}
	b.notifier.Broadcast(chainChanged(chain.Hex))
	return nil
}

func (b *Broker) disconnect(c *call) {
	ctx, cancel := b.opCtx()
	defer cancel()

	if err := b.registry.Revoke(ctx, c.origin); err != nil {
		b.reject(c, err)
		return
	}
	b.notifier.NotifyOrigin(c.origin, accountsChanged(nil))
	b.autoResolved(c)
	b.resolve(c, true)
}

// activeChainRecord loads the active chain and registers its endpoint.
func (b *Broker) activeChainRecord(ctx context.Context) (storage.Chain, error) {
	chain, err := b.store.GetChain(ctx, b.activeChain)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Chain{}, ErrChainConfigMissing.Withf("No configuration for active chain %s", b.activeChain)
	}
	if err != nil {
		return storage.Chain{}, err
	}
	b.chains.Register(chain.Hex, chain.RPCURL)
	return chain, nil
}

func (b *Broker) passthrough(c *call, p Passthrough) {
	switch p.Method() {
	case "eth_chainId":
		b.autoResolved(c)
		b.resolve(c, b.activeChain)
		return
	case "net_version":
		v, err := blockchain.ParseQuantityString(b.activeChain)
		if err != nil || v == nil {
			b.reject(c, ErrChainConfigMissing)
			return
		}
		b.autoResolved(c)
		b.resolve(c, v.String())
		return
	}

	ctx, cancel := b.opCtx()
	chain, err := b.activeChainRecord(ctx)
	cancel()
	if err != nil {
		b.reject(c, err)
		return
	}

	b.autoResolved(c)
	b.goBackground(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, upstreamTimeout)
		defer cancel()
		raw, err := b.chains.Call(ctx, chain.Hex, p.Method(), p.Params)
		b.continueWith(func() {
			if err != nil {
				b.reject(c, ErrUpstreamRPCFailure.With(err.Error()))
				return
			}
			b.resolve(c, raw)
		})
	})
}
