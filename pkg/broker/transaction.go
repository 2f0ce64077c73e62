package broker

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/dev-adhiraj/be-better/pkg/approval"
	"github.com/dev-adhiraj/be-better/pkg/blockchain"
	"github.com/dev-adhiraj/be-better/pkg/logger"
	"github.com/dev-adhiraj/be-better/pkg/storage"
	"github.com/dev-adhiraj/be-better/pkg/wallet"
)

type txPayload struct {
	Origin    string                  `json:"origin"`
	From      string                  `json:"from"`
	To        string                  `json:"to,omitempty"`
	Value     string                  `json:"value"`
	Amount    string                  `json:"amount"`
	Data      string                  `json:"data,omitempty"`
	Gas       uint64                  `json:"gas"`
	GasPrice  string                  `json:"gasPrice"`
	GasPrices map[string]string       `json:"gasPrices"`
	ChainID   string                  `json:"chainId"`
	ChainName string                  `json:"chainName"`
	Ticker    string                  `json:"ticker"`
	Call      *blockchain.CallSummary `json:"call,omitempty"`
}

// resolveFrom picks the sender: the requested address when held, then the
// origin's bound account, then last used, then the first held account.
func (b *Broker) resolveFrom(ctx context.Context, origin string, requested *common.Address, held []common.Address) (common.Address, error) {
	if requested != nil && holds(held, *requested) {
		return *requested, nil
	}
	acct, ok, err := b.accountForOrigin(ctx, origin, held)
	if err != nil {
		return common.Address{}, err
	}
	if !ok {
		return common.Address{}, errNoWallet
	}
	if requested != nil {
		logger.InfoCF("broker", "Requested sender not held, using fallback", map[string]any{
			"requested": requested.Hex(),
			"from":      acct.Hex(),
			"origin":    origin,
		})
	}
	return acct, nil
}

func (b *Broker) sendTransaction(c *call, st SendTransaction) {
	ctx, cancel := b.opCtx()
	defer cancel()

	approved, err := b.registry.IsApproved(ctx, c.origin)
	if err != nil {
		b.reject(c, err)
		return
	}
	if !approved {
		logger.InfoCF("broker", "Origin not connected, requesting connection first", map[string]any{
			"origin": c.origin,
		})
		b.connect(c, func(string) { b.prepareTransaction(c, st) })
		return
	}
	b.prepareTransaction(c, st)
}

// prepareTransaction resolves the sender and chain, then quotes gas off the
// actor before enqueueing the approval.
func (b *Broker) prepareTransaction(c *call, st SendTransaction) {
	ctx, cancel := b.opCtx()
	defer cancel()

	held, err := b.heldAccounts(ctx)
	if err != nil {
		b.reject(c, err)
		return
	}
	from, err := b.resolveFrom(ctx, c.origin, st.From, held)
	if err != nil {
		b.reject(c, err)
		return
	}
	chain, err := b.activeChainRecord(ctx)
	if err != nil {
		b.reject(c, err)
		return
	}

	req := st.Tx
	req.From = from
	b.goBackground(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, upstreamTimeout)
		defer cancel()

		backend, err := b.chains.Backend(ctx, chain.Hex)
		if err != nil {
			b.continueWith(func() { b.reject(c, ErrUpstreamRPCFailure.With(err.Error())) })
			return
		}
		quote, err := blockchain.Quote(ctx, backend, req)
		if err != nil {
			b.continueWith(func() { b.reject(c, ErrUpstreamRPCFailure.With(err.Error())) })
			return
		}
		b.continueWith(func() { b.enqueueTransaction(c, chain, req, quote) })
	})
}

func (b *Broker) enqueueTransaction(c *call, chain storage.Chain, req blockchain.TxRequest, quote blockchain.GasQuote) {
	snapshot := quote.GasPrice
	if req.GasPrice != nil && req.GasPrice.Sign() > 0 {
		snapshot = req.GasPrice
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	payload := txPayload{
		Origin:    c.origin,
		From:      req.From.Hex(),
		Value:     value.String(),
		Amount:    blockchain.FormatUnits(value, 18),
		Gas:       quote.Gas,
		GasPrice:  snapshot.String(),
		GasPrices: make(map[string]string, 3),
		ChainID:   chain.Hex,
		ChainName: chain.Name,
		Ticker:    chain.Ticker,
	}
	if req.To != nil {
		payload.To = req.To.Hex()
	}
	if len(req.Data) > 0 {
		payload.Data = hexutil.Encode(req.Data)
		if b.abis != nil {
			if summary, err := b.abis.Decode(req.Data); err == nil {
				payload.Call = summary
			}
		}
	}
	for tier, price := range blockchain.TierPrices(snapshot) {
		payload.GasPrices[string(tier)] = price.String()
	}

	b.enqueue(c, approval.KindTransaction, payload, func(d Decision) {
		tier, _ := blockchain.ParseGasTier(d.GasTier)
		b.executeTransaction(c, chain, req, quote.Gas, blockchain.TierPrice(snapshot, tier), payload.Amount)
	})
}

func signingError(err error) error {
	switch {
	case errors.Is(err, wallet.ErrDecryptionFailed),
		errors.Is(err, wallet.ErrVaultLocked),
		errors.Is(err, wallet.ErrKeyMismatch):
		return ErrDecryptionFailure
	case errors.Is(err, storage.ErrNotFound):
		return ErrAccountNotFound
	}
	return err
}

// executeTransaction signs and broadcasts off the actor, answers the dApp
// with the hash and then follows the receipt.
func (b *Broker) executeTransaction(c *call, chain storage.Chain, req blockchain.TxRequest, gas uint64, gasPrice *big.Int, amount string) {
	origin := c.origin
	b.goBackground(func(ctx context.Context) {
		sendCtx, cancel := context.WithTimeout(ctx, upstreamTimeout)
		defer cancel()

		blob, err := b.store.GetEncryptedKey(sendCtx, req.From)
		if err != nil {
			b.continueWith(func() { b.reject(c, signingError(err)) })
			return
		}
		backend, err := b.chains.Backend(sendCtx, chain.Hex)
		if err != nil {
			b.continueWith(func() { b.reject(c, ErrUpstreamRPCFailure.With(err.Error())) })
			return
		}

		var keyErr error
		sign := func(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
			key, err := b.vault.DecryptFor(req.From, blob)
			if err != nil {
				keyErr = err
				return nil, err
			}
			return wallet.SignTx(key, tx, chainID)
		}
		tx, err := blockchain.SendLegacy(sendCtx, backend, req, gas, gasPrice, sign)
		if err != nil {
			if keyErr != nil {
				err = signingError(keyErr)
			} else {
				err = ErrUpstreamRPCFailure.With(err.Error())
			}
			b.continueWith(func() { b.reject(c, err) })
			return
		}

		hash := tx.Hash()
		rec := storage.TxRecord{
			Hash:      hash.Hex(),
			From:      req.From.Hex(),
			Value:     tx.Value().String(),
			ChainHex:  chain.Hex,
			ChainName: chain.Name,
			Amount:    amount,
			Status:    storage.TxPending,
			Origin:    origin,
			CreatedAt: time.Now(),
		}
		if req.To != nil {
			rec.To = req.To.Hex()
		}
		if err := b.store.RecordTransaction(sendCtx, rec); err != nil {
			logger.WarnCF("broker", "Failed to record transaction", map[string]any{
				"tx_hash": hash.Hex(),
				"error":   err.Error(),
			})
		}
		b.continueWith(func() { b.resolve(c, hash.Hex()) })

		b.followReceipt(ctx, backend, origin, hash)
	})
}

// followReceipt reports the mined status through transactionConfirmed. The
// hash already returned to the dApp is never retracted.
func (b *Broker) followReceipt(ctx context.Context, backend blockchain.Backend, origin string, hash common.Hash) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ReceiptPollTimeout)
	defer cancel()

	st, err := blockchain.WaitReceipt(ctx, backend, hash, b.cfg.ReceiptPollInterval)
	if err != nil {
		b.metrics.receipts.WithLabelValues("unknown").Inc()
		logger.WarnCF("broker", "Gave up waiting for receipt", map[string]any{
			"tx_hash": hash.Hex(),
			"error":   err.Error(),
		})
		return
	}

	status, event := storage.TxConfirmed, TxStatusSuccess
	if !st.Success {
		status, event = storage.TxFailed, TxStatusFailed
		logger.ErrorCF("broker", "Transaction failed on chain", map[string]any{
			"tx_hash": hash.Hex(),
			"block":   st.BlockNumber,
		})
	}
	b.metrics.receipts.WithLabelValues(event).Inc()

	storeCtx, storeCancel := context.WithTimeout(context.Background(), storeTimeout)
	defer storeCancel()
	if err := b.store.UpdateTransactionStatus(storeCtx, hash.Hex(), status); err != nil {
		logger.WarnCF("broker", "Failed to update transaction status", map[string]any{
			"tx_hash": hash.Hex(),
			"error":   err.Error(),
		})
	}

	ev := Event{Name: EventTransactionConfirmed, Data: TxConfirmation{Hash: hash.Hex(), Status: event}}
	b.continueWith(func() { b.notifier.NotifyOrigin(origin, ev) })
}
