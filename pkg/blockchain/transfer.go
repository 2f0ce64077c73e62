package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/dev-adhiraj/be-better/pkg/logger"
)

// TxRequest is a normalized eth_sendTransaction payload. Nil numeric fields
// were not supplied by the dApp.
type TxRequest struct {
	From     common.Address
	To       *common.Address
	Value    *big.Int
	Gas      *big.Int
	GasPrice *big.Int
	Data     []byte
}

// GasQuote is the gas limit and price snapshot shown at approval time.
type GasQuote struct {
	Gas      uint64
	GasPrice *big.Int
}

// SignerFunc signs tx for chainID.
type SignerFunc func(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)

// Quote estimates gas for req (unless the dApp supplied a limit) and
// snapshots the node's suggested gas price.
func Quote(ctx context.Context, b Backend, req TxRequest) (GasQuote, error) {
	var q GasQuote

	if req.Gas != nil && req.Gas.Sign() > 0 {
		if !req.Gas.IsUint64() {
			return q, fmt.Errorf("%w: gas limit overflows", ErrInvalidQuantity)
		}
		q.Gas = req.Gas.Uint64()
	} else {
		gas, err := b.EstimateGas(ctx, req.callMsg())
		if err != nil {
			return q, fmt.Errorf("failed to estimate gas: %w", err)
		}
		q.Gas = gas
	}

	price, err := b.SuggestGasPrice(ctx)
	if err != nil {
		return q, fmt.Errorf("failed to get gas price: %w", err)
	}
	q.GasPrice = price

	logger.DebugCF("blockchain", "Gas quoted", map[string]any{
		"from":      req.From.Hex(),
		"gas":       q.Gas,
		"gas_price": price.String(),
	})
	return q, nil
}

func (r TxRequest) callMsg() ethereum.CallMsg {
	return ethereum.CallMsg{
		From:  r.From,
		To:    r.To,
		Value: r.Value,
		Data:  r.Data,
	}
}

// SendLegacy builds a legacy transaction with the node's pending nonce,
// signs it offline with the chain id and broadcasts it.
func SendLegacy(ctx context.Context, b Backend, req TxRequest, gas uint64, gasPrice *big.Int, sign SignerFunc) (*types.Transaction, error) {
	nonce, err := b.PendingNonceAt(ctx, req.From)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	chainID, err := b.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       req.To,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     req.Data,
	})

	signed, err := sign(tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := b.SendTransaction(ctx, signed); err != nil {
		logger.ErrorCF("blockchain", "Send transaction failed", map[string]any{
			"from":  req.From.Hex(),
			"error": err.Error(),
		})
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	logger.InfoCF("blockchain", "Transaction broadcast", map[string]any{
		"tx_hash": signed.Hash().Hex(),
		"nonce":   nonce,
		"chainId": chainID.String(),
	})
	return signed, nil
}

// Receipt states reported by GetTransactionStatus.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
)

// TransactionStatus contains transaction status information
type TransactionStatus struct {
	Hash        common.Hash
	Status      string
	Success     bool
	BlockNumber uint64
	GasUsed     uint64
}

// GetTransactionStatus reports pending while the node has no receipt.
func GetTransactionStatus(ctx context.Context, b Backend, txHash common.Hash) (*TransactionStatus, error) {
	receipt, err := b.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &TransactionStatus{Hash: txHash, Status: StatusPending}, nil
		}
		return nil, err
	}

	st := &TransactionStatus{
		Hash:    txHash,
		Status:  StatusConfirmed,
		Success: receipt.Status == types.ReceiptStatusSuccessful,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		st.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return st, nil
}

// WaitReceipt polls until the transaction is mined or ctx ends. Transient
// RPC errors are logged and retried.
func WaitReceipt(ctx context.Context, b Backend, txHash common.Hash, interval time.Duration) (*TransactionStatus, error) {
	if interval <= 0 {
		interval = 4 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := GetTransactionStatus(ctx, b, txHash)
		switch {
		case err != nil:
			logger.WarnCF("blockchain", "Receipt poll failed", map[string]any{
				"tx_hash": txHash.Hex(),
				"error":   err.Error(),
			})
		case st.Status != StatusPending:
			return st, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
