// Package chaintest provides an in-memory chain backend for tests.
package chaintest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/dev-adhiraj/be-better/pkg/blockchain"
)

// RawCall records a passthrough request.
type RawCall struct {
	Method string
	Args   []any
}

// Chain is a scripted node. Zero values are usable after New.
type Chain struct {
	mu sync.Mutex

	ID          *big.Int
	Nonce       uint64
	GasPrice    *big.Int
	GasEstimate uint64

	EstimateErr error
	SendErr     error
	CallErr     error

	Results map[string]json.RawMessage

	sent     []*types.Transaction
	estimate []ethereum.CallMsg
	calls    []RawCall
	receipts map[common.Hash]*types.Receipt
	closed   bool
}

// New returns a chain with the given id, a 1 gwei gas price and a 21000
// gas estimate.
func New(chainID int64) *Chain {
	return &Chain{
		ID:          big.NewInt(chainID),
		GasPrice:    big.NewInt(1_000_000_000),
		GasEstimate: 21000,
		Results:     make(map[string]json.RawMessage),
		receipts:    make(map[common.Hash]*types.Receipt),
	}
}

// Dialer returns a blockchain.Dialer that always yields c.
func (c *Chain) Dialer() blockchain.Dialer {
	return func(context.Context, string) (blockchain.Conn, error) { return c, nil }
}

func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.ID), nil
}

func (c *Chain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Nonce, nil
}

func (c *Chain) SuggestGasPrice(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.GasPrice), nil
}

func (c *Chain) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estimate = append(c.estimate, msg)
	if c.EstimateErr != nil {
		return 0, c.EstimateErr
	}
	return c.GasEstimate, nil
}

func (c *Chain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, tx)
	return nil
}

func (c *Chain) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *Chain) CallContext(_ context.Context, result any, method string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, RawCall{Method: method, Args: args})
	if c.CallErr != nil {
		return c.CallErr
	}
	res, ok := c.Results[method]
	if !ok {
		return fmt.Errorf("the method %s does not exist/is not available", method)
	}
	return json.Unmarshal(res, result)
}

func (c *Chain) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Mine stores a receipt for h with the given success flag.
func (c *Chain) Mine(h common.Hash, success bool) {
	status := types.ReceiptStatusFailed
	if success {
		status = types.ReceiptStatusSuccessful
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[h] = &types.Receipt{TxHash: h, Status: status, BlockNumber: big.NewInt(1), GasUsed: 21000}
}

// Sent returns broadcast transactions in order.
func (c *Chain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

// Calls returns passthrough requests in order.
func (c *Chain) Calls() []RawCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RawCall(nil), c.calls...)
}

// Estimates returns the messages passed to EstimateGas.
func (c *Chain) Estimates() []ethereum.CallMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ethereum.CallMsg(nil), c.estimate...)
}

// Closed reports whether Close was called.
func (c *Chain) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
