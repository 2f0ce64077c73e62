package blockchain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/dev-adhiraj/be-better/pkg/logger"
)

// Backend is the subset of a chain node the broker needs to send transactions.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Conn is a connection to one chain: the typed backend plus raw JSON-RPC
// access for passthrough methods.
type Conn interface {
	Backend
	CallContext(ctx context.Context, result any, method string, args ...any) error
	Close()
}

// Dialer opens a Conn for an RPC URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

type rpcConn struct {
	*ethclient.Client
	raw *rpc.Client
}

func (c *rpcConn) CallContext(ctx context.Context, result any, method string, args ...any) error {
	return c.raw.CallContext(ctx, result, method, args...)
}

// DialRPC is the default Dialer over HTTP or WebSocket JSON-RPC.
func DialRPC(ctx context.Context, url string) (Conn, error) {
	raw, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return &rpcConn{Client: ethclient.NewClient(raw), raw: raw}, nil
}

// Client manages lazily dialed connections to EVM chains keyed by lowercase
// chain id hex.
type Client struct {
	mu    sync.RWMutex
	dial  Dialer
	urls  map[string]string
	conns map[string]Conn
}

// NewClient creates a client. A nil dialer uses DialRPC.
func NewClient(dial Dialer) *Client {
	if dial == nil {
		dial = DialRPC
	}
	return &Client{
		dial:  dial,
		urls:  make(map[string]string),
		conns: make(map[string]Conn),
	}
}

// Register sets the RPC endpoint for a chain. Changing the URL of a chain
// drops its existing connection.
func (c *Client) Register(chainHex, url string) {
	chainHex = strings.ToLower(chainHex)
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.urls[chainHex]; ok && old == url {
		return
	}
	if conn, ok := c.conns[chainHex]; ok {
		conn.Close()
		delete(c.conns, chainHex)
	}
	c.urls[chainHex] = url
	logger.DebugCF("blockchain", "Chain registered", map[string]any{
		"chain": chainHex,
		"rpc":   url,
	})
}

// Registered reports whether an endpoint is known for chainHex.
func (c *Client) Registered(chainHex string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.urls[strings.ToLower(chainHex)]
	return ok
}

// Conn returns the connection for chainHex, dialing on first use.
func (c *Client) Conn(ctx context.Context, chainHex string) (Conn, error) {
	chainHex = strings.ToLower(chainHex)

	c.mu.RLock()
	conn, ok := c.conns[chainHex]
	url, known := c.urls[chainHex]
	c.mu.RUnlock()
	if ok {
		return conn, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrChainNotRegistered, chainHex)
	}

	conn, err := c.dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s RPC: %w", chainHex, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.conns[chainHex]; ok {
		conn.Close()
		return existing, nil
	}
	c.conns[chainHex] = conn
	logger.InfoCF("blockchain", "Connected to chain", map[string]any{
		"chain": chainHex,
		"rpc":   url,
	})
	return conn, nil
}

// Backend returns the typed backend for chainHex.
func (c *Client) Backend(ctx context.Context, chainHex string) (Backend, error) {
	return c.Conn(ctx, chainHex)
}

// Call forwards a JSON-RPC method verbatim to chainHex and returns the raw
// result. params must be a JSON array or empty.
func (c *Client) Call(ctx context.Context, chainHex, method string, params json.RawMessage) (json.RawMessage, error) {
	conn, err := c.Conn(ctx, chainHex)
	if err != nil {
		return nil, err
	}

	var args []json.RawMessage
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("params must be an array: %w", err)
		}
	}
	callArgs := make([]any, len(args))
	for i, a := range args {
		callArgs[i] = a
	}

	var out json.RawMessage
	if err := conn.CallContext(ctx, &out, method, callArgs...); err != nil {
		return nil, err
	}
	if out == nil {
		out = json.RawMessage("null")
	}
	return out, nil
}

// Close closes all RPC connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for chainHex, conn := range c.conns {
		conn.Close()
		logger.InfoCF("blockchain", "Disconnected from chain", map[string]any{
			"chain": chainHex,
		})
	}
	c.conns = make(map[string]Conn)
}

// ResolveChainID asks an endpoint for its chain id and returns it as
// lowercase hex. Used for seeds that only know their RPC URL.
func ResolveChainID(ctx context.Context, dial Dialer, url string) (string, error) {
	if dial == nil {
		dial = DialRPC
	}
	conn, err := dial(ctx, url)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer conn.Close()

	id, err := conn.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get chain ID from %s: %w", url, err)
	}
	return hexutil.EncodeBig(id), nil
}
