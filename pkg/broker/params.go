package broker

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/dev-adhiraj/be-better/pkg/blockchain"
	"github.com/dev-adhiraj/be-better/pkg/storage"
)

// Call is a validated request. ParseCall produces exactly one variant per
// envelope.
type Call interface {
	Method() string
}

type RequestAccounts struct{}

type Accounts struct{}

type SendTransaction struct {
	// From is the dApp's requested sender; it may not be a held account.
	From *common.Address
	Tx   blockchain.TxRequest
}

type PersonalSign struct {
	Address common.Address
	Message []byte
	// Raw is the message as the dApp sent it.
	Raw string
}

type SignTypedData struct {
	method  string
	Address common.Address
	Data    apitypes.TypedData
}

type SwitchChain struct {
	ChainHex string
}

type AddChain struct {
	Chain storage.Chain
}

type Disconnect struct{ method string }

type WatchAsset struct{}

// Passthrough is forwarded to the active chain's node.
type Passthrough struct {
	method string
	Params json.RawMessage
}

type Unsupported struct{ method string }

func (RequestAccounts) Method() string { return "eth_requestAccounts" }
func (Accounts) Method() string { return "eth_accounts" }
func (SendTransaction) Method() string { return "eth_sendTransaction" }
func (PersonalSign) Method() string { return "personal_sign" }
func (c SignTypedData) Method() string { return c.method }
func (SwitchChain) Method() string { return "wallet_switchEthereumChain" }
func (AddChain) Method() string { return "wallet_addEthereumChain" }
func (c Disconnect) Method() string { return c.method }
func (WatchAsset) Method() string { return "wallet_watchAsset" }
func (c Passthrough) Method() string { return c.method }
func (c Unsupported) Method() string { return c.method }

var passthroughMethods = map[string]bool{
	"eth_getBalance":            true,
	"eth_call":                  true,
	"eth_gasPrice":              true,
	"eth_blockNumber":           true,
	"eth_getCode":               true,
	"eth_getTransactionReceipt": true,
	"eth_getTransactionByHash":  true,
	"eth_getLogs":               true,
	"eth_estimateGas":           true,
	"net_version":               true,
	"web3_clientVersion":        true,
	"eth_chainId":               true,
}

// ParseCall validates req into a typed call. Malformed params yield
// ErrInvalidParams; unknown methods yield Unsupported, not an error.
func ParseCall(req Request) (Call, error) {
	method := strings.TrimSpace(req.Method)
	if method == "" {
		return nil, ErrInvalidParams.With("method is required")
	}

	switch method {
	case "eth_requestAccounts":
		return RequestAccounts{}, nil
	case "eth_accounts":
		return Accounts{}, nil
	case "eth_sendTransaction":
		return parseSendTransaction(req.Params)
	case "personal_sign":
		return parsePersonalSign(req.Params)
	case "eth_signTypedData", "eth_signTypedData_v4":
		return parseSignTypedData(method, req.Params)
	case "wallet_switchEthereumChain":
		return parseSwitchChain(req.Params)
	case "wallet_addEthereumChain":
		return parseAddChain(req.Params)
	case "wallet_disconnect", "eth_disconnect":
		return Disconnect{method: method}, nil
	case "wallet_watchAsset":
		return WatchAsset{}, nil
	}

	if passthroughMethods[method] {
		params := req.Params
		if len(bytes.TrimSpace(params)) == 0 || string(params) == "null" {
			params = json.RawMessage("[]")
		} else if !isArray(params) {
			return nil, ErrInvalidParams.With("params must be an array")
		}
		return Passthrough{method: method, Params: params}, nil
	}
	return Unsupported{method: method}, nil
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

func positional(raw json.RawMessage, min int) ([]json.RawMessage, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, ErrInvalidParams.With("params must be an array")
	}
	if len(args) < min {
		return nil, ErrInvalidParams.Withf("expected at least %d params", min)
	}
	return args, nil
}

type txParams struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Value    json.RawMessage `json:"value"`
	Gas      json.RawMessage `json:"gas"`
	GasLimit json.RawMessage `json:"gasLimit"`
	GasPrice json.RawMessage `json:"gasPrice"`
	Data     string          `json:"data"`
	Input    string          `json:"input"`
}

func parseSendTransaction(raw json.RawMessage) (Call, error) {
	args, err := positional(raw, 1)
	if err != nil {
		return nil, err
	}
	var p txParams
	if err := json.Unmarshal(args[0], &p); err != nil {
		return nil, ErrInvalidParams.With("transaction must be an object")
	}

	var call SendTransaction
	if p.From != "" {
		if !common.IsHexAddress(p.From) {
			return nil, ErrInvalidParams.Withf("invalid from address %q", p.From)
		}
		from := common.HexToAddress(p.From)
		call.From = &from
	}
	if p.To != "" {
		if !common.IsHexAddress(p.To) {
			return nil, ErrInvalidParams.Withf("invalid to address %q", p.To)
		}
		to := common.HexToAddress(p.To)
		call.Tx.To = &to
	}

	quantities := []struct {
		name string
		raw  json.RawMessage
		dst  **big.Int
	}{
		{"value", p.Value, &call.Tx.Value},
		{"gas", p.Gas, &call.Tx.Gas},
		{"gasPrice", p.GasPrice, &call.Tx.GasPrice},
	}
	if len(p.Gas) == 0 {
		quantities[1].raw = p.GasLimit
	}
	for _, q := range quantities {
		v, err := blockchain.ParseQuantity(q.raw)
		if err != nil {
			return nil, ErrInvalidParams.Withf("invalid %s: %v", q.name, err)
		}
		*q.dst = v
	}

	data := p.Data
	if data == "" {
		data = p.Input
	}
	if data != "" {
		b, err := hexutil.Decode(data)
		if err != nil {
			return nil, ErrInvalidParams.Withf("invalid data: %v", err)
		}
		call.Tx.Data = b
	}
	if call.Tx.To == nil && len(call.Tx.Data) == 0 {
		return nil, ErrInvalidParams.With("transaction needs a recipient or data")
	}
	return call, nil
}

// parsePersonalSign applies the ordering heuristic used by wallets in the
// wild: a first param that starts with 0x and has at least two hex digits is
// the message, otherwise the params are [address, message]. Two hex params
// therefore always read as [message, address].
func parsePersonalSign(raw json.RawMessage) (Call, error) {
	args, err := positional(raw, 2)
	if err != nil {
		return nil, err
	}
	var p0, p1 string
	if err := json.Unmarshal(args[0], &p0); err != nil {
		return nil, ErrInvalidParams.With("personal_sign params must be strings")
	}
	if err := json.Unmarshal(args[1], &p1); err != nil {
		return nil, ErrInvalidParams.With("personal_sign params must be strings")
	}

	msg, addr := p1, p0
	if strings.HasPrefix(p0, "0x") && len(p0) >= 4 {
		msg, addr = p0, p1
	}
	if !common.IsHexAddress(addr) {
		return nil, ErrInvalidParams.Withf("invalid address %q", addr)
	}
	return PersonalSign{
		Address: common.HexToAddress(addr),
		Message: messageBytes(msg),
		Raw:     msg,
	}, nil
}

// messageBytes hex-decodes 0x-prefixed even-length hex and otherwise uses
// the UTF-8 bytes of s.
func messageBytes(s string) []byte {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits := s[2:]
		if len(digits)%2 == 0 {
			if b, err := hex.DecodeString(digits); err == nil {
				return b
			}
		}
	}
	return []byte(s)
}

func parseSignTypedData(method string, raw json.RawMessage) (Call, error) {
	args, err := positional(raw, 2)
	if err != nil {
		return nil, err
	}
	var addr string
	if err := json.Unmarshal(args[0], &addr); err != nil || !common.IsHexAddress(addr) {
		return nil, ErrInvalidParams.With("first param must be the signer address")
	}

	// typed data arrives either as a JSON string or as an object
	body := bytes.TrimSpace(args[1])
	if len(body) > 0 && body[0] == '"' {
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, ErrInvalidParams.With("invalid typed data string")
		}
		body = []byte(s)
	}
	var td apitypes.TypedData
	if err := json.Unmarshal(body, &td); err != nil {
		return nil, ErrInvalidParams.Withf("invalid typed data: %v", err)
	}
	if len(td.Types) == 0 || td.Message == nil {
		return nil, ErrInvalidParams.With("typed data needs types and message")
	}
	return SignTypedData{method: method, Address: common.HexToAddress(addr), Data: td}, nil
}

func parseChainHex(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return normalizeChainHex(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return normalizeChainHex(n.String())
	}
	return "", ErrInvalidParams.With("chainId must be a hex string")
}

func normalizeChainHex(s string) (string, error) {
	v, err := blockchain.ParseQuantityString(s)
	if err != nil || v == nil || v.Sign() <= 0 {
		return "", ErrInvalidParams.Withf("invalid chainId %q", s)
	}
	return hexutil.EncodeBig(v), nil
}

func parseSwitchChain(raw json.RawMessage) (Call, error) {
	args, err := positional(raw, 1)
	if err != nil {
		return nil, err
	}
	var p struct {
		ChainID json.RawMessage `json:"chainId"`
	}
	if err := json.Unmarshal(args[0], &p); err != nil || len(p.ChainID) == 0 {
		return nil, ErrInvalidParams.With("chainId is required")
	}
	hex, err := parseChainHex(p.ChainID)
	if err != nil {
		return nil, err
	}
	return SwitchChain{ChainHex: hex}, nil
}

func parseAddChain(raw json.RawMessage) (Call, error) {
	args, err := positional(raw, 1)
	if err != nil {
		return nil, err
	}
	var p struct {
		ChainID        json.RawMessage `json:"chainId"`
		ChainName      string          `json:"chainName"`
		RPCURLs        []string        `json:"rpcUrls"`
		BlockExplorers []string        `json:"blockExplorerUrls"`
		NativeCurrency struct {
			Symbol string `json:"symbol"`
		} `json:"nativeCurrency"`
	}
	if err := json.Unmarshal(args[0], &p); err != nil {
		return nil, ErrInvalidParams.With("chain must be an object")
	}
	if len(p.ChainID) == 0 {
		return nil, ErrInvalidParams.With("chainId is required")
	}
	if len(p.RPCURLs) == 0 || strings.TrimSpace(p.RPCURLs[0]) == "" {
		return nil, ErrInvalidParams.With("rpcUrls[0] is required")
	}
	hex, err := parseChainHex(p.ChainID)
	if err != nil {
		return nil, err
	}

	c := storage.Chain{
		Hex:       hex,
		Name:      p.ChainName,
		Ticker:    p.NativeCurrency.Symbol,
		RPCURL:    strings.TrimSpace(p.RPCURLs[0]),
		UserAdded: true,
	}
	if c.Name == "" {
		c.Name = hex
	}
	if c.Ticker == "" {
		c.Ticker = "ETH"
	}
	if len(p.BlockExplorers) > 0 {
		c.BlockExplorerURL = p.BlockExplorers[0]
	}
	return AddChain{Chain: c}, nil
}
