package storage

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Account is a held key. The broker only reads Address and EncryptedKey.
type Account struct {
	Address      common.Address
	DisplayName  string
	EncryptedKey []byte
	Pinned       bool
	Hidden       bool
	Imported     bool
	CreatedAt    time.Time
}

// Chain is keyed by its lowercase hex chain id.
type Chain struct {
	Hex              string `json:"chainIdHex"`
	Name             string `json:"name"`
	Ticker           string `json:"ticker"`
	RPCURL           string `json:"rpcUrl"`
	BlockExplorerURL string `json:"blockExplorerUrl"`
	UserAdded        bool   `json:"userAdded"`
}

type ApprovalType string

const (
	ApprovalConnect     ApprovalType = "connect"
	ApprovalTransaction ApprovalType = "transaction"
)

// OriginApproval binds an origin to at most one account. An origin without
// a record is unapproved.
type OriginApproval struct {
	Origin    string          `json:"origin"`
	Account   *common.Address `json:"account"`
	Timestamp int64           `json:"timestamp"`
	Type      ApprovalType    `json:"approvalType"`
}

// PendingRecord is the advisory durable copy of an in-memory pending
// request. It carries enough to render an approval surface, never a resolver.
type PendingRecord struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Origin    string          `json:"origin"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

type TxRecord struct {
	Hash      string    `json:"hash"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Value     string    `json:"value"`
	ChainHex  string    `json:"chainIdHex"`
	ChainName string    `json:"chainName"`
	Amount    string    `json:"amount"`
	Status    TxStatus  `json:"status"`
	Origin    string    `json:"origin"`
	CreatedAt time.Time `json:"createdAt"`
}
