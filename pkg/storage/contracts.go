package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotFound is returned by getters when no record exists.
var ErrNotFound = errors.New("storage: not found")

type AccountStore interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	GetEncryptedKey(ctx context.Context, address common.Address) ([]byte, error)
	PutAccount(ctx context.Context, account Account) error
	// LastUsedAccount returns ErrNotFound when none was recorded.
	LastUsedAccount(ctx context.Context) (common.Address, error)
	SetLastUsedAccount(ctx context.Context, address common.Address) error
}

type ChainStore interface {
	GetChain(ctx context.Context, hex string) (Chain, error)
	// PutChain merges with any stored record, see MergeChain.
	PutChain(ctx context.Context, chain Chain) error
	ListChains(ctx context.Context) ([]Chain, error)
	// ActiveChain returns ErrNotFound when no chain was ever selected.
	ActiveChain(ctx context.Context) (string, error)
	SetActiveChain(ctx context.Context, hex string) error
}

type ApprovalStore interface {
	GetApproval(ctx context.Context, origin string) (OriginApproval, error)
	PutApproval(ctx context.Context, approval OriginApproval) error
	DeleteApproval(ctx context.Context, origin string) error
	ListApprovals(ctx context.Context) ([]OriginApproval, error)
}

type PendingMirror interface {
	PutPending(ctx context.Context, rec PendingRecord) error
	GetPending(ctx context.Context, id string) (PendingRecord, error)
	DeletePending(ctx context.Context, id string) error
	ListPending(ctx context.Context) ([]PendingRecord, error)
	// DeleteExpiredPending drops records whose expiry is before cutoff.
	DeleteExpiredPending(ctx context.Context, cutoff time.Time) (int64, error)
}

type TxStore interface {
	RecordTransaction(ctx context.Context, rec TxRecord) error
	UpdateTransactionStatus(ctx context.Context, hash string, status TxStatus) error
	ListTransactions(ctx context.Context, address common.Address) ([]TxRecord, error)
}

// Store is everything the broker persists.
type Store interface {
	AccountStore
	ChainStore
	ApprovalStore
	PendingMirror
	TxStore

	EnsureSchema(ctx context.Context) error
	Close() error
}
