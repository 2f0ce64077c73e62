package wallet

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NewKey is the result of generating or importing a key: the address and
// the encrypted blob to persist. The plaintext key is never returned.
type NewKey struct {
	Address      common.Address
	EncryptedKey []byte
}

// Signature is a 65-byte [R || S || V] signature with V in {27, 28}.
type Signature hexutil.Bytes

func (s Signature) Hex() string { return hexutil.Encode(s) }
