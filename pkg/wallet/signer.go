package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const eip712DomainType = "EIP712Domain"

// SignTx signs tx for chainID with the latest signer the chain supports.
func SignTx(key *ecdsa.PrivateKey, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// SignPersonal produces an EIP-191 "personal_sign" signature over msg.
func SignPersonal(key *ecdsa.PrivateKey, msg []byte) (Signature, error) {
	return signDigest(key, accounts.TextHash(msg))
}

// RecoverPersonal returns the signer of an EIP-191 signature.
func RecoverPersonal(msg []byte, sig Signature) (common.Address, error) {
	return recoverDigest(accounts.TextHash(msg), sig)
}

// SignTypedData signs an EIP-712 v4 payload. Any EIP712Domain entry in the
// supplied types is dropped; the domain schema is derived from the domain
// fields that are actually set.
func SignTypedData(key *ecdsa.PrivateKey, td apitypes.TypedData) (Signature, error) {
	digest, err := TypedDataDigest(td)
	if err != nil {
		return nil, err
	}
	return signDigest(key, digest.Bytes())
}

// RecoverTypedData returns the signer of a SignTypedData signature.
func RecoverTypedData(td apitypes.TypedData, sig Signature) (common.Address, error) {
	digest, err := TypedDataDigest(td)
	if err != nil {
		return common.Address{}, err
	}
	return recoverDigest(digest.Bytes(), sig)
}

// TypedDataDigest computes keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func TypedDataDigest(td apitypes.TypedData) (common.Hash, error) {
	structs := StripDomainType(td.Types)
	primary := td.PrimaryType
	if primary == "" || primary == eip712DomainType {
		var err error
		if primary, err = inferPrimaryType(structs); err != nil {
			return common.Hash{}, err
		}
	}
	if _, ok := structs[primary]; !ok {
		return common.Hash{}, fmt.Errorf("%w: primary type %q not defined", ErrInvalidTypedData, primary)
	}

	withDomain := make(apitypes.Types, len(structs)+1)
	for name, fields := range structs {
		withDomain[name] = fields
	}
	withDomain[eip712DomainType] = domainFields(td.Domain)

	full := apitypes.TypedData{
		Types:       withDomain,
		PrimaryType: primary,
		Domain:      td.Domain,
		Message:     td.Message,
	}

	domainSeparator, err := full.HashStruct(eip712DomainType, full.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: domain: %v", ErrInvalidTypedData, err)
	}
	messageHash, err := full.HashStruct(primary, full.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: message: %v", ErrInvalidTypedData, err)
	}

	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256Hash(raw), nil
}

// StripDomainType returns a copy of types without the EIP712Domain entry.
func StripDomainType(in apitypes.Types) apitypes.Types {
	out := make(apitypes.Types, len(in))
	for name, fields := range in {
		if name == eip712DomainType {
			continue
		}
		out[name] = fields
	}
	return out
}

func domainFields(d apitypes.TypedDataDomain) []apitypes.Type {
	var fields []apitypes.Type
	if d.Name != "" {
		fields = append(fields, apitypes.Type{Name: "name", Type: "string"})
	}
	if d.Version != "" {
		fields = append(fields, apitypes.Type{Name: "version", Type: "string"})
	}
	if d.ChainId != nil {
		fields = append(fields, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if d.VerifyingContract != "" {
		fields = append(fields, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	if d.Salt != "" {
		fields = append(fields, apitypes.Type{Name: "salt", Type: "bytes32"})
	}
	return fields
}

// inferPrimaryType picks the single struct type that no other type refers to.
func inferPrimaryType(structs apitypes.Types) (string, error) {
	referenced := make(map[string]bool)
	for _, fields := range structs {
		for _, f := range fields {
			name := f.Type
			if i := strings.IndexByte(name, '['); i >= 0 {
				name = name[:i]
			}
			referenced[name] = true
		}
	}
	var roots []string
	for name := range structs {
		if !referenced[name] {
			roots = append(roots, name)
		}
	}
	sort.Strings(roots)
	if len(roots) != 1 {
		return "", fmt.Errorf("%w: cannot infer primary type from %v", ErrInvalidTypedData, roots)
	}
	return roots[0], nil
}

func signDigest(key *ecdsa.PrivateKey, digest []byte) (Signature, error) {
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return Signature(sig), nil
}

func recoverDigest(digest []byte, sig Signature) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
