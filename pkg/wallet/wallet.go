package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/dev-adhiraj/be-better/pkg/logger"
)

// Vault encrypts and decrypts private keys at rest using the Web3 Secret
// Storage format (scrypt + AES-128-CTR), one passphrase for all accounts.
type Vault struct {
	mu         sync.RWMutex
	passphrase string
	scryptN    int
	scryptP    int
}

// NewVault creates a vault. An empty passphrase leaves it locked until
// Unlock is called. light selects cheaper scrypt parameters for tests and
// low-power devices.
func NewVault(passphrase string, light bool) *Vault {
	v := &Vault{
		passphrase: passphrase,
		scryptN:    keystore.StandardScryptN,
		scryptP:    keystore.StandardScryptP,
	}
	if light {
		v.scryptN = keystore.LightScryptN
		v.scryptP = keystore.LightScryptP
	}
	return v
}

// Unlock sets the passphrase used for subsequent operations.
func (v *Vault) Unlock(passphrase string) error {
	if passphrase == "" {
		return ErrVaultLocked
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.passphrase = passphrase
	logger.InfoC("wallet", "Vault unlocked")
	return nil
}

// Lock forgets the passphrase.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.passphrase = ""
	logger.InfoC("wallet", "Vault locked")
}

func (v *Vault) Locked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.passphrase == ""
}

func (v *Vault) secret() (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.passphrase == "" {
		return "", ErrVaultLocked
	}
	return v.passphrase, nil
}

// Encrypt seals key into a keystore JSON blob.
func (v *Vault) Encrypt(key *ecdsa.PrivateKey) ([]byte, error) {
	pass, err := v.secret()
	if err != nil {
		return nil, err
	}
	k := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}
	blob, err := keystore.EncryptKey(k, pass, v.scryptN, v.scryptP)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt key: %w", err)
	}
	return blob, nil
}

// Decrypt opens a blob produced by Encrypt. The caller owns the returned key
// and must not retain it beyond the operation that needed it.
func (v *Vault) Decrypt(blob []byte) (*ecdsa.PrivateKey, error) {
	pass, err := v.secret()
	if err != nil {
		return nil, err
	}
	k, err := keystore.DecryptKey(blob, pass)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return k.PrivateKey, nil
}

// DecryptFor decrypts blob and checks it belongs to address.
func (v *Vault) DecryptFor(address common.Address, blob []byte) (*ecdsa.PrivateKey, error) {
	key, err := v.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	if crypto.PubkeyToAddress(key.PublicKey) != address {
		return nil, ErrKeyMismatch
	}
	return key, nil
}

// Generate creates a fresh key and returns it encrypted.
func (v *Vault) Generate() (NewKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return NewKey{}, fmt.Errorf("failed to generate key: %w", err)
	}
	return v.seal(key)
}

// ImportHex encrypts a hex private key, with or without 0x prefix.
func (v *Vault) ImportHex(hexKey string) (NewKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return NewKey{}, ErrInvalidPrivateKey
	}
	return v.seal(key)
}

func (v *Vault) seal(key *ecdsa.PrivateKey) (NewKey, error) {
	blob, err := v.Encrypt(key)
	if err != nil {
		return NewKey{}, err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	logger.InfoCF("wallet", "Key sealed", map[string]any{
		"address": addr.Hex(),
	})
	return NewKey{Address: addr, EncryptedKey: blob}, nil
}
