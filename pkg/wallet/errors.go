package wallet

import "errors"

var (
	// ErrVaultLocked is returned when no passphrase has been supplied yet
	ErrVaultLocked = errors.New("wallet vault is locked")

	// ErrDecryptionFailed is returned when an encrypted key cannot be opened
	ErrDecryptionFailed = errors.New("failed to decrypt private key")

	// ErrWeakPassphrase is returned when a passphrase fails ValidatePassphrase
	ErrWeakPassphrase = errors.New("passphrase must be at least 8 characters")

	// ErrInvalidPrivateKey is returned when an imported key is malformed
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrInvalidTypedData is returned for typed data that cannot be hashed
	ErrInvalidTypedData = errors.New("invalid typed data")

	// ErrKeyMismatch is returned when a decrypted key does not match the
	// address it was stored under
	ErrKeyMismatch = errors.New("decrypted key does not match account address")
)
