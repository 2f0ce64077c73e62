package wallet

import (
	"crypto/rand"
	"encoding/base64"
	"unicode/utf8"
)

const minPassphraseLen = 8

// GeneratePassphrase returns a random passphrase suitable for a fresh vault.
func GeneratePassphrase() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidatePassphrase checks the minimum strength rules for a vault passphrase
func ValidatePassphrase(p string) error {
	if utf8.RuneCountInString(p) < minPassphraseLen {
		return ErrWeakPassphrase
	}
	return nil
}
