package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeChain(t *testing.T) {
	existing := Chain{
		Hex:              "0x61",
		Name:             "BNB Smart Chain Testnet",
		Ticker:           "tBNB",
		RPCURL:           "https://old.example",
		BlockExplorerURL: "https://testnet.bscscan.com/",
		UserAdded:        true,
	}

	t.Run("empty fields keep stored values", func(t *testing.T) {
		got := MergeChain(existing, Chain{Hex: "0x61", RPCURL: "https://new.example"})
		assert.Equal(t, "BNB Smart Chain Testnet", got.Name)
		assert.Equal(t, "tBNB", got.Ticker)
		assert.Equal(t, "https://new.example", got.RPCURL)
		assert.Equal(t, "https://testnet.bscscan.com/", got.BlockExplorerURL)
	})

	t.Run("userAdded is sticky", func(t *testing.T) {
		got := MergeChain(existing, Chain{Hex: "0x61", UserAdded: false})
		assert.True(t, got.UserAdded)
	})

	t.Run("hex is normalized", func(t *testing.T) {
		got := MergeChain(Chain{}, Chain{Hex: " 0xAA36A7 ", Name: "Sepolia"})
		assert.Equal(t, "0xaa36a7", got.Hex)
		assert.False(t, got.UserAdded)
	})
}
