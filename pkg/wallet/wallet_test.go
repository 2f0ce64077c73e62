package wallet

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keccak256("cow"), the key used by the EIP-712 reference example
const cowKey = "c85ef7d79691fe79573b1a7064c19c1a9819ebdbd1faaab1a8ec92344438aaf4"

var cowAddress = common.HexToAddress("0xCD2a3d9F938E13CD947Ec05AbC7FE734Df8DD826")

func TestVault_ImportDecrypt(t *testing.T) {
	v := NewVault("correct horse battery", true)

	nk, err := v.ImportHex("0x" + cowKey)
	require.NoError(t, err)
	assert.Equal(t, cowAddress, nk.Address)
	assert.NotContains(t, string(nk.EncryptedKey), cowKey)

	key, err := v.DecryptFor(nk.Address, nk.EncryptedKey)
	require.NoError(t, err)
	assert.Equal(t, cowAddress, crypto.PubkeyToAddress(key.PublicKey))
}

func TestVault_WrongPassphrase(t *testing.T) {
	nk, err := NewVault("correct horse battery", true).Generate()
	require.NoError(t, err)

	_, err = NewVault("wrong horse battery", true).Decrypt(nk.EncryptedKey)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestVault_Locked(t *testing.T) {
	v := NewVault("", true)
	assert.True(t, v.Locked())

	_, err := v.Generate()
	assert.ErrorIs(t, err, ErrVaultLocked)
	assert.ErrorIs(t, v.Unlock(""), ErrVaultLocked)

	require.NoError(t, v.Unlock("correct horse battery"))
	assert.False(t, v.Locked())
	nk, err := v.Generate()
	require.NoError(t, err)

	v.Lock()
	_, err = v.Decrypt(nk.EncryptedKey)
	assert.ErrorIs(t, err, ErrVaultLocked)
}

func TestVault_KeyMismatch(t *testing.T) {
	v := NewVault("correct horse battery", true)
	nk, err := v.Generate()
	require.NoError(t, err)

	_, err = v.DecryptFor(cowAddress, nk.EncryptedKey)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestVault_ImportInvalid(t *testing.T) {
	_, err := NewVault("correct horse battery", true).ImportHex("0xnothex")
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestValidatePassphrase(t *testing.T) {
	assert.ErrorIs(t, ValidatePassphrase("short"), ErrWeakPassphrase)
	assert.NoError(t, ValidatePassphrase("long enough"))

	p, err := GeneratePassphrase()
	require.NoError(t, err)
	assert.NoError(t, ValidatePassphrase(p))
}

func TestSignPersonal_Recover(t *testing.T) {
	key, err := crypto.HexToECDSA(cowKey)
	require.NoError(t, err)

	msg := []byte{0xde, 0xad, 0xbe, 0xef}
	sig, err := SignPersonal(key, msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	signer, err := RecoverPersonal(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, cowAddress, signer)

	other, err := RecoverPersonal([]byte("0xdeadbeef"), sig)
	require.NoError(t, err)
	assert.NotEqual(t, cowAddress, other)
}

const mailTypedData = `{
  "types": {
    "EIP712Domain": [
      {"name": "name", "type": "string"},
      {"name": "version", "type": "string"},
      {"name": "chainId", "type": "uint256"},
      {"name": "verifyingContract", "type": "address"}
    ],
    "Person": [
      {"name": "name", "type": "string"},
      {"name": "wallet", "type": "address"}
    ],
    "Mail": [
      {"name": "from", "type": "Person"},
      {"name": "to", "type": "Person"},
      {"name": "contents", "type": "string"}
    ]
  },
  "primaryType": "Mail",
  "domain": {
    "name": "Ether Mail",
    "version": "1",
    "chainId": 1,
    "verifyingContract": "0xCcCCccccCCCCcCCCCCCcCcCccCcCCCcCcccccccC"
  },
  "message": {
    "from": {"name": "Cow", "wallet": "0xCD2a3d9F938E13CD947Ec05AbC7FE734Df8DD826"},
    "to": {"name": "Bob", "wallet": "0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB"},
    "contents": "Hello, Bob!"
  }
}`

func loadMail(t *testing.T) apitypes.TypedData {
	t.Helper()
	var td apitypes.TypedData
	require.NoError(t, json.Unmarshal([]byte(mailTypedData), &td))
	return td
}

func TestTypedDataDigest_ReferenceVector(t *testing.T) {
	digest, err := TypedDataDigest(loadMail(t))
	require.NoError(t, err)
	assert.Equal(t, "0xbe609aee343fb3c4b28e1df9e632fca64fcfaede20f02e86244efddf30957bd2", digest.Hex())
}

func TestTypedDataDigest_IgnoresSuppliedDomainType(t *testing.T) {
	with := loadMail(t)
	without := loadMail(t)
	delete(without.Types, "EIP712Domain")

	// a bogus domain schema must not leak into the signed payload
	tampered := loadMail(t)
	tampered.Types["EIP712Domain"] = []apitypes.Type{{Name: "name", Type: "string"}}

	a, err := TypedDataDigest(with)
	require.NoError(t, err)
	b, err := TypedDataDigest(without)
	require.NoError(t, err)
	c, err := TypedDataDigest(tampered)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
}

func TestTypedDataDigest_InfersPrimaryType(t *testing.T) {
	td := loadMail(t)
	td.PrimaryType = ""
	digest, err := TypedDataDigest(td)
	require.NoError(t, err)
	assert.Equal(t, "0xbe609aee343fb3c4b28e1df9e632fca64fcfaede20f02e86244efddf30957bd2", digest.Hex())

	td.PrimaryType = "Missing"
	_, err = TypedDataDigest(td)
	assert.ErrorIs(t, err, ErrInvalidTypedData)
}

func TestTypedDataDigest_InfersPrimaryTypeThroughArrays(t *testing.T) {
	types := apitypes.Types{
		"Group":  {{Name: "name", Type: "string"}, {Name: "members", Type: "Person[]"}},
		"Person": {{Name: "name", Type: "string"}, {Name: "wallets", Type: "address[2]"}},
	}
	root, err := inferPrimaryType(types)
	require.NoError(t, err)
	assert.Equal(t, "Group", root)

	td := apitypes.TypedData{
		Types:  types,
		Domain: apitypes.TypedDataDomain{Name: "Groups", Version: "1", ChainId: math.NewHexOrDecimal256(1)},
		Message: apitypes.TypedDataMessage{
			"name": "core",
			"members": []any{
				map[string]any{"name": "Cow", "wallets": []any{
					"0xCD2a3d9F938E13CD947Ec05AbC7FE734Df8DD826",
					"0xDeaDbeefdEAdbeefdEadbEEFdeadbeEFdEaDbeeF",
				}},
			},
		},
	}
	inferred, err := TypedDataDigest(td)
	require.NoError(t, err)

	td.PrimaryType = "Group"
	explicit, err := TypedDataDigest(td)
	require.NoError(t, err)
	assert.Equal(t, explicit, inferred)
}

func TestSignTypedData_Recover(t *testing.T) {
	key, err := crypto.HexToECDSA(cowKey)
	require.NoError(t, err)

	td := loadMail(t)
	sig, err := SignTypedData(key, td)
	require.NoError(t, err)

	signer, err := RecoverTypedData(td, sig)
	require.NoError(t, err)
	assert.Equal(t, cowAddress, signer)
}

func TestSignTx(t *testing.T) {
	key, err := crypto.HexToECDSA(cowKey)
	require.NoError(t, err)

	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	tx := types.NewTx(&types.LegacyTx{Nonce: 3, To: &to, Value: big.NewInt(1), Gas: 21000, GasPrice: big.NewInt(1e9)})
	chainID := big.NewInt(97)

	signed, err := SignTx(key, tx, chainID)
	require.NoError(t, err)

	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, cowAddress, from)
	assert.Equal(t, chainID, signed.ChainId())
}
