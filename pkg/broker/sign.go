package broker

import (
	"context"
	"crypto/ecdsa"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/dev-adhiraj/be-better/pkg/approval"
	"github.com/dev-adhiraj/be-better/pkg/wallet"
)

type personalSignPayload struct {
	Method  string `json:"method"`
	Address string `json:"address"`
	Message string `json:"message"`
	// Text is the decoded message when it is printable UTF-8.
	Text string `json:"text,omitempty"`
}

type typedDataPayload struct {
	Method    string             `json:"method"`
	Address   string             `json:"address"`
	TypedData apitypes.TypedData `json:"typedData"`
}

func (b *Broker) personalSign(c *call, ps PersonalSign) {
	payload := personalSignPayload{
		Method:  ps.Method(),
		Address: ps.Address.Hex(),
		Message: ps.Raw,
	}
	if utf8.Valid(ps.Message) {
		payload.Text = string(ps.Message)
	}
	b.requestSignature(c, ps.Address, payload, func(key *ecdsa.PrivateKey) (wallet.Signature, error) {
		return wallet.SignPersonal(key, ps.Message)
	})
}

func (b *Broker) signTypedData(c *call, st SignTypedData) {
	td := st.Data
	td.Types = wallet.StripDomainType(td.Types)
	if _, err := wallet.TypedDataDigest(td); err != nil {
		b.reject(c, ErrInvalidParams.With(err.Error()))
		return
	}
	payload := typedDataPayload{
		Method:    st.Method(),
		Address:   st.Address.Hex(),
		TypedData: td,
	}
	b.requestSignature(c, st.Address, payload, func(key *ecdsa.PrivateKey) (wallet.Signature, error) {
		return wallet.SignTypedData(key, td)
	})
}

// requestSignature checks the origin and signer, then enqueues a sign
// approval whose continuation decrypts the key only for the signing call.
func (b *Broker) requestSignature(c *call, addr common.Address, payload any, sign func(*ecdsa.PrivateKey) (wallet.Signature, error)) {
	ctx, cancel := b.opCtx()
	defer cancel()

	approved, err := b.registry.IsApproved(ctx, c.origin)
	if err != nil {
		b.reject(c, err)
		return
	}
	if !approved {
		b.reject(c, ErrOriginNotConnected)
		return
	}
	held, err := b.heldAccounts(ctx)
	if err != nil {
		b.reject(c, err)
		return
	}
	if !holds(held, addr) {
		b.reject(c, ErrAccountNotFound.Withf("Address %s not found in wallet", addr.Hex()))
		return
	}

	b.enqueue(c, approval.KindSign, payload, func(Decision) {
		b.goBackground(func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, storeTimeout)
			defer cancel()

			blob, err := b.store.GetEncryptedKey(ctx, addr)
			if err != nil {
				b.continueWith(func() { b.reject(c, signingError(err)) })
				return
			}
			key, err := b.vault.DecryptFor(addr, blob)
			if err != nil {
				b.continueWith(func() { b.reject(c, signingError(err)) })
				return
			}
			sig, err := sign(key)
			if err != nil {
				b.continueWith(func() { b.reject(c, ErrInvalidParams.With(err.Error())) })
				return
			}
			b.continueWith(func() { b.resolve(c, sig.Hex()) })
		})
	})
}
