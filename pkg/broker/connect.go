package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dev-adhiraj/be-better/pkg/approval"
	"github.com/dev-adhiraj/be-better/pkg/logger"
	"github.com/dev-adhiraj/be-better/pkg/storage"
)

var errNoWallet = ErrAccountNotFound.With("No wallet found. Please create a wallet first.")

type connectPayload struct {
	Origin   string   `json:"origin"`
	Accounts []string `json:"accounts"`
	Selected string   `json:"selected"`
}

func (b *Broker) heldAccounts(ctx context.Context) ([]common.Address, error) {
	accounts, err := b.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]common.Address, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.Address)
	}
	return out, nil
}

func holds(held []common.Address, a common.Address) bool {
	for _, h := range held {
		if h == a {
			return true
		}
	}
	return false
}

// preferred is the last-used account when still held, else the first.
func (b *Broker) preferred(ctx context.Context, held []common.Address) common.Address {
	last, err := b.store.LastUsedAccount(ctx)
	if err == nil && holds(held, last) {
		return last
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.WarnCF("broker", "Failed to read last used account", map[string]any{"error": err.Error()})
	}
	return held[0]
}

// accountForOrigin picks bound, then last-used, then first held account.
func (b *Broker) accountForOrigin(ctx context.Context, origin string, held []common.Address) (common.Address, bool, error) {
	if len(held) == 0 {
		return common.Address{}, false, nil
	}
	bound, err := b.registry.BoundAccount(ctx, origin)
	if err != nil {
		return common.Address{}, false, err
	}
	if bound != nil && holds(held, *bound) {
		return *bound, true, nil
	}
	return b.preferred(ctx, held), true, nil
}

func (b *Broker) accounts(c *call) {
	ctx, cancel := b.opCtx()
	defer cancel()

	b.autoResolved(c)
	approved, err := b.registry.IsApproved(ctx, c.origin)
	if err != nil {
		b.reject(c, err)
		return
	}
	if !approved {
		b.resolve(c, []string{})
		return
	}
	held, err := b.heldAccounts(ctx)
	if err != nil {
		b.reject(c, err)
		return
	}
	acct, ok, err := b.accountForOrigin(ctx, c.origin, held)
	if err != nil {
		b.reject(c, err)
		return
	}
	if !ok {
		b.resolve(c, []string{})
		return
	}
	b.resolve(c, []string{acct.Hex()})
}

func isFileOrigin(origin string) bool {
	return strings.HasPrefix(strings.ToLower(origin), "file:")
}

// connect ensures c.origin is approved and calls then with the account the
// origin sees. It may enqueue an approval or wait for onboarding first.
func (b *Broker) connect(c *call, then func(account string)) {
	ctx, cancel := b.opCtx()
	defer cancel()

	approved, err := b.registry.IsApproved(ctx, c.origin)
	if err != nil {
		b.reject(c, err)
		return
	}
	held, err := b.heldAccounts(ctx)
	if err != nil {
		b.reject(c, err)
		return
	}

	if len(held) == 0 {
		b.awaitOnboarding(c, then)
		return
	}

	if approved {
		acct, _, err := b.accountForOrigin(ctx, c.origin, held)
		if err != nil {
			b.reject(c, err)
			return
		}
		b.autoResolved(c)
		then(acct.Hex())
		return
	}

	if b.cfg.AllowFileOrigins && isFileOrigin(c.origin) {
		acct := b.preferred(ctx, held)
		if err := b.bind(ctx, c.origin, acct); err != nil {
			b.reject(c, err)
			return
		}
		b.autoResolved(c)
		then(acct.Hex())
		return
	}

	payload := connectPayload{
		Origin:   c.origin,
		Accounts: make([]string, 0, len(held)),
		Selected: b.preferred(ctx, held).Hex(),
	}
	for _, h := range held {
		payload.Accounts = append(payload.Accounts, h.Hex())
	}
	b.enqueue(c, approval.KindConnect, payload, func(Decision) {
		b.approveConnect(c, then)
	})
}

func (b *Broker) approveConnect(c *call, then func(account string)) {
	ctx, cancel := b.opCtx()
	defer cancel()

	held, err := b.heldAccounts(ctx)
	if err != nil {
		b.reject(c, err)
		return
	}
	if len(held) == 0 {
		b.reject(c, errNoWallet)
		return
	}
	acct := b.preferred(ctx, held)
	if err := b.bind(ctx, c.origin, acct); err != nil {
		b.reject(c, err)
		return
	}
	then(acct.Hex())
}

// bind approves origin for acct, makes acct the last used account and tells
// only that origin's pages.
func (b *Broker) bind(ctx context.Context, origin string, acct common.Address) error {
	if _, err := b.registry.Approve(ctx, origin, &acct, storage.ApprovalConnect); err != nil {
		return err
	}
	if err := b.store.SetLastUsedAccount(ctx, acct); err != nil {
		logger.WarnCF("broker", "Failed to record last used account", map[string]any{"error": err.Error()})
	}
	b.notifier.NotifyOrigin(origin, accountsChanged([]string{acct.Hex()}))
	return nil
}

// awaitOnboarding polls for the first account for up to OnboardingWait and
// then retries the connect flow.
func (b *Broker) awaitOnboarding(c *call, then func(account string)) {
	if b.cfg.OnboardingWait <= 0 {
		b.reject(c, errNoWallet)
		return
	}
	logger.InfoCF("broker", "Waiting for wallet creation", map[string]any{
		"origin": c.origin,
		"wait":   b.cfg.OnboardingWait.String(),
	})

	wait, poll := b.cfg.OnboardingWait, b.cfg.OnboardingPoll
	b.goBackground(func(ctx context.Context) {
		deadline := time.NewTimer(wait)
		defer deadline.Stop()
		ticker := time.NewTicker(poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-deadline.C:
				b.continueWith(func() { b.reject(c, errNoWallet) })
				return
			case <-ticker.C:
			}
			accounts, err := b.store.ListAccounts(ctx)
			if err != nil {
				logger.WarnCF("broker", "Onboarding poll failed", map[string]any{"error": err.Error()})
				continue
			}
			if len(accounts) > 0 {
				b.continueWith(func() { b.connect(c, then) })
				return
			}
		}
	})
}
