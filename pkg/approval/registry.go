package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dev-adhiraj/be-better/pkg/logger"
	"github.com/dev-adhiraj/be-better/pkg/storage"
)

// Registry is the durable record of which origins may see accounts and
// which account each one is bound to. One record per origin, last write wins.
type Registry struct {
	store storage.ApprovalStore
	now   func() time.Time
}

func NewRegistry(store storage.ApprovalStore) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Get returns the approval for origin and whether one exists.
func (r *Registry) Get(ctx context.Context, origin string) (storage.OriginApproval, bool, error) {
	a, err := r.store.GetApproval(ctx, origin)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.OriginApproval{}, false, nil
	}
	if err != nil {
		return storage.OriginApproval{}, false, fmt.Errorf("failed to read approval: %w", err)
	}
	return a, true, nil
}

func (r *Registry) IsApproved(ctx context.Context, origin string) (bool, error) {
	_, ok, err := r.Get(ctx, origin)
	return ok, err
}

// BoundAccount returns the account bound to origin, nil when unapproved or
// approved without a binding.
func (r *Registry) BoundAccount(ctx context.Context, origin string) (*common.Address, error) {
	a, ok, err := r.Get(ctx, origin)
	if err != nil || !ok {
		return nil, err
	}
	return a.Account, nil
}

// Approve records origin as approved, replacing any earlier record.
func (r *Registry) Approve(ctx context.Context, origin string, account *common.Address, typ storage.ApprovalType) (storage.OriginApproval, error) {
	if strings.TrimSpace(origin) == "" {
		return storage.OriginApproval{}, errors.New("origin is required")
	}
	a := storage.OriginApproval{
		Origin:    origin,
		Account:   account,
		Timestamp: r.now().UnixMilli(),
		Type:      typ,
	}
	if err := r.store.PutApproval(ctx, a); err != nil {
		return storage.OriginApproval{}, fmt.Errorf("failed to save approval: %w", err)
	}

	fields := map[string]any{"origin": origin, "type": string(typ)}
	if account != nil {
		fields["account"] = account.Hex()
	}
	logger.InfoCF("approval", "Origin approved", fields)
	return a, nil
}

// Revoke removes any approval for origin. Revoking an unknown origin is not
// an error.
func (r *Registry) Revoke(ctx context.Context, origin string) error {
	if err := r.store.DeleteApproval(ctx, origin); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to revoke approval: %w", err)
	}
	logger.InfoCF("approval", "Origin revoked", map[string]any{"origin": origin})
	return nil
}

func (r *Registry) List(ctx context.Context) ([]storage.OriginApproval, error) {
	return r.store.ListApprovals(ctx)
}
