package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-adhiraj/be-better/pkg/broker"
	"github.com/dev-adhiraj/be-better/pkg/storage"
)

func TestApprovalClient(t *testing.T) {
	fb := newFakeBroker()
	mirror := openMirror(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, mirror.PutPending(ctx, storage.PendingRecord{
		ID:        "req-7",
		Kind:      "sign",
		Origin:    "https://dapp.example",
		Method:    "personal_sign",
		Payload:   json.RawMessage(`{"method":"personal_sign","text":"hello"}`),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}))
	_, ts := newTestServer(t, fb, func(o *Options) {
		o.Mirror = mirror
		o.Token = "s3cret"
	})

	client := NewApprovalClient(ts.URL, "s3cret")

	recs, err := client.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "personal_sign", recs[0].Method)

	rec, err := client.GetPending(ctx, "req-7")
	require.NoError(t, err)
	assert.Equal(t, "https://dapp.example", rec.Origin)

	_, err = client.GetPending(ctx, "missing")
	assert.ErrorIs(t, err, broker.ErrUnknownRequest)

	require.NoError(t, client.Decide(ctx, broker.Decision{ID: "req-7", Approved: true}))
	require.Len(t, fb.decisions, 1)
	assert.Equal(t, "req-7", fb.decisions[0].ID)

	fb.mu.Lock()
	fb.decideErr = broker.ErrUnknownRequest
	fb.mu.Unlock()
	err = client.Decide(ctx, broker.Decision{ID: "req-7"})
	assert.ErrorIs(t, err, broker.ErrUnknownRequest)

	fb.mu.Lock()
	fb.decideErr = broker.ErrAlreadyResolved
	fb.mu.Unlock()
	err = client.Decide(ctx, broker.Decision{ID: "req-7", Approved: true})
	assert.ErrorIs(t, err, broker.ErrAlreadyResolved)

	fb.mu.Lock()
	fb.decideErr = broker.ErrInvalidParams.With("unknown gas tier")
	fb.mu.Unlock()
	err = client.Decide(ctx, broker.Decision{ID: "req-7", Approved: true, GasTier: "turbo"})
	assert.ErrorIs(t, err, broker.ErrInvalidParams)
	assert.Contains(t, err.Error(), "unknown gas tier")
}

func TestApprovalClient_Unauthorized(t *testing.T) {
	_, ts := newTestServer(t, newFakeBroker(), func(o *Options) {
		o.Mirror = openMirror(t)
		o.Token = "s3cret"
	})

	_, err := NewApprovalClient(ts.URL, "wrong").ListPending(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "unauthorized")
}
