package approval

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-adhiraj/be-better/pkg/storage"
	"github.com/dev-adhiraj/be-better/pkg/storage/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "apollo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegistry_ApproveBindsAndScopes(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(openStore(t))
	r.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	ok, err := r.IsApproved(ctx, "https://a.example")
	require.NoError(t, err)
	assert.False(t, ok)

	acct := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	a, err := r.Approve(ctx, "https://a.example", &acct, storage.ApprovalConnect)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_000), a.Timestamp)

	bound, err := r.BoundAccount(ctx, "https://a.example")
	require.NoError(t, err)
	require.NotNil(t, bound)
	assert.Equal(t, acct, *bound)

	other, err := r.BoundAccount(ctx, "https://b.example")
	require.NoError(t, err)
	assert.Nil(t, other)

	// last write wins
	acct2 := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	_, err = r.Approve(ctx, "https://a.example", &acct2, storage.ApprovalTransaction)
	require.NoError(t, err)
	bound, err = r.BoundAccount(ctx, "https://a.example")
	require.NoError(t, err)
	assert.Equal(t, acct2, *bound)

	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, r.Revoke(ctx, "https://a.example"))
	require.NoError(t, r.Revoke(ctx, "https://never.example"))
	ok, err = r.IsApproved(ctx, "https://a.example")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.Approve(ctx, " ", nil, storage.ApprovalConnect)
	assert.Error(t, err)
}

func TestPendingTable_TakeExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	table := NewPendingTable(store, time.Minute)

	id := table.Insert(&Entry{Kind: KindConnect, Origin: "https://a.example", Method: "eth_requestAccounts", Payload: map[string]any{"origin": "https://a.example"}}, nil)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, table.Len())

	rec, err := store.GetPending(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "connect", rec.Kind)
	assert.JSONEq(t, `{"origin":"https://a.example"}`, string(rec.Payload))
	assert.WithinDuration(t, rec.CreatedAt.Add(time.Minute), rec.ExpiresAt, time.Millisecond)

	e, ok := table.Take(id)
	require.True(t, ok)
	assert.Equal(t, id, e.ID)

	_, ok = table.Take(id)
	assert.False(t, ok)

	_, err = store.GetPending(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPendingTable_IDsAreUnique(t *testing.T) {
	table := NewPendingTable(nil, time.Minute)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := table.Insert(&Entry{Kind: KindSign}, nil)
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, table.List(), 100)
	assert.Len(t, table.Drain(), 100)
	assert.Equal(t, 0, table.Len())
}

func TestPendingTable_ExpiryCallback(t *testing.T) {
	table := NewPendingTable(nil, 10*time.Millisecond)
	fired := make(chan string, 1)
	id := table.Insert(&Entry{Kind: KindTransaction}, func(id string) { fired <- id })

	select {
	case got := <-fired:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("expiry callback did not fire")
	}
}

func TestPendingTable_TakeStopsTimer(t *testing.T) {
	table := NewPendingTable(nil, 20*time.Millisecond)
	var fired atomic.Bool
	id := table.Insert(&Entry{Kind: KindSign}, func(string) { fired.Store(true) })
	_, ok := table.Take(id)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}

type brokenMirror struct{ storage.PendingMirror }

func (brokenMirror) PutPending(context.Context, storage.PendingRecord) error {
	return errors.New("disk full")
}

func (brokenMirror) DeletePending(context.Context, string) error { return errors.New("disk full") }

func TestPendingTable_MirrorFailureDoesNotBlock(t *testing.T) {
	table := NewPendingTable(brokenMirror{}, time.Minute)
	id := table.Insert(&Entry{Kind: KindConnect}, nil)
	_, ok := table.Get(id)
	assert.True(t, ok)
	_, ok = table.Take(id)
	assert.True(t, ok)
}

func TestJanitor_Sweep(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	now := time.Now()

	require.NoError(t, store.PutPending(ctx, storage.PendingRecord{ID: "old", Kind: "connect", Payload: []byte(`{}`), CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, store.PutPending(ctx, storage.PendingRecord{ID: "live", Kind: "sign", Payload: []byte(`{}`), CreatedAt: now, ExpiresAt: now.Add(time.Minute)}))

	j, err := NewJanitor(store, "*/5 * * * *")
	require.NoError(t, err)
	n, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "live", left[0].ID)

	_, err = NewJanitor(store, "not a cron")
	assert.Error(t, err)
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	j, err := NewJanitor(openStore(t), "* * * * *")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
