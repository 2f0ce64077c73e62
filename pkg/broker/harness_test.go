package broker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/dev-adhiraj/be-better/pkg/blockchain"
	"github.com/dev-adhiraj/be-better/pkg/blockchain/chaintest"
	"github.com/dev-adhiraj/be-better/pkg/storage"
	"github.com/dev-adhiraj/be-better/pkg/storage/sqlite"
	"github.com/dev-adhiraj/be-better/pkg/wallet"
)

const dapp = "https://dapp.example"

type sentEvent struct {
	Origin string // empty for broadcasts
	Event  Event
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (n *recordingNotifier) NotifyOrigin(origin string, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{Origin: origin, Event: ev})
}

func (n *recordingNotifier) Broadcast(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{Event: ev})
}

func (n *recordingNotifier) named(name string) []sentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentEvent
	for _, e := range n.events {
		if e.Event.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// scriptedSurface hands announced requests to the test, like a human
// watching an approval screen.
type scriptedSurface struct {
	announced chan storage.PendingRecord
	mu        sync.Mutex
	resolved  map[string]string
}

func newScriptedSurface() *scriptedSurface {
	return &scriptedSurface{
		announced: make(chan storage.PendingRecord, 16),
		resolved:  make(map[string]string),
	}
}

func (s *scriptedSurface) Name() string { return "scripted" }

func (s *scriptedSurface) Announce(_ context.Context, rec storage.PendingRecord) error {
	s.announced <- rec
	return nil
}

func (s *scriptedSurface) Resolved(_ context.Context, id, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved[id] = outcome
	return nil
}

func (s *scriptedSurface) outcome(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved[id]
}

type harness struct {
	t        *testing.T
	broker   *Broker
	store    *sqlite.Store
	vault    *wallet.Vault
	chain    *chaintest.Chain
	notifier *recordingNotifier
	surface  *scriptedSurface
	cancel   context.CancelFunc
	stopped  chan struct{}
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "apollo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.PutChain(ctx, storage.Chain{Hex: "0x61", Name: "BNB Smart Chain Testnet", Ticker: "tBNB", RPCURL: "http://bsc-testnet.invalid"}))
	require.NoError(t, store.PutChain(ctx, storage.Chain{Hex: "0x1", Name: "Ethereum", Ticker: "ETH", RPCURL: "http://mainnet.invalid"}))

	chain := chaintest.New(97)
	cfg := DefaultConfig()
	cfg.OnboardingWait = 0
	cfg.ReceiptPollInterval = 5 * time.Millisecond
	cfg.ReceiptPollTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		t:        t,
		store:    store,
		vault:    wallet.NewVault("correct horse battery", true),
		chain:    chain,
		notifier: &recordingNotifier{},
		surface:  newScriptedSurface(),
		stopped:  make(chan struct{}),
	}
	abis, err := blockchain.NewABIManager("")
	require.NoError(t, err)

	h.broker = New(Options{
		Config:   cfg,
		Store:    store,
		Vault:    h.vault,
		Chains:   blockchain.NewClient(chain.Dialer()),
		ABIs:     abis,
		Notifier: h.notifier,
	})
	h.broker.AddSurface(h.surface)

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.stopped)
		_ = h.broker.Run(runCtx)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.stopped
}

// addAccount generates and stores a key; offset orders accounts by creation.
func (h *harness) addAccount(offset time.Duration) common.Address {
	h.t.Helper()
	nk, err := h.vault.Generate()
	require.NoError(h.t, err)
	require.NoError(h.t, h.store.PutAccount(context.Background(), storage.Account{
		Address:      nk.Address,
		EncryptedKey: nk.EncryptedKey,
		CreatedAt:    time.Unix(1_700_000_000, 0).Add(offset),
	}))
	return nk.Address
}

func (h *harness) approveOrigin(origin string, acct common.Address) {
	h.t.Helper()
	_, err := h.broker.Registry().Approve(context.Background(), origin, &acct, storage.ApprovalConnect)
	require.NoError(h.t, err)
}

func (h *harness) submit(origin, method string, params any) <-chan Response {
	h.t.Helper()
	req := Request{ID: method, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(h.t, err)
		req.Params = raw
	}
	out := make(chan Response, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		out <- h.broker.Submit(ctx, origin, req)
	}()
	return out
}

func (h *harness) call(origin, method string, params any) Response {
	h.t.Helper()
	return h.await(h.submit(origin, method, params))
}

func (h *harness) await(ch <-chan Response) Response {
	h.t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for response")
		return Response{}
	}
}

func (h *harness) nextPending() storage.PendingRecord {
	h.t.Helper()
	select {
	case rec := <-h.surface.announced:
		return rec
	case <-time.After(5 * time.Second):
		h.t.Fatal("no pending request announced")
		return storage.PendingRecord{}
	}
}

func (h *harness) decide(id string, approved bool, tier string) error {
	return h.broker.Decide(context.Background(), Decision{ID: id, Approved: approved, GasTier: tier})
}

func resultStrings(t *testing.T, r Response) []string {
	t.Helper()
	require.Nil(t, r.Error, "unexpected error: %v", r.Error)
	var out []string
	require.NoError(t, json.Unmarshal(r.Result, &out))
	return out
}

func resultString(t *testing.T, r Response) string {
	t.Helper()
	require.Nil(t, r.Error, "unexpected error: %v", r.Error)
	var out string
	require.NoError(t, json.Unmarshal(r.Result, &out))
	return out
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond)
}
