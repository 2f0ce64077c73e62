package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-adhiraj/be-better/pkg/broker"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
	data   []string
}

func (l *eventLog) listener(name string) Listener {
	return func(data json.RawMessage) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, name)
		l.data = append(l.data, string(data))
	}
}

func (l *eventLog) snapshot() ([]string, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.events...), append([]string{}, l.data...)
}

func startProvider(t *testing.T, fb *fakeBroker, mutate func(*ProviderOptions)) (*Provider, *Server) {
	t.Helper()
	s, ts := newTestServer(t, fb, nil)
	opts := ProviderOptions{RelayURL: ts.URL, Origin: "https://dapp.example/app"}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := NewProvider(opts)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Close() })
	return p, s
}

func TestProvider_StartPrimesCache(t *testing.T) {
	fb := newFakeBroker()
	fb.chain = "0x1"
	fb.set("eth_accounts", `["0x00000000000000000000000000000000000000aa"]`)

	p, s := startProvider(t, fb, nil)

	assert.Equal(t, "https://dapp.example", p.Origin())
	assert.Equal(t, "0x1", p.ChainID())
	assert.True(t, p.Connected())
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", p.SelectedAddress())
	require.Eventually(t, func() bool { return s.Hub().Pages("https://dapp.example") == 1 }, time.Second, 5*time.Millisecond)
}

func TestProvider_ChainIDIsLocal(t *testing.T) {
	fb := newFakeBroker()
	fb.set("eth_accounts", `[]`)
	p, _ := startProvider(t, fb, nil)

	_, before := fb.seen()
	res, err := p.Request(context.Background(), "eth_chainId", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"0x61"`, string(res))

	_, after := fb.seen()
	assert.Equal(t, before, after)
}

func TestProvider_RequestAccountsPersistsFlag(t *testing.T) {
	fb := newFakeBroker()
	fb.set("eth_accounts", `[]`)
	fb.set("eth_requestAccounts", `["0x00000000000000000000000000000000000000aa"]`)

	path := filepath.Join(t.TempDir(), "flags.json")
	flags, err := NewFileFlags(path)
	require.NoError(t, err)

	p, _ := startProvider(t, fb, func(o *ProviderOptions) { o.Flags = flags })
	assert.False(t, p.PreviouslyConnected())

	log := &eventLog{}
	p.On(broker.EventAccountsChanged, log.listener(broker.EventAccountsChanged))

	res, err := p.Request(context.Background(), "eth_requestAccounts", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `["0x00000000000000000000000000000000000000aa"]`, string(res))
	assert.True(t, p.Connected())
	assert.True(t, p.PreviouslyConnected())

	reloaded, err := NewFileFlags(path)
	require.NoError(t, err)
	assert.True(t, reloaded.Connected("https://dapp.example"))

	events, data := log.snapshot()
	assert.Equal(t, []string{broker.EventAccountsChanged}, events)
	assert.JSONEq(t, `["0x00000000000000000000000000000000000000aa"]`, data[0])
	assert.Zero(t, p.Waiters())
}

func TestProvider_ErrorRejects(t *testing.T) {
	fb := newFakeBroker()
	fb.set("eth_accounts", `[]`)
	p, _ := startProvider(t, fb, nil)

	_, err := p.Request(context.Background(), "eth_mine", []any{})
	require.Error(t, err)

	var e *broker.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, 4200, e.Code)
	assert.ErrorIs(t, err, broker.ErrUnsupportedMethod)
	assert.Zero(t, p.Waiters())
}

func TestProvider_SwitchChainIsOptimistic(t *testing.T) {
	fb := newFakeBroker()
	fb.set("eth_accounts", `[]`)
	gate := make(chan struct{})
	fb.block["wallet_switchEthereumChain"] = gate
	fb.set("wallet_switchEthereumChain", `null`)
	p, _ := startProvider(t, fb, nil)

	log := &eventLog{}
	p.On(broker.EventChainChanged, log.listener(broker.EventChainChanged))

	_, err := p.Request(context.Background(), "wallet_switchEthereumChain", []any{map[string]any{"chainId": "0x1"}})
	require.NoError(t, err)

	// the broker has not answered yet
	assert.Equal(t, "0x1", p.ChainID())
	events, data := log.snapshot()
	assert.Equal(t, []string{broker.EventChainChanged}, events)
	assert.JSONEq(t, `"0x1"`, data[0])

	close(gate)
	require.Eventually(t, func() bool {
		_, methods := fb.seen()
		for _, m := range methods {
			if m == "wallet_switchEthereumChain" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestProvider_EventsUpdateCache(t *testing.T) {
	fb := newFakeBroker()
	fb.set("eth_accounts", `[]`)
	p, s := startProvider(t, fb, nil)
	require.Eventually(t, func() bool { return s.Hub().Pages("https://dapp.example") == 1 }, time.Second, 5*time.Millisecond)

	log := &eventLog{}
	id := p.On(broker.EventTransactionConfirmed, log.listener(broker.EventTransactionConfirmed))
	p.On(broker.EventChainChanged, log.listener(broker.EventChainChanged))

	s.Hub().NotifyOrigin("https://dapp.example", broker.Event{Name: broker.EventAccountsChanged, Data: []string{"0xbb"}})
	s.Hub().Broadcast(broker.Event{Name: broker.EventChainChanged, Data: "0x89"})
	s.Hub().NotifyOrigin("https://dapp.example", broker.Event{
		Name: broker.EventTransactionConfirmed,
		Data: broker.TxConfirmation{Hash: "0x01", Status: broker.TxStatusSuccess},
	})

	require.Eventually(t, func() bool {
		events, _ := log.snapshot()
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "0xbb", p.SelectedAddress())
	assert.Equal(t, "0x89", p.ChainID())

	_, data := log.snapshot()
	assert.Contains(t, data, `{"hash":"0x01","status":"success"}`)

	p.RemoveListener(broker.EventTransactionConfirmed, id)
	s.Hub().NotifyOrigin("https://dapp.example", broker.Event{
		Name: broker.EventTransactionConfirmed,
		Data: broker.TxConfirmation{Hash: "0x02", Status: broker.TxStatusFailed},
	})
	time.Sleep(50 * time.Millisecond)
	events, _ := log.snapshot()
	assert.Len(t, events, 2)
}

func TestProvider_DisconnectFallsBackAfterWait(t *testing.T) {
	fb := newFakeBroker()
	fb.set("eth_accounts", `["0x00000000000000000000000000000000000000aa"]`)
	fb.set("wallet_disconnect", `true`)
	gate := make(chan struct{})
	defer close(gate)
	fb.block["wallet_disconnect"] = gate

	p, _ := startProvider(t, fb, func(o *ProviderOptions) { o.DisconnectWait = 50 * time.Millisecond })
	require.True(t, p.Connected())

	log := &eventLog{}
	p.On(broker.EventAccountsChanged, log.listener(broker.EventAccountsChanged))

	start := time.Now()
	res, err := p.Request(context.Background(), "wallet_disconnect", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(res))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	assert.False(t, p.Connected())
	assert.Empty(t, p.SelectedAddress())
	events, data := log.snapshot()
	assert.Equal(t, []string{broker.EventAccountsChanged}, events)
	assert.JSONEq(t, `[]`, data[0])
}

func TestProvider_FallsBackToHTTPWithoutStream(t *testing.T) {
	fb := newFakeBroker()
	fb.set("eth_accounts", `[]`)
	fb.set("eth_blockNumber", `"0x2a"`)
	p, _ := startProvider(t, fb, nil)

	p.wmu.Lock()
	p.conn.Close()
	p.conn = nil
	p.wmu.Unlock()

	res, err := p.Request(context.Background(), "eth_blockNumber", []any{})
	require.NoError(t, err)
	assert.JSONEq(t, `"0x2a"`, string(res))
}

func TestProvider_ClosedRejects(t *testing.T) {
	fb := newFakeBroker()
	fb.set("eth_accounts", `[]`)
	p, _ := startProvider(t, fb, nil)
	require.NoError(t, p.Close())

	_, err := p.Request(context.Background(), "eth_accounts", nil)
	assert.ErrorIs(t, err, ErrProviderClosed)
}

type stubProvider struct{ name string }

func (s stubProvider) Request(context.Context, string, any) (json.RawMessage, error) {
	return json.Marshal(s.name)
}

func TestAnnouncer_EnumeratesEveryProvider(t *testing.T) {
	a := NewAnnouncer()

	var mu sync.Mutex
	var heard []string
	cancel := a.OnAnnounce(func(d ProviderDetail) {
		mu.Lock()
		heard = append(heard, d.Info.Name)
		mu.Unlock()
	})

	require.NoError(t, a.Announce(ProviderDetail{
		Info:     ProviderInfo{UUID: "b", Name: "Other Wallet", RDNS: "com.other"},
		Provider: stubProvider{"other"},
	}))
	require.NoError(t, a.Announce(ProviderDetail{
		Info:     ProviderInfo{UUID: "a", Name: "Apollo Wallet", RDNS: "io.zeusx.apollowallet"},
		Provider: stubProvider{"apollo"},
	}))
	assert.Error(t, a.Announce(ProviderDetail{Info: ProviderInfo{Name: "no uuid"}, Provider: stubProvider{}}))

	all := a.RequestProviders()
	require.Len(t, all, 2)
	assert.Equal(t, "Apollo Wallet", all[0].Info.Name)
	assert.Equal(t, "Other Wallet", all[1].Info.Name)

	mu.Lock()
	assert.Equal(t, []string{"Other Wallet", "Apollo Wallet", "Apollo Wallet", "Other Wallet"}, heard)
	mu.Unlock()

	d, ok := a.Lookup("io.zeusx.apollowallet")
	require.True(t, ok)
	res, err := d.Provider.Request(context.Background(), "eth_chainId", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"apollo"`, string(res))

	cancel()
	require.NoError(t, a.Announce(ProviderDetail{
		Info:     ProviderInfo{UUID: "a", Name: "Apollo Wallet"},
		Provider: stubProvider{"apollo"},
	}))
	mu.Lock()
	assert.Len(t, heard, 4)
	mu.Unlock()
	assert.Len(t, a.RequestProviders(), 2)
}

func TestProvider_SatisfiesEIP1193(t *testing.T) {
	var _ EIP1193 = (*Provider)(nil)
}
