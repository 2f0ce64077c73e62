package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dev-adhiraj/be-better/pkg/broker"
	"github.com/dev-adhiraj/be-better/pkg/logger"
)

const (
	defaultChainID     = "0x61"
	disconnectFallback = time.Second
)

// ErrProviderClosed is returned for requests after Close.
var ErrProviderClosed = errors.New("provider closed")

// Listener receives an event's data.
type Listener func(data json.RawMessage)

// ListenerID identifies a registration for RemoveListener.
type ListenerID uint64

type ProviderOptions struct {
	// RelayURL is the relay base URL, e.g. http://127.0.0.1:18645.
	RelayURL string
	// Origin is the page origin the provider speaks for.
	Origin string
	Flags  ConnectionFlags
	HTTP   *resty.Client
	// DisconnectWait bounds how long a disconnect waits for the relay
	// before emitting accountsChanged anyway.
	DisconnectWait time.Duration
}

// Provider is an EIP-1193 style client of the relay. Its cached state only
// saves round trips; the broker decides everything.
type Provider struct {
	opts ProviderOptions
	http *resty.Client

	mu        sync.RWMutex
	selected  string
	chainID   string
	connected bool

	lmu       sync.Mutex
	listeners map[string]map[ListenerID]Listener
	nextID    ListenerID

	wmu     sync.Mutex
	conn    *websocket.Conn
	waiters map[string]chan broker.Response

	closeOnce sync.Once
	closed    chan struct{}
}

func NewProvider(opts ProviderOptions) (*Provider, error) {
	if opts.RelayURL == "" {
		return nil, fmt.Errorf("relay url is required")
	}
	origin, ok := NormalizeOrigin(opts.Origin)
	if !ok {
		return nil, fmt.Errorf("invalid origin %q", opts.Origin)
	}
	opts.Origin = origin
	if opts.Flags == nil {
		opts.Flags = &memoryFlags{}
	}
	if opts.DisconnectWait <= 0 {
		opts.DisconnectWait = disconnectFallback
	}
	client := opts.HTTP
	if client == nil {
		client = resty.New().SetTimeout(0)
	}
	client.SetBaseURL(strings.TrimRight(opts.RelayURL, "/")).
		SetHeader(OriginHeader, origin).
		SetHeader("Content-Type", "application/json")

	return &Provider{
		opts:      opts,
		http:      client,
		chainID:   defaultChainID,
		listeners: make(map[string]map[ListenerID]Listener),
		waiters:   make(map[string]chan broker.Response),
		closed:    make(chan struct{}),
	}, nil
}

func (p *Provider) Origin() string { return p.opts.Origin }

// Start primes the cache from the relay and subscribes to the event
// stream. A provider that cannot subscribe still works over HTTP.
func (p *Provider) Start(ctx context.Context) error {
	var st State
	res, err := p.http.R().
		SetContext(ctx).
		SetResult(&st).
		Get("/state")
	if err != nil {
		return fmt.Errorf("failed to reach relay: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("relay state: %s", res.Status())
	}

	p.mu.Lock()
	if st.ChainID != "" {
		p.chainID = st.ChainID
	}
	p.setAccountsLocked(st.Accounts)
	p.mu.Unlock()

	if err := p.subscribe(ctx); err != nil {
		logger.WarnCF("bridge", "Event stream unavailable", map[string]any{
			"origin": p.opts.Origin,
			"error":  err.Error(),
		})
	}
	return nil
}

// SelectedAddress, ChainID and Connected read the cache.
func (p *Provider) SelectedAddress() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.selected
}

func (p *Provider) ChainID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.chainID
}

func (p *Provider) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// PreviouslyConnected reports the persisted flag for this origin.
func (p *Provider) PreviouslyConnected() bool {
	return p.opts.Flags.Connected(p.opts.Origin)
}

func (p *Provider) setAccountsLocked(accts []string) {
	if len(accts) > 0 {
		p.selected = accts[0]
		p.connected = true
		return
	}
	p.selected = ""
	p.connected = false
}

// On registers l for event and returns an id for RemoveListener.
func (p *Provider) On(event string, l Listener) ListenerID {
	p.lmu.Lock()
	defer p.lmu.Unlock()
	p.nextID++
	set, ok := p.listeners[event]
	if !ok {
		set = make(map[ListenerID]Listener)
		p.listeners[event] = set
	}
	set[p.nextID] = l
	return p.nextID
}

func (p *Provider) RemoveListener(event string, id ListenerID) {
	p.lmu.Lock()
	defer p.lmu.Unlock()
	if set, ok := p.listeners[event]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(p.listeners, event)
		}
	}
}

func (p *Provider) emit(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	p.lmu.Lock()
	ls := make([]Listener, 0, len(p.listeners[event]))
	for _, l := range p.listeners[event] {
		ls = append(ls, l)
	}
	p.lmu.Unlock()
	for _, l := range ls {
		l(raw)
	}
}

// Request sends an EIP-1193 request. Errors from the broker come back as
// *broker.Error.
func (p *Provider) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-p.closed:
		return nil, ErrProviderClosed
	default:
	}

	switch method {
	case "eth_chainId":
		return json.Marshal(p.ChainID())
	case "wallet_switchEthereumChain":
		return p.switchChain(ctx, params)
	case "wallet_disconnect", "eth_disconnect":
		return p.disconnect(ctx, method)
	}

	result, err := p.roundTrip(ctx, method, params)
	if err != nil {
		return nil, err
	}

	switch method {
	case "eth_requestAccounts":
		var accts []string
		if err := json.Unmarshal(result, &accts); err == nil {
			p.mu.Lock()
			p.setAccountsLocked(accts)
			p.mu.Unlock()
			if err := p.opts.Flags.SetConnected(p.opts.Origin, len(accts) > 0); err != nil {
				logger.WarnCF("bridge", "Failed to persist connection flag", map[string]any{
					"origin": p.opts.Origin,
					"error":  err.Error(),
				})
			}
			p.emit(broker.EventAccountsChanged, accts)
		}
	case "eth_accounts":
		var accts []string
		if err := json.Unmarshal(result, &accts); err == nil {
			p.mu.Lock()
			p.setAccountsLocked(accts)
			p.mu.Unlock()
		}
	}
	return result, nil
}

func (p *Provider) switchChain(ctx context.Context, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, broker.ErrInvalidParams.With(err.Error())
	}
	call, err := broker.ParseCall(broker.Request{Method: "wallet_switchEthereumChain", Params: raw})
	if err != nil {
		return nil, err
	}
	hex := call.(broker.SwitchChain).ChainHex

	p.mu.Lock()
	changed := p.chainID != hex
	p.chainID = hex
	p.mu.Unlock()
	if changed {
		p.emit(broker.EventChainChanged, hex)
	}

	// the broker is authoritative; the local switch stands either way
	go func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if _, err := p.roundTrip(fctx, "wallet_switchEthereumChain", params); err != nil {
			logger.WarnCF("bridge", "Chain switch not confirmed by broker", map[string]any{
				"chain": hex,
				"error": err.Error(),
			})
		}
	}()
	return json.RawMessage("null"), nil
}

func (p *Provider) disconnect(ctx context.Context, method string) (json.RawMessage, error) {
	if err := p.opts.Flags.SetConnected(p.opts.Origin, false); err != nil {
		logger.WarnCF("bridge", "Failed to clear connection flag", map[string]any{"error": err.Error()})
	}
	p.mu.Lock()
	p.setAccountsLocked(nil)
	p.mu.Unlock()

	type answer struct {
		result json.RawMessage
		err    error
	}
	done := make(chan answer, 1)
	go func() {
		r, err := p.roundTrip(context.WithoutCancel(ctx), method, []any{})
		done <- answer{r, err}
	}()

	result := json.RawMessage("true")
	select {
	case a := <-done:
		if a.err == nil && len(a.result) > 0 {
			result = a.result
		}
	case <-time.After(p.opts.DisconnectWait):
		logger.DebugCF("bridge", "Disconnect not acknowledged in time", map[string]any{"origin": p.opts.Origin})
	case <-ctx.Done():
	}
	p.emit(broker.EventAccountsChanged, []string{})
	return result, nil
}

func (p *Provider) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, broker.ErrInvalidParams.With(err.Error())
	}
	if params == nil {
		raw = json.RawMessage("[]")
	}
	req := broker.Request{
		ID:     uuid.NewString(),
		Method: method,
		Params: raw,
		Origin: p.opts.Origin,
	}

	resp, err := p.exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if len(resp.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Result, nil
}

// exchange prefers the event stream when it is up and falls back to HTTP.
func (p *Provider) exchange(ctx context.Context, req broker.Request) (broker.Response, error) {
	if ch, ok := p.sendStream(req); ok {
		defer p.dropWaiter(req.ID)
		select {
		case resp := <-ch:
			return resp, nil
		case <-p.closed:
			return broker.Response{}, ErrProviderClosed
		case <-ctx.Done():
			return broker.Response{}, broker.ErrUnavailable.With(ctx.Err().Error())
		}
	}

	var resp broker.Response
	res, err := p.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post("/rpc")
	if err != nil {
		return broker.Response{}, broker.ErrUnavailable.With(err.Error())
	}
	if resp.Error == nil && res.IsError() {
		return broker.Response{}, broker.ErrUnavailable.With(res.Status())
	}
	if resp.ID != "" && resp.ID != req.ID {
		return broker.Response{}, broker.ErrUnavailable.With("response id mismatch")
	}
	return resp, nil
}

// sendStream writes req on the event stream and registers a one-shot
// waiter for its response.
func (p *Provider) sendStream(req broker.Request) (chan broker.Response, bool) {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.conn == nil {
		return nil, false
	}
	ch := make(chan broker.Response, 1)
	p.waiters[req.ID] = ch
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteJSON(req); err != nil {
		delete(p.waiters, req.ID)
		p.conn.Close()
		p.conn = nil
		return nil, false
	}
	return ch, true
}

func (p *Provider) dropWaiter(id string) {
	p.wmu.Lock()
	delete(p.waiters, id)
	p.wmu.Unlock()
}

// Waiters reports outstanding one-shot waiters.
func (p *Provider) Waiters() int {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return len(p.waiters)
}

func (p *Provider) subscribe(ctx context.Context) error {
	u, err := url.Parse(p.http.BaseURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"

	header := http.Header{}
	header.Set(OriginHeader, p.opts.Origin)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return err
	}

	p.wmu.Lock()
	p.conn = conn
	p.wmu.Unlock()

	go p.readEvents(conn)
	return nil
}

func (p *Provider) readEvents(conn *websocket.Conn) {
	defer func() {
		p.wmu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		// pending stream requests will not be answered on this connection
		for id, ch := range p.waiters {
			ch <- broker.Response{ID: id, Error: broker.ErrUnavailable}
			delete(p.waiters, id)
		}
		p.wmu.Unlock()
		conn.Close()
	}()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case FrameResponse:
			if f.Response == nil {
				continue
			}
			p.wmu.Lock()
			ch, ok := p.waiters[f.Response.ID]
			delete(p.waiters, f.Response.ID)
			p.wmu.Unlock()
			if ok {
				ch <- *f.Response
			}
		case FrameEvent:
			p.applyEvent(f.Event, f.Data)
		}
	}
}

func (p *Provider) applyEvent(name string, data json.RawMessage) {
	switch name {
	case broker.EventAccountsChanged:
		var accts []string
		if err := json.Unmarshal(data, &accts); err != nil {
			return
		}
		p.mu.Lock()
		p.setAccountsLocked(accts)
		p.mu.Unlock()
	case broker.EventChainChanged:
		var hex string
		if err := json.Unmarshal(data, &hex); err != nil {
			return
		}
		p.mu.Lock()
		same := p.chainID == hex
		p.chainID = hex
		p.mu.Unlock()
		// an optimistic local switch already fired this one
		if same {
			return
		}
	}

	p.lmu.Lock()
	ls := make([]Listener, 0, len(p.listeners[name]))
	for _, l := range p.listeners[name] {
		ls = append(ls, l)
	}
	p.lmu.Unlock()
	for _, l := range ls {
		l(data)
	}
}

// Close drops the event stream. Later requests fail with ErrProviderClosed.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.wmu.Lock()
		if p.conn != nil {
			p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			p.conn.Close()
			p.conn = nil
		}
		p.wmu.Unlock()
	})
	return nil
}
