package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-adhiraj/be-better/pkg/broker"
	"github.com/dev-adhiraj/be-better/pkg/storage"
	"github.com/dev-adhiraj/be-better/pkg/storage/sqlite"
)

// fakeBroker answers from a per-method table and records who asked.
type fakeBroker struct {
	mu        sync.Mutex
	chain     string
	results   map[string]json.RawMessage
	block     map[string]chan struct{}
	origins   []string
	methods   []string
	decisions []broker.Decision
	decideErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		chain:   "0x61",
		results: make(map[string]json.RawMessage),
		block:   make(map[string]chan struct{}),
	}
}

func (f *fakeBroker) Submit(ctx context.Context, origin string, req broker.Request) broker.Response {
	f.mu.Lock()
	f.origins = append(f.origins, origin)
	f.methods = append(f.methods, req.Method)
	result, ok := f.results[req.Method]
	gate := f.block[req.Method]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return broker.Response{ID: req.ID, Error: broker.ErrUnavailable}
		}
	}
	if !ok {
		return broker.Response{ID: req.ID, Error: broker.ErrUnsupportedMethod}
	}
	return broker.Response{ID: req.ID, Result: result}
}

func (f *fakeBroker) Decide(ctx context.Context, d broker.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, d)
	return f.decideErr
}

func (f *fakeBroker) ActiveChain(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chain, nil
}

func (f *fakeBroker) set(method, result string) {
	f.mu.Lock()
	f.results[method] = json.RawMessage(result)
	f.mu.Unlock()
}

func (f *fakeBroker) seen() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.origins...), append([]string{}, f.methods...)
}

func newTestServer(t *testing.T, fb Broker, mutate func(*Options)) (*Server, *httptest.Server) {
	t.Helper()
	opts := Options{
		Broker:    fb,
		Info:      ProviderInfo{UUID: "8d9f2c0e-2b7f-4b98-9b8f-7b6a5f2f3a11", Name: "Apollo Wallet", RDNS: "io.zeusx.apollowallet"},
		Gatherer:  prometheus.NewRegistry(),
		RateLimit: 1000,
		RateBurst: 1000,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := NewServer(opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Hub().Close()
		ts.Close()
	})
	return s, ts
}

func postRPC(t *testing.T, url string, header map[string]string, body string) (int, broker.Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/rpc", strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var resp broker.Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
	return res.StatusCode, resp
}

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://App.Example.com/path?q=1", "https://app.example.com", true},
		{"https://app.example.com:443", "https://app.example.com", true},
		{"http://localhost:3000/index.html", "http://localhost:3000", true},
		{"http://127.0.0.1:80", "http://127.0.0.1", true},
		{"file:///home/me/dapp.html", "file://", true},
		{"null", "", false},
		{"", "", false},
		{"not a url", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizeOrigin(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRPC_OriginComesFromTransport(t *testing.T) {
	fb := newFakeBroker()
	fb.set("eth_accounts", `[]`)
	_, ts := newTestServer(t, fb, nil)

	body := `{"id":"1","method":"eth_accounts","params":[],"origin":"https://evil.example"}`

	status, resp := postRPC(t, ts.URL, map[string]string{"Origin": "https://dapp.example"}, body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1", resp.ID)
	assert.Nil(t, resp.Error)

	_, _ = postRPC(t, ts.URL, map[string]string{"Referer": "https://ref.example:8443/page"}, body)
	_, _ = postRPC(t, ts.URL, map[string]string{OriginHeader: "http://localhost:5173"}, body)

	origins, _ := fb.seen()
	assert.Equal(t, []string{"https://dapp.example", "https://ref.example:8443", "http://localhost:5173"}, origins)
}

func TestRPC_MissingOrigin(t *testing.T) {
	fb := newFakeBroker()
	_, ts := newTestServer(t, fb, nil)

	status, resp := postRPC(t, ts.URL, nil, `{"id":"1","method":"eth_accounts","origin":"https://hint.example"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)

	origins, _ := fb.seen()
	assert.Empty(t, origins)
}

func TestRPC_InvalidEnvelope(t *testing.T) {
	fb := newFakeBroker()
	_, ts := newTestServer(t, fb, nil)
	hdr := map[string]string{"Origin": "https://dapp.example"}

	for _, body := range []string{
		`{not json`,
		`{"id":"1"}`,
		`{"id":"1","method":"personal_sign","params":["0xdeadbeef"]}`,
		`{"id":"1","method":"eth_getBalance","params":{"address":"0x1"}}`,
	} {
		_, resp := postRPC(t, ts.URL, hdr, body)
		require.NotNil(t, resp.Error, body)
		assert.Equal(t, -32602, resp.Error.Code, body)
	}

	_, methods := fb.seen()
	assert.Empty(t, methods)
}

func TestRPC_RateLimitedPerOrigin(t *testing.T) {
	fb := newFakeBroker()
	fb.set("eth_blockNumber", `"0x10"`)
	_, ts := newTestServer(t, fb, func(o *Options) {
		o.RateLimit = 0.001
		o.RateBurst = 1
	})
	body := `{"id":"1","method":"eth_blockNumber","params":[]}`

	status, resp := postRPC(t, ts.URL, map[string]string{"Origin": "https://a.example"}, body)
	assert.Equal(t, http.StatusOK, status)
	assert.Nil(t, resp.Error)

	status, resp = postRPC(t, ts.URL, map[string]string{"Origin": "https://a.example"}, body)
	assert.Equal(t, http.StatusTooManyRequests, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32005, resp.Error.Code)

	// another origin has its own bucket
	status, _ = postRPC(t, ts.URL, map[string]string{"Origin": "https://b.example"}, body)
	assert.Equal(t, http.StatusOK, status)
}

func TestRPC_BrokerUnavailable(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	_, resp := postRPC(t, ts.URL, map[string]string{"Origin": "https://dapp.example"}, `{"id":"9","method":"eth_accounts"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "9", resp.ID)
	assert.Equal(t, "communication unavailable", resp.Error.Message)

	res, err := http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestCORS_Preflight(t *testing.T) {
	_, ts := newTestServer(t, newFakeBroker(), nil)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/rpc", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dapp.example")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, "https://dapp.example", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", res.Header.Get("Access-Control-Allow-Private-Network"))
}

func TestProviderInfoEndpoint(t *testing.T) {
	_, ts := newTestServer(t, newFakeBroker(), nil)

	res, err := http.Get(ts.URL + "/provider")
	require.NoError(t, err)
	defer res.Body.Close()

	var info ProviderInfo
	require.NoError(t, json.NewDecoder(res.Body).Decode(&info))
	assert.Equal(t, "8d9f2c0e-2b7f-4b98-9b8f-7b6a5f2f3a11", info.UUID)
	assert.Equal(t, "io.zeusx.apollowallet", info.RDNS)
}

func openMirror(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "apollo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestApprovalAPI(t *testing.T) {
	fb := newFakeBroker()
	mirror := openMirror(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, mirror.PutPending(context.Background(), storage.PendingRecord{
		ID:        "req-1",
		Kind:      "connect",
		Origin:    "https://dapp.example",
		Method:    "eth_requestAccounts",
		Payload:   json.RawMessage(`{"origin":"https://dapp.example"}`),
		CreatedAt: now,
		ExpiresAt: now.Add(2 * time.Minute),
	}))
	_, ts := newTestServer(t, fb, func(o *Options) {
		o.Mirror = mirror
		o.Token = "s3cret"
	})

	get := func(path, token string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return res
	}

	res := get("/pending", "")
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = get("/pending", "s3cret")
	var recs []storage.PendingRecord
	require.NoError(t, json.NewDecoder(res.Body).Decode(&recs))
	res.Body.Close()
	require.Len(t, recs, 1)
	assert.Equal(t, "req-1", recs[0].ID)

	res = get("/pending/req-1", "s3cret")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()

	res = get("/pending/nope", "s3cret")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()

	decide := func(body string) (int, map[string]any) {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/decision", bytes.NewBufferString(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer s3cret")
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer res.Body.Close()
		var out map[string]any
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
		return res.StatusCode, out
	}

	status, _ := decide(`{"id":"req-1","approved":true,"gasTier":"high"}`)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, fb.decisions, 1)
	assert.Equal(t, broker.Decision{ID: "req-1", Approved: true, GasTier: "high"}, fb.decisions[0])

	fb.mu.Lock()
	fb.decideErr = broker.ErrUnknownRequest
	fb.mu.Unlock()
	status, out := decide(`{"id":"req-1","approved":true}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "unknown or already resolved", out["error"])

	fb.mu.Lock()
	fb.decideErr = broker.ErrInvalidParams.With("unknown gas tier")
	fb.mu.Unlock()
	status, _ = decide(`{"id":"req-2","approved":true,"gasTier":"turbo"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = decide(`{"approved":true}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestApprovalAPI_RefusesPages(t *testing.T) {
	fb := newFakeBroker()
	_, ts := newTestServer(t, fb, func(o *Options) {
		o.Mirror = openMirror(t)
		o.Token = "s3cret"
	})

	send := func(method, path, body string, header map[string]string) *http.Response {
		req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer s3cret")
		for k, v := range header {
			req.Header.Set(k, v)
		}
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		return res
	}

	pages := []map[string]string{
		{"Origin": "https://evil.example"},
		{"Referer": "https://evil.example/page"},
		{"Sec-Fetch-Site": "cross-site"},
		{OriginHeader: "https://evil.example"},
	}
	for _, hdr := range pages {
		res := send(http.MethodGet, "/pending", "", hdr)
		assert.Equal(t, http.StatusForbidden, res.StatusCode, hdr)
		assert.Empty(t, res.Header.Get("Access-Control-Allow-Origin"), hdr)

		res = send(http.MethodGet, "/pending/req-1", "", hdr)
		assert.Equal(t, http.StatusForbidden, res.StatusCode, hdr)

		res = send(http.MethodPost, "/decision", `{"id":"req-1","approved":true}`, hdr)
		assert.Equal(t, http.StatusForbidden, res.StatusCode, hdr)
		assert.Empty(t, res.Header.Get("Access-Control-Allow-Origin"), hdr)
	}

	res := send(http.MethodOptions, "/decision", "", map[string]string{"Origin": "https://evil.example"})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Empty(t, res.Header.Get("Access-Control-Allow-Origin"))

	assert.Empty(t, fb.decisions)

	res = send(http.MethodGet, "/pending", "", map[string]string{"Sec-Fetch-Site": "none"})
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestApprovalAPI_DisabledWithoutToken(t *testing.T) {
	fb := newFakeBroker()
	_, ts := newTestServer(t, fb, func(o *Options) { o.Mirror = openMirror(t) })

	res, err := http.Get(ts.URL + "/pending")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, err = http.Post(ts.URL+"/decision", "application/json", strings.NewReader(`{"id":"req-1","approved":true}`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Empty(t, fb.decisions)
}

func TestApprovalAPI_DuplicateDecisionIsAcknowledged(t *testing.T) {
	fb := newFakeBroker()
	fb.decideErr = broker.ErrAlreadyResolved
	_, ts := newTestServer(t, fb, func(o *Options) {
		o.Mirror = openMirror(t)
		o.Token = "s3cret"
	})

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/decision", strings.NewReader(`{"id":"req-1","approved":true}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	assert.Equal(t, true, out["alreadyResolved"])
}

func dialEvents(t *testing.T, ts *httptest.Server, origin string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	hdr := http.Header{}
	hdr.Set("Origin", origin)
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (Frame, bool) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		return Frame{}, false
	}
	return f, true
}

func TestHub_NotifyOriginIsScoped(t *testing.T) {
	s, ts := newTestServer(t, newFakeBroker(), nil)

	a := dialEvents(t, ts, "https://a.example")
	b := dialEvents(t, ts, "https://b.example")
	require.Eventually(t, func() bool { return s.Hub().Pages("") == 2 }, time.Second, 5*time.Millisecond)

	s.Hub().NotifyOrigin("https://a.example", broker.Event{Name: broker.EventAccountsChanged, Data: []string{"0xabc"}})

	f, ok := readFrame(t, a)
	require.True(t, ok)
	assert.Equal(t, FrameEvent, f.Type)
	assert.Equal(t, broker.EventAccountsChanged, f.Event)
	assert.JSONEq(t, `["0xabc"]`, string(f.Data))

	_, ok = readFrame(t, b)
	assert.False(t, ok, "other origins must not see account changes")

	accts, ok := s.Hub().CachedAccounts("https://a.example")
	require.True(t, ok)
	assert.Equal(t, []string{"0xabc"}, accts)
}

func TestHub_BroadcastReachesEveryPage(t *testing.T) {
	s, ts := newTestServer(t, newFakeBroker(), nil)

	a := dialEvents(t, ts, "https://a.example")
	b := dialEvents(t, ts, "https://b.example")
	require.Eventually(t, func() bool { return s.Hub().Pages("") == 2 }, time.Second, 5*time.Millisecond)

	s.Hub().Broadcast(broker.Event{Name: broker.EventChainChanged, Data: "0x1"})

	for _, conn := range []*websocket.Conn{a, b} {
		f, ok := readFrame(t, conn)
		require.True(t, ok)
		assert.Equal(t, broker.EventChainChanged, f.Event)
		assert.JSONEq(t, `"0x1"`, string(f.Data))
	}
}

func TestEvents_RequestsAnsweredOnStream(t *testing.T) {
	fb := newFakeBroker()
	fb.set("eth_requestAccounts", `["0xabc"]`)
	s, ts := newTestServer(t, fb, nil)

	conn := dialEvents(t, ts, "https://dapp.example")
	require.NoError(t, conn.WriteJSON(broker.Request{ID: "r1", Method: "eth_requestAccounts", Origin: "https://spoof.example"}))

	f, ok := readFrame(t, conn)
	require.True(t, ok)
	assert.Equal(t, FrameResponse, f.Type)
	require.NotNil(t, f.Response)
	assert.Equal(t, "r1", f.Response.ID)
	assert.JSONEq(t, `["0xabc"]`, string(f.Response.Result))

	origins, _ := fb.seen()
	assert.Equal(t, []string{"https://dapp.example"}, origins)

	accts, ok := s.Hub().CachedAccounts("https://dapp.example")
	require.True(t, ok)
	assert.Equal(t, []string{"0xabc"}, accts)
}

func TestIconDataURI(t *testing.T) {
	dir := t.TempDir()

	png := filepath.Join(dir, "icon.png")
	require.NoError(t, os.WriteFile(png, append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 16)...), 0o600))
	uri, err := IconDataURI(png)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))

	svg := filepath.Join(dir, "icon.svg")
	require.NoError(t, os.WriteFile(svg, []byte(`<svg xmlns="http://www.w3.org/2000/svg"></svg>`), 0o600))
	uri, err = IconDataURI(svg)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "data:image/svg+xml;base64,"))

	txt := filepath.Join(dir, "icon.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0o600))
	_, err = IconDataURI(txt)
	assert.Error(t, err)
}
