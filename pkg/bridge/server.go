package bridge

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/dev-adhiraj/be-better/pkg/broker"
	"github.com/dev-adhiraj/be-better/pkg/logger"
	"github.com/dev-adhiraj/be-better/pkg/storage"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
	serviceName     = "apollo-relay"
)

// Broker is the relay's view of the request broker. *broker.Broker
// implements it.
type Broker interface {
	Submit(ctx context.Context, origin string, req broker.Request) broker.Response
	Decide(ctx context.Context, d broker.Decision) error
	ActiveChain(ctx context.Context) (string, error)
}

type Options struct {
	Broker Broker
	// Mirror backs the approval API. It is the durable pending copy, so a
	// surface can render requests after a restart of its own.
	Mirror    storage.PendingMirror
	Hub       *Hub
	Info      ProviderInfo
	Token     string
	RateLimit float64
	RateBurst int
	Gatherer  prometheus.Gatherer
}

// Server is the relay between pages and the broker.
type Server struct {
	opts     Options
	hub      *Hub
	upgrader websocket.Upgrader

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	httpServer *http.Server
}

func NewServer(opts Options) *Server {
	hub := opts.Hub
	if hub == nil {
		hub = NewHub()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		opts: opts,
		hub:  hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the origin is checked per request, any page may subscribe to
			// its own events
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the relay's routes wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"service": serviceName,
		})
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.activeChain(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unavailable",
				"service": serviceName,
				"error":   err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ready",
			"service": serviceName,
		})
	})

	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/state", s.handleState)

	mux.HandleFunc("/provider", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, s.opts.Info)
	})

	mux.HandleFunc("/pending", s.authorized(s.handlePendingList))
	mux.HandleFunc("/pending/", s.authorized(s.handlePendingGet))
	mux.HandleFunc("/decision", s.authorized(s.handleDecision))

	mux.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	return corsMiddleware(mux)
}

// Serve listens on addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.InfoCF("gateway", "Relay listening", map[string]any{"addr": ln.Addr().String()})
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.Close()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCF("gateway", "Relay shutdown error", map[string]any{"error": err.Error()})
		return err
	}
	logger.InfoC("gateway", "Relay stopped")
	return <-errc
}

// corsMiddleware echoes the caller's origin so pages on any host can reach
// the local relay, including from public sites to a private address. The
// approval API never gets CORS headers.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isApprovalPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+OriginHeader)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Private-Network", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnCF("gateway", "Failed to write response", map[string]any{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) limiter(origin string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	lim, ok := s.limiters[origin]
	if !ok {
		limit := rate.Inf
		if s.opts.RateLimit > 0 {
			limit = rate.Limit(s.opts.RateLimit)
		}
		burst := s.opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(limit, burst)
		s.limiters[origin] = lim
	}
	return lim
}

func (s *Server) activeChain(ctx context.Context) (string, error) {
	if s.opts.Broker == nil {
		return "", broker.ErrUnavailable
	}
	return s.opts.Broker.ActiveChain(ctx)
}

// decodeRequest validates the envelope at the boundary. An empty id is
// replaced so the response can still correlate.
func decodeRequest(body io.Reader) (broker.Request, *broker.Error) {
	var req broker.Request
	if err := json.NewDecoder(io.LimitReader(body, maxBodyBytes)).Decode(&req); err != nil {
		return req, broker.ErrInvalidParams.With("malformed request envelope")
	}
	if strings.TrimSpace(req.Method) == "" {
		return req, broker.ErrInvalidParams.With("method is required")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if _, err := broker.ParseCall(req); err != nil {
		return req, broker.AsError(err)
	}
	return req, nil
}

// submit hands req to the broker and keeps the accounts cache current.
func (s *Server) submit(ctx context.Context, origin string, req broker.Request) broker.Response {
	if s.opts.Broker == nil {
		return broker.Response{ID: req.ID, Error: broker.ErrUnavailable}
	}
	resp := s.opts.Broker.Submit(ctx, origin, req)
	if resp.Error == nil && (req.Method == "eth_accounts" || req.Method == "eth_requestAccounts") {
		var accts []string
		if err := json.Unmarshal(resp.Result, &accts); err == nil {
			s.hub.rememberAccounts(origin, accts)
		}
	}
	return resp
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	origin, ok := requestOrigin(r)
	if !ok {
		logger.WarnC("gateway", "Request without a usable origin")
		writeJSON(w, http.StatusBadRequest, broker.Response{Error: broker.ErrInvalidParams.With("missing origin")})
		return
	}

	if !s.limiter(origin).Allow() {
		logger.WarnCF("gateway", "Origin rate limited", map[string]any{"origin": origin})
		writeJSON(w, http.StatusTooManyRequests, broker.Response{Error: broker.ErrRateLimited})
		return
	}

	req, perr := decodeRequest(r.Body)
	if perr != nil {
		logger.WarnCF("gateway", "Invalid request envelope", map[string]any{
			"origin": origin,
			"method": req.Method,
			"error":  perr.Message,
		})
		writeJSON(w, http.StatusOK, broker.Response{ID: req.ID, Error: perr})
		return
	}

	writeJSON(w, http.StatusOK, s.submit(r.Context(), origin, req))
}

// handleEvents upgrades a page to the event stream. Requests sent over the
// stream are answered on it as response frames.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	origin, ok := requestOrigin(r)
	if !ok {
		http.Error(w, "missing origin", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("gateway", "WebSocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	p := &page{
		origin: origin,
		conn:   conn,
		out:    make(chan Frame, pageQueue),
		closed: make(chan struct{}),
	}
	s.hub.add(p)
	go p.writeLoop()
	s.readLoop(p)
}

func (s *Server) readLoop(p *page) {
	defer s.hub.remove(p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.conn.SetReadLimit(maxBodyBytes)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		req, perr := decodeRequest(bytes.NewReader(data))
		if perr != nil {
			p.send(Frame{Type: FrameResponse, Response: &broker.Response{ID: req.ID, Error: perr}})
			continue
		}
		if !s.limiter(p.origin).Allow() {
			p.send(Frame{Type: FrameResponse, Response: &broker.Response{ID: req.ID, Error: broker.ErrRateLimited}})
			continue
		}
		go func() {
			resp := s.submit(ctx, p.origin, req)
			p.send(Frame{Type: FrameResponse, Response: &resp})
		}()
	}
}

// State is the startup snapshot a provider primes its cache with.
type State struct {
	ChainID   string   `json:"chainId"`
	Accounts  []string `json:"accounts"`
	Connected bool     `json:"connected"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	origin, ok := requestOrigin(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing origin")
		return
	}
	chain, err := s.activeChain(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, broker.ErrUnavailable.Message)
		return
	}

	st := State{ChainID: chain, Accounts: []string{}}
	if accts, ok := s.hub.CachedAccounts(origin); ok {
		st.Accounts = accts
	} else {
		resp := s.submit(r.Context(), origin, broker.Request{ID: uuid.NewString(), Method: "eth_accounts"})
		if resp.Error == nil {
			_ = json.Unmarshal(resp.Result, &st.Accounts)
		}
	}
	st.Connected = len(st.Accounts) > 0
	writeJSON(w, http.StatusOK, st)
}

// authorized guards the approval API. Requests sent by a browser page are
// refused whatever they carry, and everything else needs the bearer token.
// Without a configured token the API is off.
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fromPage(r) {
			logger.WarnCF("gateway", "Page refused on approval API", map[string]any{
				"path":   r.URL.Path,
				"origin": r.Header.Get("Origin"),
			})
			writeError(w, http.StatusForbidden, "approval API is not available to pages")
			return
		}
		if s.opts.Token == "" {
			writeError(w, http.StatusForbidden, "approval API is disabled without a gateway token")
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// fromPage reports whether r was sent by, or on behalf of, a web page.
func fromPage(r *http.Request) bool {
	if r.Header.Get("Origin") != "" || r.Header.Get("Referer") != "" || r.Header.Get(OriginHeader) != "" {
		return true
	}
	site := r.Header.Get("Sec-Fetch-Site")
	return site != "" && site != "none"
}

func isApprovalPath(path string) bool {
	return path == "/pending" || strings.HasPrefix(path, "/pending/") || path == "/decision"
}

func (s *Server) handlePendingList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Mirror == nil {
		writeJSON(w, http.StatusOK, []storage.PendingRecord{})
		return
	}
	recs, err := s.opts.Mirror.ListPending(r.Context())
	if err != nil {
		logger.ErrorCF("gateway", "Failed to list pending requests", map[string]any{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "failed to list pending requests")
		return
	}
	if recs == nil {
		recs = []storage.PendingRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handlePendingGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/pending/")
	if id == "" || s.opts.Mirror == nil {
		writeError(w, http.StatusNotFound, broker.ErrUnknownRequest.Error())
		return
	}
	rec, err := s.opts.Mirror.GetPending(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, broker.ErrUnknownRequest.Error())
		return
	}
	if err != nil {
		logger.ErrorCF("gateway", "Failed to read pending request", map[string]any{
			"id":    id,
			"error": err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "failed to read pending request")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var d broker.Decision
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&d); err != nil || d.ID == "" {
		writeError(w, http.StatusBadRequest, "decision requires an id")
		return
	}
	if s.opts.Broker == nil {
		writeError(w, http.StatusServiceUnavailable, broker.ErrUnavailable.Message)
		return
	}

	err := s.opts.Broker.Decide(r.Context(), d)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"id": d.ID, "approved": d.Approved})
	case errors.Is(err, broker.ErrAlreadyResolved):
		writeJSON(w, http.StatusOK, map[string]any{"id": d.ID, "alreadyResolved": true})
	case errors.Is(err, broker.ErrUnknownRequest):
		writeError(w, http.StatusNotFound, broker.ErrUnknownRequest.Error())
	case errors.Is(err, broker.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, broker.AsError(err).Message)
	case errors.Is(err, broker.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, broker.ErrUnavailable.Message)
	default:
		logger.ErrorCF("gateway", "Decision failed", map[string]any{
			"id":    d.ID,
			"error": err.Error(),
		})
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
