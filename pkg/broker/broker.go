package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dev-adhiraj/be-better/pkg/approval"
	"github.com/dev-adhiraj/be-better/pkg/blockchain"
	"github.com/dev-adhiraj/be-better/pkg/logger"
	"github.com/dev-adhiraj/be-better/pkg/storage"
	"github.com/dev-adhiraj/be-better/pkg/wallet"
)

const (
	storeTimeout    = 5 * time.Second
	upstreamTimeout = 30 * time.Second

	// resolved ids remembered for duplicate decisions
	resolvedMemory = 1024
)

type Config struct {
	ApprovalTimeout     time.Duration
	OnboardingWait      time.Duration
	OnboardingPoll      time.Duration
	ReceiptPollInterval time.Duration
	ReceiptPollTimeout  time.Duration
	AllowFileOrigins    bool
	QueueSize           int
	DefaultChain        string
}

func DefaultConfig() Config {
	return Config{
		ApprovalTimeout:     2 * time.Minute,
		OnboardingWait:      2 * time.Minute,
		OnboardingPoll:      time.Second,
		ReceiptPollInterval: 4 * time.Second,
		ReceiptPollTimeout:  10 * time.Minute,
		QueueSize:           256,
		DefaultChain:        "0x61",
	}
}

// Chains is the broker's view of the chain clients. *blockchain.Client
// implements it.
type Chains interface {
	Register(chainHex, url string)
	Backend(ctx context.Context, chainHex string) (blockchain.Backend, error)
	Call(ctx context.Context, chainHex, method string, params json.RawMessage) (json.RawMessage, error)
}

// Outcomes reported to approval surfaces when a request leaves the table.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
	OutcomeExpired  = "expired"
)

// Surface is an approval UI. Announce is called once per pending id and
// Resolved once when that id leaves the table.
type Surface interface {
	Name() string
	Announce(ctx context.Context, rec storage.PendingRecord) error
	Resolved(ctx context.Context, id, outcome string) error
}

// Decision is a human verdict on a pending request. GasTier applies to
// transactions only.
type Decision struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
	GasTier  string `json:"gasTier,omitempty"`
}

type Options struct {
	Config     Config
	Store      storage.Store
	Vault      *wallet.Vault
	Chains     Chains
	ABIs       *blockchain.ABIManager
	Notifier   Notifier
	Registerer prometheus.Registerer
}

// Broker mediates provider requests. One goroutine (Run) owns the pending
// table, the active chain pointer and every registry mutation; everything
// else talks to it through the task queue.
type Broker struct {
	cfg      Config
	store    storage.Store
	vault    *wallet.Vault
	chains   Chains
	abis     *blockchain.ABIManager
	registry *approval.Registry
	pending  *approval.PendingTable
	notifier Notifier
	metrics  *Metrics

	surfMu   sync.RWMutex
	surfaces []Surface

	tasks chan func()
	done  chan struct{}

	life     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	runOnce  sync.Once
	doneOnce sync.Once

	// owned by the Run goroutine
	activeChain string
	resolved    lru.BasicLRU[string, string]
}

func New(opts Options) *Broker {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = def.ApprovalTimeout
	}
	if cfg.OnboardingPoll <= 0 {
		cfg.OnboardingPoll = def.OnboardingPoll
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = def.ReceiptPollInterval
	}
	if cfg.ReceiptPollTimeout <= 0 {
		cfg.ReceiptPollTimeout = def.ReceiptPollTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DefaultChain == "" {
		cfg.DefaultChain = def.DefaultChain
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}

	life, stop := context.WithCancel(context.Background())
	return &Broker{
		cfg:         cfg,
		store:       opts.Store,
		vault:       opts.Vault,
		chains:      opts.Chains,
		abis:        opts.ABIs,
		registry:    approval.NewRegistry(opts.Store),
		pending:     approval.NewPendingTable(opts.Store, cfg.ApprovalTimeout),
		resolved:    lru.NewBasicLRU[string, string](resolvedMemory),
		notifier:    notifier,
		metrics:     NewMetrics(opts.Registerer),
		tasks:       make(chan func(), cfg.QueueSize),
		done:        make(chan struct{}),
		life:        life,
		stop:        stop,
		activeChain: cfg.DefaultChain,
	}
}

// AddSurface registers an approval UI.
func (b *Broker) AddSurface(s Surface) {
	b.surfMu.Lock()
	defer b.surfMu.Unlock()
	b.surfaces = append(b.surfaces, s)
	logger.InfoCF("broker", "Approval surface registered", map[string]any{"surface": s.Name()})
}

func (b *Broker) surfaceList() []Surface {
	b.surfMu.RLock()
	defer b.surfMu.RUnlock()
	return append([]Surface(nil), b.surfaces...)
}

// Registry exposes the origin approval registry for read-only tooling.
func (b *Broker) Registry() *approval.Registry { return b.registry }

// Run processes tasks until ctx ends. Pending requests still open at
// shutdown are rejected as unavailable.
func (b *Broker) Run(ctx context.Context) error {
	started := false
	b.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("broker already running")
	}

	b.loadActiveChain()
	logger.InfoCF("broker", "Broker started", map[string]any{
		"chain":            b.activeChain,
		"approval_timeout": b.cfg.ApprovalTimeout.String(),
	})

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return nil
		case task := <-b.tasks:
			task()
		}
	}
}

// Done is closed once the broker stops accepting work.
func (b *Broker) Done() <-chan struct{} { return b.done }

func (b *Broker) shutdown() {
	b.doneOnce.Do(func() { close(b.done) })
	b.stop()

	for _, e := range b.pending.Drain() {
		if pd, ok := e.Data.(*pendingCall); ok {
			b.reject(pd.call, ErrUnavailable)
		}
	}
	b.metrics.pending.Set(0)
	b.wg.Wait()
	logger.InfoC("broker", "Broker stopped")
}

func (b *Broker) loadActiveChain() {
	ctx, cancel := b.opCtx()
	defer cancel()
	hex, err := b.store.ActiveChain(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.WarnCF("broker", "Failed to read active chain", map[string]any{"error": err.Error()})
		}
		return
	}
	b.activeChain = hex
}

func (b *Broker) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(b.life, storeTimeout)
}

// post queues task for the Run goroutine.
func (b *Broker) post(ctx context.Context, task func()) error {
	select {
	case <-b.done:
		return ErrUnavailable
	default:
	}
	select {
	case b.tasks <- task:
		return nil
	case <-b.done:
		return ErrUnavailable
	case <-ctx.Done():
		return ErrUnavailable
	}
}

// continueWith posts an async continuation. It is dropped if the broker has
// stopped; shutdown already answered the caller.
func (b *Broker) continueWith(task func()) {
	if err := b.post(b.life, task); err != nil {
		logger.DebugC("broker", "Continuation dropped after shutdown")
	}
}

// goBackground runs fn off the actor with the broker's lifetime context.
func (b *Broker) goBackground(fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(b.life)
	}()
}

// call is one inbound request and its one-shot reply.
type call struct {
	origin  string
	req     Request
	parsed  Call
	started time.Time
	once    sync.Once
	reply   chan Response
}

// Submit handles a provider request from origin and blocks until it is
// resolved, rejected, ctx ends, or the broker stops. origin must come from
// the transport, never from req.Origin.
func (b *Broker) Submit(ctx context.Context, origin string, req Request) Response {
	b.metrics.transition(req.Method, stateReceived)
	logger.DebugCF("broker", "Request received", map[string]any{
		"id":          req.ID,
		"method":      req.Method,
		"origin":      origin,
		"origin_hint": req.Origin,
	})

	parsed, err := ParseCall(req)
	if err != nil {
		b.metrics.requests.WithLabelValues(req.Method, stateRejected).Inc()
		return Response{ID: req.ID, Error: AsError(err)}
	}

	c := &call{
		origin:  origin,
		req:     req,
		parsed:  parsed,
		started: time.Now(),
		reply:   make(chan Response, 1),
	}
	if err := b.post(ctx, func() { b.dispatch(c) }); err != nil {
		return Response{ID: req.ID, Error: ErrUnavailable}
	}

	select {
	case resp := <-c.reply:
		return resp
	case <-b.done:
		select {
		case resp := <-c.reply:
			return resp
		default:
			return Response{ID: req.ID, Error: ErrUnavailable}
		}
	case <-ctx.Done():
		return Response{ID: req.ID, Error: ErrUnavailable.With(ctx.Err().Error())}
	}
}

// Decide applies a decision. A repeat of a recently resolved id returns
// ErrAlreadyResolved and changes nothing. Other unknown ids return
// ErrUnknownRequest.
func (b *Broker) Decide(ctx context.Context, d Decision) error {
	errc := make(chan error, 1)
	if err := b.post(ctx, func() { errc <- b.decide(d) }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-b.done:
		return ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveChain returns the active chain id hex as the broker sees it.
func (b *Broker) ActiveChain(ctx context.Context) (string, error) {
	out := make(chan string, 1)
	if err := b.post(ctx, func() { out <- b.activeChain }); err != nil {
		return "", err
	}
	select {
	case hex := <-out:
		return hex, nil
	case <-b.done:
		return "", ErrUnavailable
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Pending returns the in-memory pending requests in mirror form.
func (b *Broker) Pending(ctx context.Context) ([]storage.PendingRecord, error) {
	out := make(chan []storage.PendingRecord, 1)
	err := b.post(ctx, func() {
		entries := b.pending.List()
		recs := make([]storage.PendingRecord, 0, len(entries))
		for _, e := range entries {
			recs = append(recs, approval.Record(e))
		}
		out <- recs
	})
	if err != nil {
		return nil, err
	}
	select {
	case recs := <-out:
		return recs, nil
	case <-b.done:
		return nil, ErrUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Broker) resolve(c *call, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.reject(c, ErrInvalidParams.Withf("failed to encode result: %v", err))
		return
	}
	c.once.Do(func() {
		c.reply <- Response{ID: c.req.ID, Result: data}
		b.finish(c, stateResolved, nil)
	})
}

func (b *Broker) reject(c *call, err error) {
	e := AsError(err)
	c.once.Do(func() {
		c.reply <- Response{ID: c.req.ID, Error: e}
		b.finish(c, stateRejected, e)
	})
}

func (b *Broker) finish(c *call, state string, e *Error) {
	method := c.parsed.Method()
	b.metrics.transition(method, state)
	b.metrics.requests.WithLabelValues(method, state).Inc()
	b.metrics.duration.WithLabelValues(method).Observe(time.Since(c.started).Seconds())

	fields := map[string]any{
		"id":     c.req.ID,
		"method": method,
		"origin": c.origin,
		"state":  state,
	}
	if e != nil {
		fields["code"] = e.Code
		fields["error"] = e.Message
		logger.InfoCF("broker", "Request rejected", fields)
		return
	}
	logger.DebugCF("broker", "Request resolved", fields)
}

// pendingCall is the continuation stored with a pending entry.
type pendingCall struct {
	call    *call
	approve func(d Decision)
	// rejected and expired carry the kind-specific messages
	rejected *Error
	expired  *Error
}

func (b *Broker) enqueue(c *call, kind approval.Kind, payload any, approve func(d Decision)) string {
	pc := &pendingCall{
		call:     c,
		approve:  approve,
		rejected: rejectionFor(kind),
		expired:  timeoutFor(kind),
	}
	e := &approval.Entry{
		Kind:    kind,
		Origin:  c.origin,
		Method:  c.req.Method,
		Payload: payload,
		Data:    pc,
	}
	id := b.pending.Insert(e, b.expire)
	b.metrics.pending.Set(float64(b.pending.Len()))
	b.metrics.transition(c.parsed.Method(), stateAwaitingApproval)

	rec := approval.Record(e)
	for _, s := range b.surfaceList() {
		s := s
		b.goBackground(func(ctx context.Context) {
			if err := s.Announce(ctx, rec); err != nil {
				logger.WarnCF("broker", "Approval surface announce failed", map[string]any{
					"surface": s.Name(),
					"id":      rec.ID,
					"error":   err.Error(),
				})
			}
		})
	}
	return id
}

func rejectionFor(kind approval.Kind) *Error {
	switch kind {
	case approval.KindTransaction:
		return ErrUserRejected.With("User rejected transaction")
	case approval.KindSign:
		return ErrUserRejected.With("User rejected signing request")
	default:
		return ErrUserRejected
	}
}

func timeoutFor(kind approval.Kind) *Error {
	switch kind {
	case approval.KindTransaction:
		return ErrApprovalTimeout.With("Transaction approval timed out")
	case approval.KindSign:
		return ErrApprovalTimeout.With("Signing approval timed out")
	default:
		return ErrApprovalTimeout.With("Connection approval timed out")
	}
}

// expire runs on a timer goroutine.
func (b *Broker) expire(id string) {
	b.continueWith(func() {
		e, ok := b.pending.Take(id)
		if !ok {
			return
		}
		b.metrics.pending.Set(float64(b.pending.Len()))
		b.metrics.decisions.WithLabelValues(string(e.Kind), OutcomeExpired).Inc()
		logger.InfoCF("broker", "Pending request expired", map[string]any{
			"id":     id,
			"kind":   string(e.Kind),
			"origin": e.Origin,
		})
		b.withdraw(id, OutcomeExpired)
		pc := e.Data.(*pendingCall)
		b.reject(pc.call, pc.expired)
	})
}

func (b *Broker) decide(d Decision) error {
	tier, err := blockchain.ParseGasTier(d.GasTier)
	if err != nil {
		return ErrInvalidParams.With(err.Error())
	}
	d.GasTier = string(tier)

	e, ok := b.pending.Take(d.ID)
	if !ok {
		if b.resolved.Contains(d.ID) {
			return ErrAlreadyResolved
		}
		return ErrUnknownRequest
	}
	b.metrics.pending.Set(float64(b.pending.Len()))
	pc := e.Data.(*pendingCall)

	outcome := OutcomeRejected
	if d.Approved {
		outcome = OutcomeApproved
	}
	b.metrics.decisions.WithLabelValues(string(e.Kind), outcome).Inc()
	logger.InfoCF("broker", "Decision applied", map[string]any{
		"id":       d.ID,
		"kind":     string(e.Kind),
		"origin":   e.Origin,
		"decision": outcome,
		"gas_tier": d.GasTier,
	})
	b.withdraw(d.ID, outcome)

	if !d.Approved {
		b.reject(pc.call, pc.rejected)
		return nil
	}
	pc.approve(d)
	return nil
}

func (b *Broker) withdraw(id, outcome string) {
	b.resolved.Add(id, outcome)
	for _, s := range b.surfaceList() {
		s := s
		b.goBackground(func(ctx context.Context) {
			if err := s.Resolved(ctx, id, outcome); err != nil {
				logger.WarnCF("broker", "Approval surface update failed", map[string]any{
					"surface": s.Name(),
					"id":      id,
					"error":   err.Error(),
				})
			}
		})
	}
}
