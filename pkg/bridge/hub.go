package bridge

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dev-adhiraj/be-better/pkg/broker"
	"github.com/dev-adhiraj/be-better/pkg/logger"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	pageQueue  = 64
)

// Frame types on the event stream.
const (
	FrameEvent    = "event"
	FrameResponse = "response"
)

// Frame is one message on the /events stream. Events carry Event and Data,
// responses to requests sent over the stream carry Response.
type Frame struct {
	Type     string           `json:"type"`
	Event    string           `json:"event,omitempty"`
	Data     json.RawMessage  `json:"data,omitempty"`
	Response *broker.Response `json:"response,omitempty"`
}

func eventFrame(ev broker.Event) (Frame, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameEvent, Event: ev.Name, Data: data}, nil
}

type page struct {
	origin string
	conn   *websocket.Conn
	out    chan Frame
	once   sync.Once
	closed chan struct{}
}

func (p *page) close() {
	p.once.Do(func() {
		close(p.closed)
		p.conn.Close()
	})
}

// send queues f without blocking. A page that cannot keep up is dropped.
func (p *page) send(f Frame) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case p.out <- f:
		return true
	default:
		logger.WarnCF("bridge", "Page queue full, dropping connection", map[string]any{
			"origin": p.origin,
		})
		p.close()
		return false
	}
}

// Hub tracks connected pages by origin and implements broker.Notifier. It
// also remembers the last accounts each origin was told about so a provider
// can prime its cache without asking the broker.
type Hub struct {
	mu       sync.RWMutex
	pages    map[*page]struct{}
	accounts map[string][]string
}

func NewHub() *Hub {
	return &Hub{
		pages:    make(map[*page]struct{}),
		accounts: make(map[string][]string),
	}
}

func (h *Hub) add(p *page) {
	h.mu.Lock()
	h.pages[p] = struct{}{}
	h.mu.Unlock()
	logger.DebugCF("bridge", "Page connected", map[string]any{"origin": p.origin})
}

func (h *Hub) remove(p *page) {
	h.mu.Lock()
	delete(h.pages, p)
	h.mu.Unlock()
	p.close()
	logger.DebugCF("bridge", "Page disconnected", map[string]any{"origin": p.origin})
}

// Pages returns the number of connected pages for origin, or for every
// origin when origin is empty.
func (h *Hub) Pages(origin string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for p := range h.pages {
		if origin == "" || p.origin == origin {
			n++
		}
	}
	return n
}

// CachedAccounts returns the last accounts origin was told about.
func (h *Hub) CachedAccounts(origin string) ([]string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	accts, ok := h.accounts[origin]
	return accts, ok
}

func (h *Hub) rememberAccounts(origin string, accts []string) {
	h.mu.Lock()
	h.accounts[origin] = append([]string{}, accts...)
	h.mu.Unlock()
}

func (h *Hub) NotifyOrigin(origin string, ev broker.Event) {
	if ev.Name == broker.EventAccountsChanged {
		if accts, ok := ev.Data.([]string); ok {
			h.rememberAccounts(origin, accts)
		}
	}
	h.deliver(ev, func(p *page) bool { return p.origin == origin })
}

func (h *Hub) Broadcast(ev broker.Event) {
	h.deliver(ev, func(*page) bool { return true })
}

func (h *Hub) deliver(ev broker.Event, match func(*page) bool) {
	f, err := eventFrame(ev)
	if err != nil {
		logger.ErrorCF("bridge", "Failed to encode event", map[string]any{
			"event": ev.Name,
			"error": err.Error(),
		})
		return
	}

	h.mu.RLock()
	targets := make([]*page, 0, len(h.pages))
	for p := range h.pages {
		if match(p) {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range targets {
		p.send(f)
	}
	logger.DebugCF("bridge", "Event delivered", map[string]any{
		"event": ev.Name,
		"pages": len(targets),
	})
}

// Close disconnects every page.
func (h *Hub) Close() {
	h.mu.Lock()
	pages := h.pages
	h.pages = make(map[*page]struct{})
	h.mu.Unlock()
	for p := range pages {
		p.close()
	}
}

func (p *page) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.closed:
			return
		case f := <-p.out:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(f); err != nil {
				p.close()
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		}
	}
}
