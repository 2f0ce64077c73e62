package approval

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dev-adhiraj/be-better/pkg/logger"
	"github.com/dev-adhiraj/be-better/pkg/storage"
)

// Kind is the category of a pending request.
type Kind string

const (
	KindConnect     Kind = "connect"
	KindTransaction Kind = "transaction"
	KindSign        Kind = "sign"
)

const mirrorTimeout = 2 * time.Second

// Entry is an in-flight request waiting for a human decision. Resolve is
// the continuation that completes the dApp call; Data is private to the
// owner of the table.
type Entry struct {
	ID        string
	Kind      Kind
	Origin    string
	Method    string
	Payload   any
	CreatedAt time.Time
	ExpiresAt time.Time

	Data any

	timer *time.Timer
}

// PendingTable holds pending requests for the life of the process and keeps
// an advisory copy of each in the durable mirror. It is not safe for
// concurrent use: a single goroutine owns it and expiry callbacks must be
// handed back to that goroutine.
type PendingTable struct {
	entries map[string]*Entry
	mirror  storage.PendingMirror
	ttl     time.Duration
	now     func() time.Time
}

// NewPendingTable creates a table whose entries expire after ttl. mirror may
// be nil.
func NewPendingTable(mirror storage.PendingMirror, ttl time.Duration) *PendingTable {
	return &PendingTable{
		entries: make(map[string]*Entry),
		mirror:  mirror,
		ttl:     ttl,
		now:     time.Now,
	}
}

// TTL returns the lifetime given to new entries.
func (t *PendingTable) TTL() time.Duration { return t.ttl }

// Insert assigns e a fresh id, arms its expiry and mirrors it. onExpire runs
// on a timer goroutine with the entry id.
func (t *PendingTable) Insert(e *Entry, onExpire func(id string)) string {
	e.ID = uuid.NewString()
	e.CreatedAt = t.now()
	e.ExpiresAt = e.CreatedAt.Add(t.ttl)

	t.entries[e.ID] = e
	if onExpire != nil {
		id := e.ID
		e.timer = time.AfterFunc(t.ttl, func() { onExpire(id) })
	}
	t.putMirror(e)

	logger.InfoCF("approval", "Request pending", map[string]any{
		"id":     e.ID,
		"kind":   string(e.Kind),
		"origin": e.Origin,
		"method": e.Method,
	})
	return e.ID
}

// Take removes and returns the entry for id. Only the first Take for an id
// succeeds; later calls report false.
func (t *PendingTable) Take(id string) (*Entry, bool) {
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	delete(t.entries, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	t.deleteMirror(id)
	return e, true
}

func (t *PendingTable) Get(id string) (*Entry, bool) {
	e, ok := t.entries[id]
	return e, ok
}

func (t *PendingTable) Len() int { return len(t.entries) }

// List returns the entries oldest first.
func (t *PendingTable) List() []*Entry {
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Drain removes every entry, stopping timers, and returns them.
func (t *PendingTable) Drain() []*Entry {
	out := t.List()
	for _, e := range out {
		t.Take(e.ID)
	}
	return out
}

// Record renders e as its durable mirror form.
func Record(e *Entry) storage.PendingRecord {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		payload = json.RawMessage("null")
	}
	return storage.PendingRecord{
		ID:        e.ID,
		Kind:      string(e.Kind),
		Origin:    e.Origin,
		Method:    e.Method,
		Payload:   payload,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	}
}

func (t *PendingTable) putMirror(e *Entry) {
	if t.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := t.mirror.PutPending(ctx, Record(e)); err != nil {
		logger.WarnCF("approval", "Pending mirror write failed", map[string]any{
			"id":    e.ID,
			"error": err.Error(),
		})
	}
}

func (t *PendingTable) deleteMirror(id string) {
	if t.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := t.mirror.DeletePending(ctx, id); err != nil {
		logger.WarnCF("approval", "Pending mirror delete failed", map[string]any{
			"id":    id,
			"error": err.Error(),
		})
	}
}
