package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/h2non/filetype"
)

// ProviderInfo is the EIP-6963 provider description. UUID must stay stable
// for the life of an installation.
type ProviderInfo struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Icon string `json:"icon"`
	RDNS string `json:"rdns"`
}

// IconDataURI reads an icon file and encodes it as a data URI. The MIME type
// is sniffed from the content. SVG has no magic number and is recognised by
// extension or an <svg prefix.
func IconDataURI(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read icon: %w", err)
	}

	mime := ""
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		if !filetype.IsImage(data) {
			return "", fmt.Errorf("icon %s is %s, not an image", path, kind.MIME.Value)
		}
		mime = kind.MIME.Value
	} else if strings.EqualFold(filepath.Ext(path), ".svg") || bytes.HasPrefix(bytes.TrimSpace(data), []byte("<svg")) {
		mime = "image/svg+xml"
	} else {
		return "", fmt.Errorf("icon %s has an unrecognised format", path)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// EIP1193 is the request surface every announced provider exposes.
type EIP1193 interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// ProviderDetail is what an announcement carries.
type ProviderDetail struct {
	Info     ProviderInfo
	Provider EIP1193
}

// Announcer is the discovery registry several providers announce into. It
// never assumes a single provider.
type Announcer struct {
	mu        sync.Mutex
	providers map[string]ProviderDetail
	listeners map[int]func(ProviderDetail)
	nextID    int
}

func NewAnnouncer() *Announcer {
	return &Announcer{
		providers: make(map[string]ProviderDetail),
		listeners: make(map[int]func(ProviderDetail)),
	}
}

// Announce registers d under its UUID, replacing an earlier announcement
// with the same UUID, and tells every listener.
func (a *Announcer) Announce(d ProviderDetail) error {
	if d.Info.UUID == "" || d.Info.Name == "" {
		return fmt.Errorf("provider info requires uuid and name")
	}
	if d.Provider == nil {
		return fmt.Errorf("provider %s has no request surface", d.Info.Name)
	}

	a.mu.Lock()
	a.providers[d.Info.UUID] = d
	listeners := a.listenerList()
	a.mu.Unlock()

	for _, fn := range listeners {
		fn(d)
	}
	return nil
}

// OnAnnounce subscribes fn to future announcements and returns a cancel
// func.
func (a *Announcer) OnAnnounce(fn func(ProviderDetail)) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// RequestProviders re-announces every known provider to the listeners and
// returns them ordered by name.
func (a *Announcer) RequestProviders() []ProviderDetail {
	a.mu.Lock()
	out := make([]ProviderDetail, 0, len(a.providers))
	for _, d := range a.providers {
		out = append(out, d)
	}
	listeners := a.listenerList()
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Info.Name == out[j].Info.Name {
			return out[i].Info.UUID < out[j].Info.UUID
		}
		return out[i].Info.Name < out[j].Info.Name
	})
	for _, d := range out {
		for _, fn := range listeners {
			fn(d)
		}
	}
	return out
}

// Lookup finds a provider by UUID or RDNS.
func (a *Announcer) Lookup(key string) (ProviderDetail, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.providers[key]; ok {
		return d, true
	}
	for _, d := range a.providers {
		if d.Info.RDNS == key {
			return d, true
		}
	}
	return ProviderDetail{}, false
}

func (a *Announcer) listenerList() []func(ProviderDetail) {
	ids := make([]int, 0, len(a.listeners))
	for id := range a.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(ProviderDetail), 0, len(ids))
	for _, id := range ids {
		out = append(out, a.listeners[id])
	}
	return out
}
