package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ConnectionFlags remembers which origins were connected before. The flag
// is advisory; the broker's registry decides.
type ConnectionFlags interface {
	Connected(origin string) bool
	SetConnected(origin string, connected bool) error
}

// FileFlags keeps the flags in a JSON file.
type FileFlags struct {
	path  string
	mu    sync.Mutex
	flags map[string]bool
}

// NewFileFlags loads path. A missing file starts empty.
func NewFileFlags(path string) (*FileFlags, error) {
	f := &FileFlags{path: path, flags: make(map[string]bool)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &f.flags); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return f, nil
}

func (f *FileFlags) Connected(origin string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[origin]
}

func (f *FileFlags) SetConnected(origin string, connected bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if connected {
		f.flags[origin] = true
	} else {
		delete(f.flags, origin)
	}

	data, err := json.MarshalIndent(f.flags, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// memoryFlags is used when no file is configured.
type memoryFlags struct {
	mu    sync.Mutex
	flags map[string]bool
}

func (m *memoryFlags) Connected(origin string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[origin]
}

func (m *memoryFlags) SetConnected(origin string, connected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flags == nil {
		m.flags = make(map[string]bool)
	}
	if connected {
		m.flags[origin] = true
	} else {
		delete(m.flags, origin)
	}
	return nil
}
