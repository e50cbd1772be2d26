// Package nav stores which item is open so it survives between runs.
package nav

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// Memory keeps the open item in memory.
type Memory struct {
	mu sync.Mutex
	id string
}

func (m *Memory) OpenItemID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, m.id != ""
}

func (m *Memory) SetOpenItemID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
}

func (m *Memory) ClearOpenItemID() {
	m.SetOpenItemID("")
}

type state struct {
	OpenItem string `toml:"open_item"`
	Tab      string `toml:"tab,omitempty"`
}

// File keeps the open item in a TOML state file. Write failures are logged;
// the in-memory value always wins for the running process.
type File struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	state state
}

// Open reads the state file at path. A missing file is an empty state.
func Open(path string) (*File, error) {
	f := &File{path: path, logger: slog.Default()}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if err := toml.Unmarshal(data, &f.state); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	return f, nil
}

// WithLogger sets the logger.
func (f *File) WithLogger(logger *slog.Logger) *File {
	f.logger = logger
	return f
}

func (f *File) OpenItemID() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.OpenItem, f.state.OpenItem != ""
}

func (f *File) SetOpenItemID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.OpenItem = id
	f.saveLocked()
}

func (f *File) ClearOpenItemID() {
	f.SetOpenItemID("")
}

// Tab returns the last listed collection key.
func (f *File) Tab() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Tab
}

// SetTab records the last listed collection key.
func (f *File) SetTab(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Tab = key
	f.saveLocked()
}

func (f *File) saveLocked() {
	data, err := toml.Marshal(f.state)
	if err != nil {
		f.logger.Error("encode navigation state", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		f.logger.Error("create state dir", "error", err)
		return
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		f.logger.Error("write navigation state", "error", err)
		return
	}
	if err := os.Rename(tmp, f.path); err != nil {
		f.logger.Error("replace navigation state", "error", err)
	}
}
