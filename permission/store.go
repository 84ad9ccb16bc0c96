package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zhubert/plural-mcp/paths"
)

// GrantStore persists "always" grants across process restarts. The engine
// treats the storage mechanism as a collaborator; hosts can supply their own
// implementation.
type GrantStore interface {
	// Get returns the grant for a key, if present.
	Get(key string) (ToolPermission, bool)

	// Put inserts or replaces the grant for a key.
	Put(key string, grant ToolPermission) error

	// Delete removes the grant for a key. Deleting an absent key is a no-op.
	Delete(key string) error

	// All returns a snapshot of every stored grant, keyed as stored.
	All() map[string]ToolPermission
}

// MemoryStore is a non-persisting GrantStore for tests and hosts that
// manage persistence elsewhere.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]ToolPermission
}

// NewMemoryStore creates an empty in-memory grant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]ToolPermission)}
}

func (m *MemoryStore) Get(key string) (ToolPermission, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[key]
	return g, ok
}

func (m *MemoryStore) Put(key string, grant ToolPermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[key] = grant
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, key)
	return nil
}

func (m *MemoryStore) All() map[string]ToolPermission {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make(map[string]ToolPermission, len(m.grants))
	for k, v := range m.grants {
		snapshot[k] = v
	}
	return snapshot
}

// FileStore persists grants as a JSON object in grants.json. Every mutation
// writes through to disk via a temp file and rename.
type FileStore struct {
	mu       sync.RWMutex
	grants   map[string]ToolPermission
	filePath string
}

// OpenGrantFile loads (or initializes) the grant file at the default location.
func OpenGrantFile() (*FileStore, error) {
	path, err := paths.GrantsFilePath()
	if err != nil {
		return nil, err
	}
	return OpenGrantFileAt(path)
}

// OpenGrantFileAt loads (or initializes) a grant file at an explicit path.
func OpenGrantFileAt(path string) (*FileStore, error) {
	fs := &FileStore{
		grants:   make(map[string]ToolPermission),
		filePath: path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, &fs.grants); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if fs.grants == nil {
		fs.grants = make(map[string]ToolPermission)
	}
	return fs, nil
}

func (f *FileStore) Get(key string) (ToolPermission, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	g, ok := f.grants[key]
	return g, ok
}

func (f *FileStore) Put(key string, grant ToolPermission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants[key] = grant
	return f.saveLocked()
}

func (f *FileStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.grants[key]; !ok {
		return nil
	}
	delete(f.grants, key)
	return f.saveLocked()
}

func (f *FileStore) All() map[string]ToolPermission {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snapshot := make(map[string]ToolPermission, len(f.grants))
	for k, v := range f.grants {
		snapshot[k] = v
	}
	return snapshot
}

// saveLocked writes the grant map to disk. Caller must hold f.mu.
func (f *FileStore) saveLocked() error {
	data, err := json.MarshalIndent(f.grants, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create grants directory %s: %w", dir, err)
	}

	tmp := f.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, f.filePath)
}
