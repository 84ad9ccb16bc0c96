// Package config provides the configuration store for MCP server definitions.
//
// Server definitions live in servers.yaml under the config directory. The
// store is the only writer of that file; the lifecycle manager consumes
// ServerConfig records but never touches the file itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/plural-mcp/paths"
)

// TransportKind selects how a server's process is reached.
type TransportKind string

const (
	// TransportStdio launches a child process and speaks over stdin/stdout.
	TransportStdio TransportKind = "stdio"

	// TransportHTTP connects to an already-running server over HTTP.
	TransportHTTP TransportKind = "http"
)

// ServerConfig describes one configured MCP server.
// Immutable per connection attempt; the manager copies it on StartServer.
type ServerConfig struct {
	ID        string            `yaml:"id" json:"id"`               // Unique identifier for the server
	Name      string            `yaml:"name,omitempty" json:"name"` // Display name (falls back to ID)
	Transport TransportKind     `yaml:"transport,omitempty"`        // "stdio" (default) or "http"
	Command   string            `yaml:"command,omitempty"`          // Executable command (e.g., "npx", "node")
	Args      []string          `yaml:"args,omitempty"`             // Command arguments
	Env       map[string]string `yaml:"env,omitempty"`              // Extra environment variables
	Endpoint  string            `yaml:"endpoint,omitempty"`         // HTTP endpoint (http transport only)
	Enabled   bool              `yaml:"enabled"`                    // Disabled servers are never started
	AutoStart bool              `yaml:"auto_start,omitempty"`       // Start automatically at host startup
}

// DisplayName returns the human-facing name for the server.
func (c ServerConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// Validate checks that the config is complete enough to attempt a start.
func (c ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server config missing id")
	}
	switch c.Transport {
	case TransportStdio, "":
		if c.Command == "" {
			return fmt.Errorf("server %s: stdio transport requires a command", c.ID)
		}
	case TransportHTTP:
		if c.Endpoint == "" {
			return fmt.Errorf("server %s: http transport requires an endpoint", c.ID)
		}
	default:
		return fmt.Errorf("server %s: unknown transport %q", c.ID, c.Transport)
	}
	return nil
}

// Store holds the set of configured servers and persists them to servers.yaml.
type Store struct {
	Servers []ServerConfig `yaml:"servers"`

	mu       sync.RWMutex
	filePath string
}

// fileFormat is the on-disk shape of servers.yaml.
type fileFormat struct {
	Servers []ServerConfig `yaml:"servers"`
}

// Load reads the store from the default location, or creates an empty one
// if the file doesn't exist yet.
func Load() (*Store, error) {
	path, err := paths.ServersFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the store from an explicit path. Used by tests and by hosts
// that manage their own config location.
func LoadFrom(path string) (*Store, error) {
	s := &Store{
		Servers:  []ServerConfig{},
		filePath: path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if ff.Servers != nil {
		s.Servers = ff.Servers
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// validate checks all loaded configs and rejects duplicate IDs.
func (s *Store) validate() error {
	seen := make(map[string]bool, len(s.Servers))
	for _, srv := range s.Servers {
		if err := srv.Validate(); err != nil {
			return err
		}
		if seen[srv.ID] {
			return fmt.Errorf("duplicate server id %q in config", srv.ID)
		}
		seen[srv.ID] = true
	}
	return nil
}

// Save writes the store to disk. The write goes through a temp file and
// rename so a crash mid-write can't truncate the config.
func (s *Store) Save() error {
	s.mu.RLock()
	ff := fileFormat{Servers: make([]ServerConfig, len(s.Servers))}
	copy(ff.Servers, s.Servers)
	path := s.filePath
	s.mu.RUnlock()

	data, err := yaml.Marshal(ff)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// AddServer adds a server config (returns false if the id already exists).
func (s *Store) AddServer(cfg ServerConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, srv := range s.Servers {
		if srv.ID == cfg.ID {
			return false
		}
	}
	s.Servers = append(s.Servers, cfg)
	return true
}

// UpdateServer replaces the config with a matching id (returns false if not found).
func (s *Store) UpdateServer(cfg ServerConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, srv := range s.Servers {
		if srv.ID == cfg.ID {
			s.Servers[i] = cfg
			return true
		}
	}
	return false
}

// RemoveServer removes a server config by id (returns false if not found).
func (s *Store) RemoveServer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, srv := range s.Servers {
		if srv.ID == id {
			s.Servers = append(s.Servers[:i], s.Servers[i+1:]...)
			return true
		}
	}
	return false
}

// GetServer returns the config for an id, or false if unknown.
func (s *Store) GetServer(id string) (ServerConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, srv := range s.Servers {
		if srv.ID == id {
			return srv, true
		}
	}
	return ServerConfig{}, false
}

// GetServers returns a copy of all server configs.
func (s *Store) GetServers() []ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	servers := make([]ServerConfig, len(s.Servers))
	copy(servers, s.Servers)
	return servers
}

// AutoStartServers returns the configs that should be started at host startup.
func (s *Store) AutoStartServers() []ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var servers []ServerConfig
	for _, srv := range s.Servers {
		if srv.Enabled && srv.AutoStart {
			servers = append(servers, srv)
		}
	}
	return servers
}
